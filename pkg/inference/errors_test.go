package inference

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedErrors(t *testing.T) {
	base := NewError(KindModelNotFound, "no such model").WithModel("qwen")
	wrapped := fmt.Errorf("loading failed: %w", base)

	assert.Equal(t, KindModelNotFound, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Contains(t, base.Error(), "qwen")
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalidRequest))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindModelNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindModelNotLoaded))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuthFailed))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindBackendStartupFailed))
}

func TestClassifyForRetry(t *testing.T) {
	assert.Equal(t, RetryNotFound, ClassifyForRetry(NewError(KindModelNotFound, "gone")))
	assert.Equal(t, RetryInvalidated, ClassifyForRetry(NewError(KindModelInvalidated, "upgraded")))
	assert.Equal(t, RetryOther, ClassifyForRetry(NewError(KindBackendStartupFailed, "timeout")))
	assert.Equal(t, RetryOther, ClassifyForRetry(errors.New("anything")))
}
