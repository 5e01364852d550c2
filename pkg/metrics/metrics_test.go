package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauge(t *testing.T) {
	m := New()

	m.ObserveRequest("/api/v1/chat/completions", "POST", 200, 120*time.Millisecond)
	m.ObserveRequest("/api/v1/chat/completions", "POST", 200, 80*time.Millisecond)
	m.ObserveLoad("llamacpp", nil)
	m.ObserveLoad("llamacpp", errors.New("boom"))
	m.ObserveDownload(nil)
	m.ObserveEviction("lru")
	m.SetLoadedModels(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/v1/chat/completions", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelLoads.WithLabelValues("llamacpp", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelLoads.WithLabelValues("llamacpp", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelEvictions.WithLabelValues("lru")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loadedModels))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.ObserveRequest("/api/v1/models", "GET", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lemonade_http_requests_total"))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveEviction("npu")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.modelEvictions.WithLabelValues("npu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.modelEvictions.WithLabelValues("npu")))
}
