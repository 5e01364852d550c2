package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
)

func echoPath() (http.Handler, *string) {
	var got string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}), &got
}

func TestNormalizeStripsEachPrefix(t *testing.T) {
	inner, got := echoPath()
	h := Normalize(inner)

	for _, tc := range []struct{ in, want string }{
		{"/api/v1/chat/completions", "/chat/completions"},
		{"/api/v0/models", "/models"},
		{"/v1/models", "/models"},
		{"/v0/health", "/health"},
		{"/v1", "/"},
		{"/internal/shutdown", "/internal/shutdown"},
		{"/metrics", "/metrics"},
		{"/v10/models", "/v10/models"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tc.in, nil))
		assert.Equal(t, tc.want, *got, "path %s", tc.in)
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	inner, _ := echoPath()
	h := Auth("", inner)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsBadToken(t *testing.T) {
	inner, _ := echoPath()
	h := Auth("secret", inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/completions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_failed")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/load", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsTokenAndExemptions(t *testing.T) {
	inner, _ := echoPath()
	h := Auth("secret", inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// CORS preflight bypasses the key check.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Non-API paths are not guarded.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingPreservesFlusher(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	log := logging.NewLogrusAdapter(logger)

	var sawFlusher bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
		w.WriteHeader(http.StatusAccepted)
	})
	h := Logging(log, metrics.New(), inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.True(t, sawFlusher)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
