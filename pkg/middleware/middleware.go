// Package middleware carries the HTTP cross-cutting layers: API-prefix
// normalization, bearer authentication, and request logging/metrics.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
)

// apiPrefixes are the four equivalent route prefixes. Longest first so
// /api/v1 is not mistaken for a bare /v1 match.
var apiPrefixes = []string{"/api/v0", "/api/v1", "/v0", "/v1"}

// Normalize strips one API prefix from the request path so handlers register
// canonical paths once. Paths without a known prefix pass through unchanged.
func Normalize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range apiPrefixes {
			if r.URL.Path == prefix {
				r.URL.Path = "/"
				break
			}
			if strings.HasPrefix(r.URL.Path, prefix+"/") {
				r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Auth enforces bearer authentication on the API prefixes when a key is
// configured. OPTIONS requests are exempt so CORS preflights succeed.
func Auth(key string, next http.Handler) http.Handler {
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"message": "missing or invalid API key",
					"type":    "auth_failed",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAPIPath(path string) bool {
	for _, prefix := range apiPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return strings.HasPrefix(path, "/api/")
}

// statusWriter records the status code while forwarding Flush so streaming
// responses keep working through the logging layer.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs one line per request and feeds the request metrics.
func Logging(log logging.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		if m != nil {
			m.ObserveRequest(r.URL.Path, r.Method, status, elapsed)
		}
		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", status).
			WithField("duration", elapsed.String()).
			Debugf("request served")
	})
}
