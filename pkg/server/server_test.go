package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logging.NewLogrusAdapter(logger)
}

type fakeFLM struct{ installed []string }

func (f *fakeFLM) InstalledModels(context.Context) ([]string, error) { return f.installed, nil }
func (f *fakeFLM) Pull(context.Context, string, download.ProgressFunc) error {
	return nil
}

type harness struct {
	server  *Server
	lastLog string
	stopped chan struct{}
}

func newHarness(t *testing.T, apiKey, logFile string) *harness {
	t.Helper()

	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "a.gguf"), []byte("g"), 0o644))

	snapshot := &hardware.Snapshot{
		OSName:              "linux",
		CPUName:             "AMD Ryzen AI 9 HX 370",
		NPUAvailable:        true,
		TotalPhysicalMemory: 64 << 30,
	}
	log := testLogger()
	cat := catalog.New(catalog.Config{
		Log:       log,
		CacheDir:  t.TempDir(),
		HubDir:    t.TempDir(),
		ExtraDir:  extra,
		Snapshot:  snapshot,
		Hub:       catalog.NewHubClient(nil),
		Downloads: download.New(log, nil),
		FLM:       &fakeFLM{installed: []string{"gemma3:4b"}},
	})
	router := scheduling.NewRouter(scheduling.RouterConfig{
		Log:              log,
		Catalog:          cat,
		GlobalOptions:    config.Bag{},
		MaxLoadedPerType: -1,
	})

	h := &harness{stopped: make(chan struct{})}
	h.server = New(Config{
		Log:      log,
		Catalog:  cat,
		Router:   router,
		Snapshot: snapshot,
		Metrics:  metrics.New(),
		APIKey:   apiKey,
		LogFile:  logFile,
		Version:  "1.0.0-test",
		SetLogLevel: func(level string) error {
			switch level {
			case "critical", "error", "warning", "info", "debug", "trace":
				h.lastLog = level
				return nil
			}
			return fmt.Errorf("unknown level %q", level)
		},
		RequestShutdown: func() { close(h.stopped) },
	})
	return h
}

func (h *harness) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndLiveUnderAllPrefixes(t *testing.T) {
	h := newHarness(t, "", "")
	for _, prefix := range []string{"/api/v0", "/api/v1", "/v0", "/v1"} {
		rec := h.do("GET", prefix+"/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, prefix)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	}
	rec := h.do("GET", "/v1/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModelsListAndGet(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("GET", "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "extra.a.gguf")
	assert.Contains(t, body, "Gemma-3-4b-it-FLM")

	rec = h.do("GET", "/v1/models/extra.a.gguf", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recipe":"llamacpp"`)

	rec = h.do("GET", "/v1/models/no-such-model", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_not_found")
}

func TestUnknownPathAndMethodNotAllowed(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("GET", "/v1/frobnicate", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = h.do("GET", "/v1/load", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), "POST")
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, "secret", "")

	rec := h.do("GET", "/v1/models", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_failed")

	rec = h.do("GET", "/v1/models", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The metrics endpoint is outside the guarded prefixes.
	rec = h.do("GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatDispatchErrors(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/v1/chat/completions", `{"messages":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	rec = h.do("POST", "/v1/chat/completions", `{"model":"extra.a.gguf"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_not_loaded")
}

func TestLoadValidation(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/v1/load", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("POST", "/v1/load", `{"model":"no-such-model"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model_not_found")
}

func TestParamsPersistAndValidate(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/v1/params", `{"model":"extra.a.gguf","options":{"ctx_size":8192}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do("GET", "/v1/models/extra.a.gguf", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ctx_size":"8192"`)

	rec = h.do("POST", "/v1/params", `{"model":"extra.a.gguf","options":{"steps":5}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestLogLevel(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/v1/log-level", `{"level":"debug"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "debug", h.lastLog)

	rec = h.do("POST", "/v1/log-level", `{"level":"verbose"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemInfoAndStats(t *testing.T) {
	h := newHarness(t, "", "")
	h.server.detect = func() *hardware.Snapshot {
		return &hardware.Snapshot{CPUName: "fresh"}
	}

	rec := h.do("GET", "/v1/system-info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ryzen AI")
	assert.Contains(t, rec.Body.String(), "llamacpp")

	rec = h.do("GET", "/v1/system-stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fresh")

	rec = h.do("GET", "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telemetry")
}

func TestPullEvents(t *testing.T) {
	h := newHarness(t, "", "")

	// Unknown models produce an SSE error event on an open stream.
	rec := h.do("POST", "/v1/pull", `{"model":"no-such-model"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")

	// FLM pulls delegate to the flm CLI; the fake succeeds immediately.
	rec = h.do("POST", "/v1/pull", `{"model":"Gemma-3-4b-it-FLM"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: complete")
}

func TestUnloadAndDelete(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/v1/unload", `{}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do("POST", "/v1/delete", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("POST", "/v1/delete", `{"model":"extra.a.gguf"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestShutdownRoute(t *testing.T) {
	h := newHarness(t, "", "")

	rec := h.do("POST", "/internal/shutdown", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-h.stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}
}

func TestLogStreamTailsFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(logFile, []byte("first line\nsecond line\n"), 0o644))

	h := newHarness(t, "", logFile)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "data: first line", scanner.Text())
	cancel()
}
