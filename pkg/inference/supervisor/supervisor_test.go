package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logging.NewLogrusAdapter(logger)
}

// fakeAdapter serves chat only and uppercases nothing; its transform tags the
// body so tests can observe that transformation happened before forwarding.
type fakeAdapter struct {
	invocation *inference.Invocation
	timeout    time.Duration
}

func (f *fakeAdapter) Recipe() string  { return "fake" }
func (f *fakeAdapter) Flavour() string { return "cpu" }
func (f *fakeAdapter) EnsureInstalled(context.Context) error {
	return nil
}
func (f *fakeAdapter) Invocation(*catalog.ModelInfo, *config.Options, int) (*inference.Invocation, error) {
	return f.invocation, nil
}
func (f *fakeAdapter) Endpoints() map[string]string {
	return map[string]string{inference.EndpointChat: "/child/chat"}
}
func (f *fakeAdapter) TransformRequest(endpoint string, body []byte, contentType string) ([]byte, string, error) {
	return append([]byte("transformed:"), body...), contentType, nil
}
func (f *fakeAdapter) ReadinessPath() string { return "/health" }
func (f *fakeAdapter) ReadinessTimeout() time.Duration {
	if f.timeout > 0 {
		return f.timeout
	}
	return 5 * time.Second
}

func supervisorFor(t *testing.T, backend *httptest.Server) *Supervisor {
	t.Helper()
	s := New(testLogger(), &fakeAdapter{}, catalog.ModelInfo{ModelName: "m"}, nil, nil)
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	s.port = port
	return s
}

func TestForwardTransformsAndRecordsTelemetry(t *testing.T) {
	var gotPath, gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		fmt.Fprint(w, `{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":11},"timings":{"predicted_per_second":42.5}}`)
	}))
	defer backend.Close()

	s := supervisorFor(t, backend)
	resp, err := s.Forward(context.Background(), inference.EndpointChat, []byte(`{"x":1}`), "application/json", 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/child/chat", gotPath)
	assert.Equal(t, `transformed:{"x":1}`, gotBody)

	tel := s.Telemetry()
	assert.Equal(t, int64(7), tel.InputTokens)
	assert.Equal(t, int64(11), tel.OutputTokens)
	assert.Equal(t, 42.5, tel.TokensPerSecond)
}

func TestForwardUnsupportedEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	s := supervisorFor(t, backend)
	_, err := s.Forward(context.Background(), inference.EndpointEmbeddings, nil, "application/json", 0)
	require.Error(t, err)
	assert.Equal(t, inference.KindUnsupportedOperation, inference.KindOf(err))

	err = s.ForwardStreaming(context.Background(), inference.EndpointEmbeddings, nil, "application/json", &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, inference.KindUnsupportedOperation, inference.KindOf(err))
}

func TestForwardStreamingPreservesByteOrder(t *testing.T) {
	chunks := []string{"data: one\n\n", "data: two\n\n", "data: [DONE]\n\n"}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer backend.Close()

	s := supervisorFor(t, backend)
	var sink bytes.Buffer
	err := s.ForwardStreaming(context.Background(), inference.EndpointChat, []byte(`{}`), "application/json", &sink)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(chunks, ""), sink.String())
	assert.Greater(t, s.Telemetry().TimeToFirstToken, 0.0)
}

func TestBusyTracking(t *testing.T) {
	s := New(testLogger(), &fakeAdapter{}, catalog.ModelInfo{ModelName: "m"}, nil, nil)

	before := s.LastAccess()
	time.Sleep(5 * time.Millisecond)
	s.MarkBusy()
	assert.True(t, s.LastAccess().After(before))

	var waited sync.WaitGroup
	waited.Add(1)
	released := make(chan struct{})
	go func() {
		defer waited.Done()
		s.WaitUntilNotBusy()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("WaitUntilNotBusy returned while busy")
	case <-time.After(50 * time.Millisecond):
	}

	s.ClearBusy()
	waited.Wait()
}

func TestUnloadIdempotent(t *testing.T) {
	s := New(testLogger(), &fakeAdapter{}, catalog.ModelInfo{ModelName: "m"}, nil, nil)
	require.NoError(t, s.Unload())
	require.NoError(t, s.Unload())
}

func TestFreePort(t *testing.T) {
	p1, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, p1, 0)
}
