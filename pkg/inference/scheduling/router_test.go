package scheduling

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/inference/supervisor"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
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

// fakeBackend implements Backend without a child process.
type fakeBackend struct {
	info     catalog.ModelInfo
	loadErr  error
	mu       sync.Mutex
	busy     int
	last     time.Time
	unloaded bool
}

func (f *fakeBackend) Info() catalog.ModelInfo { return f.info }
func (f *fakeBackend) OptionsBag() config.Bag  { return nil }
func (f *fakeBackend) BaseURL() string         { return "http://127.0.0.1:1" }
// Load consumes a scripted failure once, then succeeds on later attempts.
func (f *fakeBackend) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.loadErr
	f.loadErr = nil
	return err
}
func (f *fakeBackend) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = true
	return nil
}
func (f *fakeBackend) Forward(ctx context.Context, endpoint string, body []byte, contentType string, timeout time.Duration) (*supervisor.Response, error) {
	return &supervisor.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
}
func (f *fakeBackend) ForwardStreaming(ctx context.Context, endpoint string, body []byte, contentType string, sink io.Writer) error {
	_, err := sink.Write([]byte("data: {}\n\n"))
	return err
}
func (f *fakeBackend) MarkBusy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy++
	f.last = time.Now()
}
func (f *fakeBackend) ClearBusy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy--
}
func (f *fakeBackend) WaitUntilNotBusy() {}
func (f *fakeBackend) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = time.Now()
}
func (f *fakeBackend) LastAccess() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
func (f *fakeBackend) Telemetry() supervisor.Telemetry {
	return supervisor.Telemetry{OutputTokens: 5}
}

// testRouter builds a router over a catalogue whose models are all local:
// GGUF files in an extra models directory plus FLM entries reported as
// installed by a fake flm CLI.
func testRouter(t *testing.T, maxPerType int) (*Router, map[string]*fakeBackend, *int) {
	t.Helper()

	extra := t.TempDir()
	for _, name := range []string{"a.gguf", "b.gguf", "c.gguf"} {
		require.NoError(t, os.WriteFile(filepath.Join(extra, name), []byte("g"), 0o644))
	}

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
		FLM:       &fakeFLM{installed: []string{"gemma3:4b", "llama3.2:1b"}},
	})
	require.NoError(t, cat.RegisterUser("user.flm-llama", catalog.UserModel{
		Checkpoint: "llama3.2:1b",
		Recipe:     "flm",
	}))

	r := NewRouter(RouterConfig{
		Log:              log,
		Catalog:          cat,
		GlobalOptions:    config.Bag{},
		MaxLoadedPerType: maxPerType,
	})

	backends := map[string]*fakeBackend{}
	loadCalls := 0
	r.newBackend = func(info *catalog.ModelInfo, opts *config.Options) (Backend, error) {
		loadCalls++
		b := &fakeBackend{info: *info, last: time.Now()}
		if prior, ok := backends[info.ModelName]; ok && prior.loadErr != nil {
			// Carry a scripted first-attempt failure, then succeed.
			b.loadErr = prior.loadErr
			prior.loadErr = nil
		}
		backends[info.ModelName] = b
		return b, nil
	}
	return r, backends, &loadCalls
}

func poolNames(r *Router) []string {
	var names []string
	for _, m := range r.LoadedModels() {
		names = append(names, m.ModelName)
	}
	return names
}

func TestShippedImageDefaultsReachBackend(t *testing.T) {
	// A shipped image model's defaults must survive resolution and beat a
	// blanket global flag.
	hub := t.TempDir()
	snapshotDir := filepath.Join(hub, "models--stabilityai--sd-turbo", "snapshots", "main")
	require.NoError(t, os.MkdirAll(snapshotDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshotDir, "sd_turbo.safetensors"), []byte("st"), 0o644))

	log := testLogger()
	cat := catalog.New(catalog.Config{
		Log:       log,
		CacheDir:  t.TempDir(),
		HubDir:    hub,
		Snapshot:  &hardware.Snapshot{OSName: "linux", CPUName: "AMD Ryzen 9", TotalPhysicalMemory: 64 << 30},
		Hub:       catalog.NewHubClient(nil),
		Downloads: download.New(log, nil),
	})

	r := NewRouter(RouterConfig{
		Log:              log,
		Catalog:          cat,
		GlobalOptions:    config.Bag{"steps": "20"},
		MaxLoadedPerType: -1,
	})
	var resolved *config.Options
	r.newBackend = func(info *catalog.ModelInfo, opts *config.Options) (Backend, error) {
		resolved = opts
		return &fakeBackend{info: *info, last: time.Now()}, nil
	}

	require.NoError(t, r.LoadModel(context.Background(), "SD-Turbo", nil, true))
	require.NotNil(t, resolved)
	require.NotNil(t, resolved.SDCpp)
	assert.Equal(t, 4, resolved.SDCpp.Steps)
	assert.Equal(t, 1.0, resolved.SDCpp.CfgScale)
	assert.Equal(t, 512, resolved.SDCpp.Width)
	assert.Equal(t, 512, resolved.SDCpp.Height)
}

func TestLoadIsIdempotentPerName(t *testing.T) {
	r, _, calls := testRouter(t, -1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))

	assert.Equal(t, []string{"extra.a.gguf"}, poolNames(r))
	assert.Equal(t, 1, *calls)
}

func TestPerTypeLRUEviction(t *testing.T) {
	r, backends, _ := testRouter(t, 1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	require.NoError(t, r.LoadModel(ctx, "extra.b.gguf", nil, true))

	assert.Equal(t, []string{"extra.b.gguf"}, poolNames(r))
	assert.True(t, backends["extra.a.gguf"].unloaded)
}

func TestLRUPicksLeastRecentlyUsed(t *testing.T) {
	r, backends, _ := testRouter(t, 2)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.LoadModel(ctx, "extra.b.gguf", nil, true))
	time.Sleep(2 * time.Millisecond)
	backends["extra.a.gguf"].Touch() // a is now more recent than b

	require.NoError(t, r.LoadModel(ctx, "extra.c.gguf", nil, true))
	names := poolNames(r)
	assert.Contains(t, names, "extra.a.gguf")
	assert.Contains(t, names, "extra.c.gguf")
	assert.NotContains(t, names, "extra.b.gguf")
}

func TestNPUExclusivity(t *testing.T) {
	r, backends, _ := testRouter(t, -1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "Gemma-3-4b-it-FLM", nil, true))
	require.NoError(t, r.LoadModel(ctx, "user.flm-llama", nil, true))

	assert.Equal(t, []string{"user.flm-llama"}, poolNames(r))
	assert.True(t, backends["Gemma-3-4b-it-FLM"].unloaded)

	// A CPU model coexists with the NPU holder.
	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	assert.Len(t, poolNames(r), 2)
}

func TestNuclearRetryEvictsEverything(t *testing.T) {
	r, backends, calls := testRouter(t, -1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))

	// Script the first attempt for b to fail with a retryable error.
	backends["extra.b.gguf"] = &fakeBackend{
		loadErr: inference.NewError(inference.KindBackendStartupFailed, "port collision"),
	}
	before := *calls

	require.NoError(t, r.LoadModel(ctx, "extra.b.gguf", nil, true))

	// The failed attempt evicted the whole pool and retried exactly once.
	assert.Equal(t, []string{"extra.b.gguf"}, poolNames(r))
	assert.True(t, backends["extra.a.gguf"].unloaded)
	assert.Equal(t, before+2, *calls)
}

func TestNotFoundFailuresAreNotRetried(t *testing.T) {
	r, backends, calls := testRouter(t, -1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	backends["extra.b.gguf"] = &fakeBackend{
		loadErr: inference.NewError(inference.KindModelNotFound, "missing file"),
	}
	before := *calls

	err := r.LoadModel(ctx, "extra.b.gguf", nil, true)
	require.Error(t, err)
	assert.Equal(t, inference.KindModelNotFound, inference.KindOf(err))
	// One attempt, no nuclear retry, pool untouched.
	assert.Equal(t, before+1, *calls)
	assert.Equal(t, []string{"extra.a.gguf"}, poolNames(r))
}

func TestInvalidatedFailuresAreNotRetried(t *testing.T) {
	r, backends, _ := testRouter(t, -1)
	ctx := context.Background()

	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	backends["user.flm-llama"] = &fakeBackend{
		loadErr: inference.NewError(inference.KindModelInvalidated, "erased by upgrade"),
	}

	err := r.LoadModel(ctx, "user.flm-llama", nil, true)
	require.Error(t, err)
	assert.Equal(t, inference.KindModelInvalidated, inference.KindOf(err))
	assert.Equal(t, []string{"extra.a.gguf"}, poolNames(r))
}

func TestLoadUnknownModel(t *testing.T) {
	r, _, _ := testRouter(t, -1)
	err := r.LoadModel(context.Background(), "no-such-model", nil, true)
	require.Error(t, err)
	assert.Equal(t, inference.KindModelNotFound, inference.KindOf(err))
}

func TestDispatch(t *testing.T) {
	r, backends, _ := testRouter(t, -1)
	ctx := context.Background()
	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))

	// Missing model field.
	_, err := r.Dispatch(ctx, inference.EndpointChat, []byte(`{}`), "application/json")
	assert.Equal(t, inference.KindInvalidRequest, inference.KindOf(err))

	// Unloaded model.
	_, err = r.Dispatch(ctx, inference.EndpointChat, []byte(`{"model":"extra.b.gguf"}`), "application/json")
	assert.Equal(t, inference.KindModelNotLoaded, inference.KindOf(err))

	// Success clears the busy flag.
	resp, err := r.Dispatch(ctx, inference.EndpointChat, []byte(`{"model":"extra.a.gguf"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 0, backends["extra.a.gguf"].busy)
}

func TestModelFromMultipartBody(t *testing.T) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("model", "extra.a.gguf"))
	require.NoError(t, form.WriteField("temperature", "0"))
	require.NoError(t, form.Close())

	name, err := modelFromBody(buf.Bytes(), form.FormDataContentType())
	require.NoError(t, err)
	assert.Equal(t, "extra.a.gguf", name)

	_, err = modelFromBody([]byte("not json"), "application/json")
	assert.Equal(t, inference.KindInvalidRequest, inference.KindOf(err))
}

func TestUnloadAndShutdown(t *testing.T) {
	r, backends, _ := testRouter(t, -1)
	ctx := context.Background()
	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	require.NoError(t, r.LoadModel(ctx, "extra.b.gguf", nil, true))

	r.UnloadModel("extra.a.gguf")
	assert.Equal(t, []string{"extra.b.gguf"}, poolNames(r))
	assert.True(t, backends["extra.a.gguf"].unloaded)

	r.Shutdown()
	assert.Empty(t, poolNames(r))
	assert.True(t, backends["extra.b.gguf"].unloaded)
}

func TestTelemetryReadsMostRecent(t *testing.T) {
	r, _, _ := testRouter(t, -1)
	ctx := context.Background()
	require.NoError(t, r.LoadModel(ctx, "extra.a.gguf", nil, true))
	assert.Equal(t, int64(5), r.Telemetry().OutputTokens)
}
