// Package scheduling implements the router and backend pool: lifecycle of the
// loaded-model supervisors, load serialization, LRU eviction per model type,
// NPU exclusivity, and per-request dispatch.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/inference/recipes"
	"github.com/lemonade-sdk/lemonade/pkg/inference/supervisor"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
)

// Per-endpoint forwarding timeouts. Text endpoints are effectively unbounded.
const (
	imageTimeout = 10 * time.Minute
	audioTimeout = 5 * time.Minute
)

// Backend is the slice of a supervisor the router manages. Implemented by
// *supervisor.Supervisor.
type Backend interface {
	Info() catalog.ModelInfo
	OptionsBag() config.Bag
	BaseURL() string
	Load(ctx context.Context) error
	Unload() error
	Forward(ctx context.Context, endpoint string, body []byte, contentType string, timeout time.Duration) (*supervisor.Response, error)
	ForwardStreaming(ctx context.Context, endpoint string, body []byte, contentType string, sink io.Writer) error
	MarkBusy()
	ClearBusy()
	WaitUntilNotBusy()
	Touch()
	LastAccess() time.Time
	Telemetry() supervisor.Telemetry
}

// RouterConfig assembles a router's collaborators.
type RouterConfig struct {
	Log     logging.Logger
	Catalog *catalog.Catalog
	Factory *recipes.Factory
	// GlobalOptions are the CLI-level option defaults, below per-model saved
	// overrides in the inheritance chain.
	GlobalOptions config.Bag
	// ChildLogWriter receives merged child process output.
	ChildLogWriter io.Writer
	// MaxLoadedPerType bounds live supervisors per model type; -1 is
	// unbounded.
	MaxLoadedPerType int
	// Metrics is optional; evictions are counted when present.
	Metrics *metrics.Metrics
}

// Router owns the pool of backend supervisors and serializes loads.
type Router struct {
	log           logging.Logger
	catalog       *catalog.Catalog
	globalOptions config.Bag
	maxPerType    int
	metrics       *metrics.Metrics

	// newBackend builds a supervisor for a resolved model; replaced in tests.
	newBackend func(info *catalog.ModelInfo, opts *config.Options) (Backend, error)

	mu        sync.Mutex
	loadCond  *sync.Cond
	isLoading bool
	pool      []Backend
}

// NewRouter constructs an empty pool.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		log:           cfg.Log.WithField("component", "router"),
		catalog:       cfg.Catalog,
		globalOptions: cfg.GlobalOptions,
		maxPerType:    cfg.MaxLoadedPerType,
		metrics:       cfg.Metrics,
	}
	r.newBackend = func(info *catalog.ModelInfo, opts *config.Options) (Backend, error) {
		flavour := cfg.Factory.Flavour(info.Recipe, opts)
		adapter, err := cfg.Factory.Adapter(info.Recipe, flavour)
		if err != nil {
			return nil, err
		}
		return supervisor.New(cfg.Log, adapter, *info, opts, cfg.ChildLogWriter), nil
	}
	r.loadCond = sync.NewCond(&r.mu)
	return r
}

func (r *Router) findLocked(name string) Backend {
	for _, s := range r.pool {
		if s.Info().ModelName == name {
			return s
		}
	}
	return nil
}

// LoadModel loads a model into the pool, serialized pool-wide: at most one
// load is in progress at any instant. Missing model files are downloaded
// first (cache-hit semantics when doNotUpgrade is set).
func (r *Router) LoadModel(ctx context.Context, name string, overrides config.Bag, doNotUpgrade bool) error {
	info, err := r.catalog.Get(ctx, name)
	if err != nil {
		return translateCatalogError(err, name)
	}

	if !info.Downloaded {
		if err := r.catalog.Download(ctx, name, doNotUpgrade, nil); err != nil {
			return translateCatalogError(err, name)
		}
		if info, err = r.catalog.Get(ctx, name); err != nil {
			return translateCatalogError(err, name)
		}
	}

	opts, err := config.Resolve(info.Recipe, r.globalOptions, info.DefaultsBag(), info.RecipeOptions, overrides)
	if err != nil {
		return inference.WrapError(inference.KindInvalidRequest, err, "invalid options for %s", name).WithModel(name)
	}

	// Acquire the pool-wide load token; it is released on every exit path.
	r.mu.Lock()
	for r.isLoading {
		r.loadCond.Wait()
	}
	r.isLoading = true
	defer func() {
		r.mu.Lock()
		r.isLoading = false
		r.loadCond.Broadcast()
		r.mu.Unlock()
	}()

	if existing := r.findLocked(name); existing != nil {
		existing.Touch()
		r.mu.Unlock()
		return nil
	}

	// The NPU is exclusive: evict whoever holds it before an NPU load.
	var evictions []Backend
	if info.Device.Has(catalog.DeviceNPU) {
		for _, s := range r.pool {
			if s.Info().Device.Has(catalog.DeviceNPU) {
				evictions = append(evictions, s)
				r.observeEviction("npu")
			}
		}
	}
	// Per-type LRU bound.
	if r.maxPerType > 0 {
		var sameType []Backend
		for _, s := range r.pool {
			if s.Info().Type == info.Type && !contains(evictions, s) {
				sameType = append(sameType, s)
			}
		}
		for len(sameType) >= r.maxPerType {
			lru := sameType[0]
			for _, s := range sameType[1:] {
				if s.LastAccess().Before(lru.LastAccess()) {
					lru = s
				}
			}
			evictions = append(evictions, lru)
			sameType = remove(sameType, lru)
			r.observeEviction("lru")
		}
	}
	for _, s := range evictions {
		r.pool = remove(r.pool, s)
	}
	r.mu.Unlock()

	for _, s := range evictions {
		r.drainAndUnload(s)
	}

	err = r.loadOnce(ctx, info, opts)
	if err == nil {
		return nil
	}

	switch inference.ClassifyForRetry(err) {
	case inference.RetryNotFound, inference.RetryInvalidated:
		return err
	}

	// Nuclear retry: evict everything and try exactly once more.
	r.log.Warnf("load of %s failed (%v); evicting all backends and retrying once", name, err)
	r.evictAll("nuclear_retry")
	return r.loadOnce(ctx, info, opts)
}

// loadOnce spins up one backend and appends it to the pool on success. The
// pool mutex is not held across the slow child startup.
func (r *Router) loadOnce(ctx context.Context, info *catalog.ModelInfo, opts *config.Options) error {
	s, err := r.newBackend(info, opts)
	if err != nil {
		return err
	}
	if err := s.Load(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.pool = append(r.pool, s)
	r.mu.Unlock()
	r.log.Infof("loaded %s (%s) at %s", info.ModelName, info.Recipe, s.BaseURL())
	return nil
}

// UnloadModel evicts one loaded model. Unknown names are a no-op.
func (r *Router) UnloadModel(name string) {
	r.mu.Lock()
	s := r.findLocked(name)
	if s != nil {
		r.pool = remove(r.pool, s)
	}
	r.mu.Unlock()
	if s != nil {
		r.observeEviction("unload")
		r.drainAndUnload(s)
	}
}

// UnloadAll evicts every loaded model.
func (r *Router) UnloadAll() {
	r.evictAll("unload")
}

// evictAll empties the pool, draining each supervisor.
func (r *Router) evictAll(reason string) {
	r.mu.Lock()
	evicted := r.pool
	r.pool = nil
	r.mu.Unlock()
	for _, s := range evicted {
		r.observeEviction(reason)
		r.drainAndUnload(s)
	}
}

// Shutdown evicts all supervisors in parallel.
func (r *Router) Shutdown() {
	r.mu.Lock()
	evicted := r.pool
	r.pool = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range evicted {
		s := s
		r.observeEviction("shutdown")
		g.Go(func() error {
			r.drainAndUnload(s)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) observeEviction(reason string) {
	if r.metrics != nil {
		r.metrics.ObserveEviction(reason)
	}
}

func (r *Router) drainAndUnload(s Backend) {
	s.WaitUntilNotBusy()
	if err := s.Unload(); err != nil {
		r.log.Warnf("unload of %s reported: %v", s.Info().ModelName, err)
	}
}

// acquire parses the model name out of a request body (JSON or multipart
// form) and marks the owning supervisor busy. The caller must release.
func (r *Router) acquire(body []byte, contentType string) (Backend, error) {
	name, err := modelFromBody(body, contentType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	s := r.findLocked(name)
	r.mu.Unlock()
	if s == nil {
		return nil, inference.NewError(inference.KindModelNotLoaded,
			"model %s is not loaded; call load first", name).WithModel(name)
	}
	s.MarkBusy()
	return s, nil
}

// modelFromBody extracts the model field from a JSON body or a multipart form
// (audio endpoints accept either).
func modelFromBody(body []byte, contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "multipart/form-data" {
		reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "model" {
				value, err := io.ReadAll(part)
				if err == nil && len(value) > 0 {
					return string(value), nil
				}
			}
		}
		return "", inference.NewError(inference.KindInvalidRequest, "multipart body has no model field")
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return "", inference.NewError(inference.KindInvalidRequest, "request body has no model field")
	}
	return payload.Model, nil
}

// Dispatch forwards one blocking inference request to the supervisor owning
// the model named in the body. The busy flag is cleared on all exit paths.
func (r *Router) Dispatch(ctx context.Context, endpoint string, body []byte, contentType string) (*supervisor.Response, error) {
	s, err := r.acquire(body, contentType)
	if err != nil {
		return nil, err
	}
	defer s.ClearBusy()
	return s.Forward(ctx, endpoint, body, contentType, endpointTimeout(endpoint))
}

// DispatchStreaming forwards a streaming request, copying child bytes to sink
// in receipt order.
func (r *Router) DispatchStreaming(ctx context.Context, endpoint string, body []byte, contentType string, sink io.Writer) error {
	s, err := r.acquire(body, contentType)
	if err != nil {
		return err
	}
	defer s.ClearBusy()
	return s.ForwardStreaming(ctx, endpoint, body, contentType, sink)
}

func endpointTimeout(endpoint string) time.Duration {
	switch endpoint {
	case inference.EndpointImages:
		return imageTimeout
	case inference.EndpointTranscriptions, inference.EndpointSpeech:
		return audioTimeout
	default:
		return 0
	}
}

// LoadedModel is one pool entry's observable state.
type LoadedModel struct {
	ModelName     string            `json:"model_name"`
	Checkpoint    string            `json:"checkpoint"`
	Type          catalog.ModelType `json:"type"`
	Device        string            `json:"device"`
	BackendURL    string            `json:"backend_url"`
	Recipe        string            `json:"recipe"`
	RecipeOptions config.Bag        `json:"recipe_options,omitempty"`
	LastUseMS     int64             `json:"last_use_ms"`
}

// LoadedModels reports every live supervisor.
func (r *Router) LoadedModels() []LoadedModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LoadedModel, 0, len(r.pool))
	for _, s := range r.pool {
		info := s.Info()
		out = append(out, LoadedModel{
			ModelName:     info.ModelName,
			Checkpoint:    info.MainCheckpoint(),
			Type:          info.Type,
			Device:        info.Device.String(),
			BackendURL:    s.BaseURL(),
			Recipe:        info.Recipe,
			RecipeOptions: s.OptionsBag(),
			LastUseMS:     s.LastAccess().UnixMilli(),
		})
	}
	return out
}

// Telemetry reads the most recently accessed supervisor's counters.
func (r *Router) Telemetry() supervisor.Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest Backend
	for _, s := range r.pool {
		if latest == nil || s.LastAccess().After(latest.LastAccess()) {
			latest = s
		}
	}
	if latest == nil {
		return supervisor.Telemetry{}
	}
	return latest.Telemetry()
}

func translateCatalogError(err error, name string) error {
	var filtered *catalog.FilteredError
	var tagged *inference.Error
	switch {
	case errors.As(err, &filtered):
		return inference.NewError(inference.KindModelNotFound,
			"model %s is not available: %s", name, filtered.Reason).WithModel(name)
	case errors.Is(err, catalog.ErrNotRegistered):
		return inference.NewError(inference.KindModelNotFound,
			"model %s is not registered", name).WithModel(name)
	case errors.As(err, &tagged):
		return err
	default:
		return inference.WrapError(inference.KindDownloadFailed, err, "download of %s failed", name).WithModel(name)
	}
}

func contains(list []Backend, target Backend) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func remove(list []Backend, target Backend) []Backend {
	out := make([]Backend, 0, len(list))
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
