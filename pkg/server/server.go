// Package server is the HTTP front end: the OpenAI-compatible route table,
// SSE endpoints, and the sole translation of tagged errors to status codes.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/metrics"
	"github.com/lemonade-sdk/lemonade/pkg/middleware"
)

const maxBodyBytes = 256 << 20 // inline-audio transcription bodies are large

// Config assembles the front end's collaborators.
type Config struct {
	Log      logging.Logger
	Catalog  *catalog.Catalog
	Router   *scheduling.Router
	Snapshot *hardware.Snapshot
	Metrics  *metrics.Metrics
	// APIKey enables bearer auth on the API prefixes when non-empty.
	APIKey string
	// LogFile is tailed by GET logs/stream; empty disables the route.
	LogFile string
	Version string
	// SetLogLevel adjusts the process log level at runtime.
	SetLogLevel func(level string) error
	// RequestShutdown asks the gateway run loop to exit.
	RequestShutdown func()
}

// Server serves the route table under the four API prefixes.
type Server struct {
	cfg    Config
	log    logging.Logger
	routes map[string]map[string]http.HandlerFunc

	// detect recomputes hardware facts for system-stats; replaced in tests.
	detect func() *hardware.Snapshot
}

// New builds the route table.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: cfg.Log.WithField("component", "server"),
		detect: func() *hardware.Snapshot {
			return hardware.Detect(cfg.Log, cfg.Version)
		},
	}
	s.routes = map[string]map[string]http.HandlerFunc{
		"/health":      {http.MethodGet: s.handleHealth},
		"/live":        {http.MethodGet: s.handleLive},
		"/models":      {http.MethodGet: s.handleModels},
		"/stats":       {http.MethodGet: s.handleStats},
		"/system-info": {http.MethodGet: s.handleSystemInfo},
		"/system-stats": {
			http.MethodGet: s.handleSystemStats,
		},
		"/logs/stream": {http.MethodGet: s.handleLogStream},

		"/chat/completions": {http.MethodPost: s.streamable(inference.EndpointChat)},
		"/completions":      {http.MethodPost: s.streamable(inference.EndpointCompletions)},
		"/responses":        {http.MethodPost: s.streamable(inference.EndpointResponses)},
		"/embeddings":       {http.MethodPost: s.blocking(inference.EndpointEmbeddings)},
		"/reranking":        {http.MethodPost: s.blocking(inference.EndpointReranking)},
		"/audio/transcriptions": {
			http.MethodPost: s.blocking(inference.EndpointTranscriptions),
		},
		"/audio/speech":      {http.MethodPost: s.handleSpeech},
		"/images/generations": {http.MethodPost: s.blocking(inference.EndpointImages)},

		"/pull":      {http.MethodPost: s.handlePull},
		"/load":      {http.MethodPost: s.handleLoad},
		"/unload":    {http.MethodPost: s.handleUnload},
		"/delete":    {http.MethodPost: s.handleDelete},
		"/params":    {http.MethodPost: s.handleParams},
		"/log-level": {http.MethodPost: s.handleLogLevel},

		"/internal/shutdown": {http.MethodPost: s.handleShutdown},
	}
	return s
}

// Handler returns the full middleware chain. Auth runs before prefix
// normalization so it sees the original path.
func (s *Server) Handler() http.Handler {
	inner := middleware.Normalize(http.HandlerFunc(s.route))
	chain := middleware.Auth(s.cfg.APIKey, inner)
	return middleware.Logging(s.log, s.cfg.Metrics, chain)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/metrics" && s.cfg.Metrics != nil {
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if strings.HasPrefix(path, "/models/") {
		if r.Method != http.MethodGet {
			s.writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleModel(w, r, strings.TrimPrefix(path, "/models/"))
		return
	}

	methods, ok := s.routes[path]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "invalid_request", "unknown path %s", path)
		return
	}
	handler, ok := methods[r.Method]
	if !ok {
		allowed := make([]string, 0, len(methods))
		for m := range methods {
			allowed = append(allowed, m)
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		s.writeMethodNotAllowed(w, allowed...)
		return
	}
	handler(w, r)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request",
		"method not allowed; use %s", strings.Join(allowed, ", "))
}

// writeError is the single tagged-error to HTTP translation point.
func writeError(w http.ResponseWriter, err error) {
	kind := inference.KindOf(err)
	body := map[string]any{
		"message": err.Error(),
		"type":    string(kind),
	}
	var tagged *inference.Error
	if errors.As(err, &tagged) {
		body["message"] = tagged.Message
		if tagged.ModelName != "" {
			body["model"] = tagged.ModelName
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(inference.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func writeJSONError(w http.ResponseWriter, status int, kind, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": fmt.Sprintf(format, args...),
			"type":    kind,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.cfg.Router.LoadedModels()
	names := make([]string, 0, len(loaded))
	for _, m := range loaded {
		names = append(names, m.ModelName)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.cfg.Version,
		"model_loaded": names,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

type modelEntry struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	OwnedBy       string            `json:"owned_by"`
	Checkpoint    string            `json:"checkpoint"`
	Recipe        string            `json:"recipe"`
	Type          catalog.ModelType `json:"type"`
	Labels        []string          `json:"labels,omitempty"`
	SizeGB        float64           `json:"size_gb,omitempty"`
	Downloaded    bool              `json:"downloaded"`
	Source        string            `json:"source,omitempty"`
	RecipeOptions config.Bag        `json:"recipe_options,omitempty"`
}

func toEntry(info catalog.ModelInfo) modelEntry {
	return modelEntry{
		ID:            info.ModelName,
		Object:        "model",
		OwnedBy:       "lemonade",
		Checkpoint:    info.MainCheckpoint(),
		Recipe:        info.Recipe,
		Type:          info.Type,
		Labels:        info.Labels,
		SizeGB:        info.SizeGB,
		Downloaded:    info.Downloaded,
		Source:        info.Source,
		RecipeOptions: info.RecipeOptions,
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.cfg.Catalog.Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	data := make([]modelEntry, 0, len(models))
	for _, info := range models {
		data = append(data, toEntry(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request, name string) {
	info, err := s.cfg.Catalog.Get(r.Context(), name)
	if err != nil {
		writeError(w, translateLookup(err, name))
		return
	}
	writeJSON(w, http.StatusOK, toEntry(*info))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"telemetry":     s.cfg.Router.Telemetry(),
		"loaded_models": s.cfg.Router.LoadedModels(),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hardware": s.cfg.Snapshot,
		"recipes":  s.cfg.Snapshot.SupportedRecipes(),
	})
}

// handleSystemStats re-reads hardware facts instead of serving the startup
// snapshot, so memory numbers reflect the present moment.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.detect()
	writeJSON(w, http.StatusOK, map[string]any{
		"hardware":      snapshot,
		"loaded_models": s.cfg.Router.LoadedModels(),
	})
}

// blocking forwards one non-streaming inference request.
func (s *Server) blocking(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := s.cfg.Router.Dispatch(r.Context(), endpoint, body, r.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, err)
			return
		}
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

// streamable dispatches as streaming when the body carries stream=true,
// blocking otherwise. Streamed bytes pass through unbuffered.
func (s *Server) streamable(endpoint string) http.HandlerFunc {
	blocking := s.blocking(endpoint)
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var probe struct {
			Stream bool `json:"stream"`
		}
		_ = json.Unmarshal(body, &probe)
		if !probe.Stream {
			r.Body = io.NopCloser(strings.NewReader(string(body)))
			blocking(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		sink := &trackingWriter{ResponseWriter: w}
		err = s.cfg.Router.DispatchStreaming(r.Context(), endpoint, body, r.Header.Get("Content-Type"), sink)
		if err != nil && !sink.wrote {
			writeError(w, err)
		}
	}
}

// handleSpeech always streams: the child writes audio bytes as it renders.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	sink := &trackingWriter{ResponseWriter: w}
	err = s.cfg.Router.DispatchStreaming(r.Context(), inference.EndpointSpeech, body, r.Header.Get("Content-Type"), sink)
	if err != nil && !sink.wrote {
		writeError(w, err)
	}
}

// pullRequest names the model to materialize; both field spellings are
// accepted for compatibility with older clients.
type pullRequest struct {
	Model     string `json:"model"`
	ModelName string `json:"model_name"`
}

func (p pullRequest) name() string {
	if p.Model != "" {
		return p.Model
	}
	return p.ModelName
}

// handlePull streams download progress as SSE. A client disconnect makes the
// next progress callback return false, which cancels the download and
// preserves the .partial file for resume.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeBody(r, &req); err != nil || req.name() == "" {
		writeError(w, inference.NewError(inference.KindInvalidRequest, "pull requires a model name"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	progress := func(file string, fileIndex, totalFiles int, bytesDownloaded, bytesTotal int64) bool {
		if ctx.Err() != nil {
			return false
		}
		percent := 0.0
		if bytesTotal > 0 {
			percent = 100 * float64(bytesDownloaded) / float64(bytesTotal)
		}
		writeSSE(w, flusher, "progress", map[string]any{
			"file":             file,
			"file_index":       fileIndex,
			"total_files":      totalFiles,
			"bytes_downloaded": bytesDownloaded,
			"bytes_total":      bytesTotal,
			"percent":          percent,
		})
		return true
	}

	err := s.cfg.Catalog.Download(ctx, req.name(), false, progress)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveDownload(err)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Client is gone; nobody is listening for the error event.
			return
		}
		writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}
	writeSSE(w, flusher, "complete", map[string]any{})
}

// loadRequest carries the model name plus per-call option overrides.
type loadRequest struct {
	Model     string         `json:"model"`
	ModelName string         `json:"model_name"`
	Options   map[string]any `json:"options"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := req.Model
	if name == "" {
		name = req.ModelName
	}
	if name == "" {
		writeError(w, inference.NewError(inference.KindInvalidRequest, "load requires a model name"))
		return
	}

	err := s.cfg.Router.LoadModel(r.Context(), name, toBag(req.Options), true)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveLoad(s.recipeOf(r, name), err)
		s.cfg.Metrics.SetLoadedModels(len(s.cfg.Router.LoadedModels()))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "model": name})
}

func (s *Server) recipeOf(r *http.Request, name string) string {
	if info, err := s.cfg.Catalog.Get(r.Context(), name); err == nil {
		return info.Recipe
	}
	return "unknown"
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	_ = decodeBody(r, &req)
	if name := req.name(); name != "" {
		s.cfg.Router.UnloadModel(name)
	} else {
		s.cfg.Router.UnloadAll()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetLoadedModels(len(s.cfg.Router.LoadedModels()))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeBody(r, &req); err != nil || req.name() == "" {
		writeError(w, inference.NewError(inference.KindInvalidRequest, "delete requires a model name"))
		return
	}
	name := req.name()
	s.cfg.Router.UnloadModel(name)
	if err := s.cfg.Catalog.Delete(r.Context(), name); err != nil {
		writeError(w, translateLookup(err, name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "model": name})
}

// paramsRequest persists per-model recipe option overrides.
type paramsRequest struct {
	Model     string         `json:"model"`
	ModelName string         `json:"model_name"`
	Options   map[string]any `json:"options"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := req.Model
	if name == "" {
		name = req.ModelName
	}
	if name == "" {
		writeError(w, inference.NewError(inference.KindInvalidRequest, "params requires a model name"))
		return
	}
	info, err := s.cfg.Catalog.Get(r.Context(), name)
	if err != nil {
		writeError(w, translateLookup(err, name))
		return
	}
	bag := toBag(req.Options)
	if _, err := config.ForRecipe(info.Recipe, bag); err != nil {
		writeError(w, inference.WrapError(inference.KindInvalidRequest, err,
			"invalid options for %s", name).WithModel(name))
		return
	}
	if err := s.cfg.Catalog.SaveOptions(name, bag); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "model": name, "options": bag})
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeBody(r, &req); err != nil || req.Level == "" {
		writeError(w, inference.NewError(inference.KindInvalidRequest, "log-level requires a level"))
		return
	}
	if s.cfg.SetLogLevel == nil {
		writeError(w, inference.NewError(inference.KindUnsupportedOperation, "log level is fixed"))
		return
	}
	if err := s.cfg.SetLogLevel(req.Level); err != nil {
		writeError(w, inference.WrapError(inference.KindInvalidRequest, err, "unknown log level %q", req.Level))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "level": req.Level})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.cfg.RequestShutdown != nil {
		go s.cfg.RequestShutdown()
	}
}

// handleLogStream tails the server log file over SSE until the client
// disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LogFile == "" {
		writeJSONError(w, http.StatusNotFound, "invalid_request", "log streaming is disabled")
		return
	}
	f, err := os.Open(s.cfg.LogFile)
	if err != nil {
		writeError(w, inference.WrapError(inference.KindInternal, err, "unable to open log file"))
		return
	}
	defer f.Close()

	// Start near the end so the client sees recent history, not the whole file.
	const tailBytes = 16 << 10
	if fi, err := f.Stat(); err == nil && fi.Size() > tailBytes {
		_, _ = f.Seek(-tailBytes, io.SeekEnd)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	reader := bufio.NewReader(f)
	ctx := r.Context()
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\n")); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			// At EOF wait for the file to grow.
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if flusher != nil {
		flusher.Flush()
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, inference.WrapError(inference.KindInvalidRequest, err, "unable to read request body")
	}
	return body, nil
}

func decodeBody(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return inference.WrapError(inference.KindInvalidRequest, err, "malformed JSON body")
	}
	return nil
}

// toBag flattens JSON option values to the string bag the config layer
// validates. Floats print without a trailing .0 for whole numbers.
func toBag(options map[string]any) config.Bag {
	if len(options) == 0 {
		return nil
	}
	bag := config.Bag{}
	for k, v := range options {
		switch value := v.(type) {
		case float64:
			if value == float64(int64(value)) {
				bag[k] = fmt.Sprintf("%d", int64(value))
			} else {
				bag[k] = fmt.Sprintf("%g", value)
			}
		case bool:
			bag[k] = fmt.Sprintf("%t", value)
		default:
			bag[k] = fmt.Sprintf("%v", value)
		}
	}
	return bag
}

func translateLookup(err error, name string) error {
	var filtered *catalog.FilteredError
	if errors.As(err, &filtered) {
		return inference.NewError(inference.KindModelNotFound,
			"model %s is not available: %s", name, filtered.Reason).WithModel(name)
	}
	if errors.Is(err, catalog.ErrNotRegistered) {
		return inference.NewError(inference.KindModelNotFound,
			"model %s is not registered", name).WithModel(name)
	}
	return err
}

// trackingWriter remembers whether any bytes reached the client, so error
// translation only happens while the response is still unwritten.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
