// Package supervisor wraps one backend child process: port selection,
// spawning, readiness polling, request forwarding, and telemetry.
package supervisor

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/lemonade-sdk/lemonade/pkg/process"
)

const readinessInterval = time.Second

// Telemetry accumulates usage numbers reported by the child across requests.
type Telemetry struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// Response is the child's reply to a blocking forward.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Supervisor owns one loaded model's child process for its entire lifetime.
type Supervisor struct {
	log     logging.Logger
	adapter inference.Adapter
	client  *http.Client

	Model   catalog.ModelInfo
	Options *config.Options

	port      int
	handle    *process.Handle
	logWriter io.Writer

	mu         sync.Mutex
	busyCond   *sync.Cond
	busy       int
	lastAccess time.Time
	telemetry  Telemetry
	unloaded   bool
}

// New wraps a model/adapter pair; Load starts the child.
func New(log logging.Logger, adapter inference.Adapter, info catalog.ModelInfo, opts *config.Options, logWriter io.Writer) *Supervisor {
	s := &Supervisor{
		log: log.WithField("component", "supervisor").
			WithField("model", info.ModelName),
		adapter:    adapter,
		client:     &http.Client{},
		Model:      info,
		Options:    opts,
		logWriter:  logWriter,
		lastAccess: time.Now(),
	}
	s.busyCond = sync.NewCond(&s.mu)
	return s
}

// Adapter exposes the capability record backing this supervisor.
func (s *Supervisor) Adapter() inference.Adapter { return s.adapter }

// Info returns the model this supervisor owns for its lifetime.
func (s *Supervisor) Info() catalog.ModelInfo { return s.Model }

// OptionsBag returns the resolved options in bag form.
func (s *Supervisor) OptionsBag() config.Bag {
	if s.Options == nil {
		return nil
	}
	return s.Options.Bag()
}

// Port returns the child's TCP port, 0 before a successful Load.
func (s *Supervisor) Port() int { return s.port }

// BaseURL returns the child's HTTP base URL.
func (s *Supervisor) BaseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(s.port)
}

// Load installs the engine if needed, picks a free port, spawns the child,
// and polls readiness once per second up to the adapter's timeout. If the
// child exits first, the failure carries its exit code.
func (s *Supervisor) Load(ctx context.Context) error {
	if err := s.adapter.EnsureInstalled(ctx); err != nil {
		return err
	}

	port, err := freePort()
	if err != nil {
		return inference.WrapError(inference.KindBackendStartupFailed, err, "unable to allocate a port")
	}
	s.port = port

	inv, err := s.adapter.Invocation(&s.Model, s.Options, port)
	if err != nil {
		return err
	}

	var filter *regexp.Regexp
	if inv.LogFilter != "" {
		if filter, err = regexp.Compile(inv.LogFilter); err != nil {
			return inference.WrapError(inference.KindInternal, err, "bad log filter for %s", s.Model.Recipe)
		}
	}
	handle, err := process.Spawn(s.log, inv.Exe, inv.Args, process.SpawnOptions{
		Dir:         inv.Dir,
		Env:         inv.Env,
		LogWriter:   s.logWriter,
		FilterRegex: filter,
	})
	if err != nil {
		return inference.WrapError(inference.KindBackendStartupFailed, err,
			"unable to start %s", inv.Exe).WithModel(s.Model.ModelName)
	}
	s.handle = handle

	if err := s.waitReady(ctx); err != nil {
		_ = handle.StopTree()
		return err
	}
	s.log.Infof("backend ready on port %d", port)
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.adapter.ReadinessTimeout())
	url := s.BaseURL() + s.adapter.ReadinessPath()
	for {
		if s.handle != nil && !s.handle.Running() {
			return inference.NewError(inference.KindBackendStartupFailed,
				"backend process exited with code %d before becoming ready",
				s.handle.ExitCode()).WithModel(s.Model.ModelName)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := s.client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return inference.NewError(inference.KindBackendStartupFailed,
				"backend did not become ready within %s", s.adapter.ReadinessTimeout()).WithModel(s.Model.ModelName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
}

// Unload stops the child process tree. Idempotent.
func (s *Supervisor) Unload() error {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return nil
	}
	s.unloaded = true
	s.mu.Unlock()

	if s.handle == nil {
		return nil
	}
	s.log.Infof("stopping backend for %s", s.Model.ModelName)
	return s.handle.StopTree()
}

// Forward sends one blocking request to the child and returns its reply.
func (s *Supervisor) Forward(ctx context.Context, endpoint string, body []byte, contentType string, timeout time.Duration) (*Response, error) {
	childPath, ok := s.adapter.Endpoints()[endpoint]
	if !ok {
		return nil, inference.NewError(inference.KindUnsupportedOperation,
			"model %s does not support %s", s.Model.ModelName, endpoint).WithModel(s.Model.ModelName)
	}
	body, contentType, err := s.adapter.TransformRequest(endpoint, body, contentType)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.BaseURL()+childPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, inference.WrapError(inference.KindInternal, err,
			"request to backend for %s failed", s.Model.ModelName).WithModel(s.Model.ModelName)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, inference.WrapError(inference.KindInternal, err, "reading backend response failed")
	}

	s.recordTelemetry(payload)
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
	}, nil
}

// ForwardStreaming opens a streaming POST to the child and copies bytes to
// sink strictly in receipt order until the child closes, the client
// disconnects, or ctx is cancelled. The caller chooses SSE or raw framing
// once per request via the response headers it has already written.
func (s *Supervisor) ForwardStreaming(ctx context.Context, endpoint string, body []byte, contentType string, sink io.Writer) error {
	childPath, ok := s.adapter.Endpoints()[endpoint]
	if !ok {
		return inference.NewError(inference.KindUnsupportedOperation,
			"model %s does not support %s", s.Model.ModelName, endpoint).WithModel(s.Model.ModelName)
	}
	body, contentType, err := s.adapter.TransformRequest(endpoint, body, contentType)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL()+childPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return inference.WrapError(inference.KindInternal, err,
			"streaming request to backend for %s failed", s.Model.ModelName).WithModel(s.Model.ModelName)
	}
	defer resp.Body.Close()

	flusher, _ := sink.(http.Flusher)
	buf := make([]byte, 32*1024)
	start := time.Now()
	firstByte := time.Duration(0)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if firstByte == 0 {
				firstByte = time.Since(start)
				s.mu.Lock()
				s.telemetry.TimeToFirstToken = firstByte.Seconds()
				s.mu.Unlock()
			}
			if _, werr := sink.Write(buf[:n]); werr != nil {
				// Client went away; the child request is cancelled via ctx.
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return inference.WrapError(inference.KindInternal, err, "reading backend stream failed")
		}
	}
}

// MarkBusy flags an in-flight request; eviction waits for the flag to clear.
func (s *Supervisor) MarkBusy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy++
	s.lastAccess = time.Now()
}

// ClearBusy releases one in-flight request.
func (s *Supervisor) ClearBusy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy > 0 {
		s.busy--
	}
	if s.busy == 0 {
		s.busyCond.Broadcast()
	}
}

// WaitUntilNotBusy blocks until no request is in flight.
func (s *Supervisor) WaitUntilNotBusy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.busy > 0 {
		s.busyCond.Wait()
	}
}

// Touch advances the LRU clock.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

// LastAccess returns the most recent access time, the sole LRU key.
func (s *Supervisor) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Telemetry returns a copy of the accumulated usage numbers.
func (s *Supervisor) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
