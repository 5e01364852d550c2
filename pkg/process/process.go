// Package process wraps OS process primitives for the gateway: spawning
// backend engines, observing their exit, stopping them gracefully, and
// discovering child processes so a whole engine tree can be torn down.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// stopGracePeriod is how long Stop waits after the termination signal before
// killing the process outright.
const stopGracePeriod = 5 * time.Second

// SpawnOptions configure a child process launch.
type SpawnOptions struct {
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env is an overlay applied on top of the parent environment, as
	// KEY=VALUE entries.
	Env []string
	// InheritStdio forwards the child's stdout/stderr to the parent's.
	InheritStdio bool
	// LogWriter receives the child's merged stdout/stderr when InheritStdio
	// is false. May be nil to discard.
	LogWriter io.Writer
	// FilterRegex suppresses matching output lines (for example periodic
	// health check access logs) before they reach LogWriter.
	FilterRegex *regexp.Regexp
}

// Handle tracks one spawned process. All methods are safe for concurrent use.
// Stop is idempotent, so callers should `defer handle.Stop()` immediately
// after a successful Spawn to guarantee the process never outlives its scope.
type Handle struct {
	log logging.Logger
	cmd *exec.Cmd

	waitDone chan struct{}
	waitErr  error

	stopOnce sync.Once
	stopErr  error
}

// Spawn launches exe with argv and begins observing it. The returned handle
// owns the process; the caller must eventually call Stop.
func Spawn(log logging.Logger, exe string, argv []string, opts SpawnOptions) (*Handle, error) {
	cmd := exec.Command(exe, argv...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	setSysProcAttr(cmd)

	if opts.InheritStdio {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		var w io.Writer = io.Discard
		if opts.LogWriter != nil {
			w = opts.LogWriter
		}
		if opts.FilterRegex != nil {
			w = NewFilterWriter(w, opts.FilterRegex)
		}
		cmd.Stdout = w
		cmd.Stderr = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", exe, err)
	}

	h := &Handle{
		log:      log,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitDone)
	}()
	return h, nil
}

// Pid returns the process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.waitDone
	return h.exitCode()
}

// ExitCode returns the exit code of a finished process, or -1 while it is
// still running.
func (h *Handle) ExitCode() int {
	select {
	case <-h.waitDone:
		return h.exitCode()
	default:
		return -1
	}
}

func (h *Handle) exitCode() int {
	if h.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Stop terminates the process: it sends the platform termination signal, waits
// up to five seconds, then kills. It is idempotent and safe to call on an
// already-exited process.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop()
	})
	return h.stopErr
}

func (h *Handle) stop() error {
	select {
	case <-h.waitDone:
		return nil
	default:
	}

	if err := terminate(h.cmd.Process); err != nil {
		h.log.Debugf("terminate signal for pid %d failed: %v", h.Pid(), err)
	}
	select {
	case <-h.waitDone:
		return nil
	case <-time.After(stopGracePeriod):
	}

	h.log.Warnf("process %d did not exit after termination signal, killing", h.Pid())
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", h.Pid(), err)
	}
	<-h.waitDone
	return nil
}

// StopTree stops the process and every discoverable descendant, leaves first.
// It never touches the gateway's own ancestry.
func (h *Handle) StopTree() error {
	pid := h.Pid()
	descendants, err := Descendants(pid)
	if err != nil {
		h.log.Debugf("failed to enumerate children of pid %d: %v", pid, err)
	}
	stopErr := h.Stop()
	for i := len(descendants) - 1; i >= 0; i-- {
		killPid(descendants[i])
	}
	return stopErr
}
