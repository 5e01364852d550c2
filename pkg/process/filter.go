package process

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

// FilterWriter is a line-oriented writer that drops lines matching a regular
// expression before forwarding them. It is used to keep periodic health check
// access lines out of backend log files.
type FilterWriter struct {
	mu     sync.Mutex
	dst    io.Writer
	filter *regexp.Regexp
	buf    bytes.Buffer
}

// NewFilterWriter wraps dst, suppressing lines that match filter.
func NewFilterWriter(dst io.Writer, filter *regexp.Regexp) *FilterWriter {
	return &FilterWriter{dst: dst, filter: filter}
}

// Write implements io.Writer. Partial lines are buffered until a newline
// arrives so the filter always sees complete lines.
func (w *FilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it buffered for the next write.
			w.buf.Write(line)
			break
		}
		if w.filter.Match(bytes.TrimSuffix(line, []byte("\n"))) {
			continue
		}
		if _, err := w.dst.Write(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush forwards any buffered trailing line that never received a newline.
func (w *FilterWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.Bytes()
	defer w.buf.Reset()
	if w.filter.Match(line) {
		return nil
	}
	_, err := w.dst.Write(line)
	return err
}
