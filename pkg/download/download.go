// Package download implements the gateway's file transfer engine: resumable,
// cancellable HTTP downloads with throttled progress reporting. It is consumed
// by the model catalog to materialize model files and by backend adapters to
// fetch release archives.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// PartialSuffix is appended to the destination path while a transfer is in
// flight. A completed download never leaves a partial sibling behind.
const PartialSuffix = ".partial"

// ErrCancelled is returned when a progress callback aborts the transfer. The
// partial file is preserved so a later call can resume.
var ErrCancelled = errors.New("download cancelled")

// ProgressFunc receives transfer progress at most once per second. Returning
// false cancels the transfer.
type ProgressFunc func(bytesDownloaded, bytesTotal int64) bool

// Options control retry and stall behavior for a single transfer.
type Options struct {
	// MaxRetries is the number of times a transient failure is retried.
	MaxRetries int
	// InitialRetryDelay is the backoff delay after the first failure.
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// LowSpeedLimit is the byte rate below which a transfer is considered
	// stalled when sustained for LowSpeedTime.
	LowSpeedLimit int64
	// LowSpeedTime is the window over which the stall rate is evaluated.
	LowSpeedTime time.Duration
}

// DefaultOptions returns the retry policy used for model downloads.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        5,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     30 * time.Second,
		LowSpeedLimit:     1024,
		LowSpeedTime:      60 * time.Second,
	}
}

// Downloader transfers files by URL. It is safe for concurrent use.
type Downloader struct {
	log    logging.Logger
	client *http.Client
}

// New creates a downloader using the provided HTTP client. A nil client falls
// back to http.DefaultClient.
func New(log logging.Logger, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{log: log, client: client}
}

// errTransient wraps failures that warrant a retry with backoff.
type errTransient struct {
	err error
}

func (e *errTransient) Error() string { return e.err.Error() }
func (e *errTransient) Unwrap() error { return e.err }

// Download fetches url into dest. The transfer writes to dest+".partial" and
// renames atomically on success. An existing partial is resumed with a ranged
// request; if the server cannot honor the range the partial is truncated and
// the transfer restarts. Transient failures are retried with exponential
// backoff per opts. A progress callback returning false aborts the transfer
// with ErrCancelled, preserving the partial file.
func (d *Downloader) Download(ctx context.Context, url, dest string, progress ProgressFunc, headers map[string]string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	delay := opts.InitialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			d.log.Warnf("retrying download of %s (attempt %d/%d): %v", url, attempt, opts.MaxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > opts.MaxRetryDelay {
				delay = opts.MaxRetryDelay
			}
		}

		err := d.downloadOnce(ctx, url, dest, progress, headers, opts)
		if err == nil {
			return nil
		}
		var transient *errTransient
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
	}

	partial := dest + PartialSuffix
	size := int64(0)
	if info, err := os.Stat(partial); err == nil {
		size = info.Size()
	}
	return fmt.Errorf("download failed after %d retries (partial file %s holds %d bytes, rerun to resume): %w",
		opts.MaxRetries, partial, size, lastErr)
}

func (d *Downloader) downloadOnce(ctx context.Context, url, dest string, progress ProgressFunc, headers map[string]string, opts Options) error {
	partial := dest + PartialSuffix

	var resumeFrom int64
	if info, err := os.Stat(partial); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(resumeFrom, 10)+"-")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errTransient{err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	var total int64 = -1
	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
		if resp.ContentLength >= 0 {
			total = resumeFrom + resp.ContentLength
		}
	case resp.StatusCode == http.StatusOK:
		// Server ignored (or was not sent) the range; restart from zero.
		flags |= os.O_TRUNC
		resumeFrom = 0
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The partial already covers the full object; verify via a fresh
		// request on the next attempt after truncating.
		if err := os.Truncate(partial, 0); err != nil {
			return fmt.Errorf("failed to truncate partial file: %w", err)
		}
		return &errTransient{fmt.Errorf("server rejected resume range at byte %d", resumeFrom)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &errTransient{fmt.Errorf("server returned status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("server returned status %d for %s", resp.StatusCode, url)
	}

	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}

	written, err := d.copyWithProgress(ctx, f, resp.Body, resumeFrom, total, progress, opts)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if total >= 0 && written != total {
		return &errTransient{fmt.Errorf("transfer ended early: have %d of %d bytes", written, total)}
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	return nil
}

// copyWithProgress copies body to w, invoking the progress callback at most
// once per second and enforcing the low-speed stall policy. It returns the
// absolute byte offset reached (including any resumed prefix).
func (d *Downloader) copyWithProgress(ctx context.Context, w io.Writer, body io.Reader, start, total int64, progress ProgressFunc, opts Options) (int64, error) {
	buf := make([]byte, 128*1024)
	written := start
	lastReport := time.Time{}
	windowStart := time.Now()
	windowBytes := int64(0)

	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write partial file: %w", err)
			}
			written += int64(n)
			windowBytes += int64(n)
		}

		now := time.Now()
		if progress != nil && now.Sub(lastReport) >= time.Second {
			lastReport = now
			if !progress(written, total) {
				return written, ErrCancelled
			}
		}

		if opts.LowSpeedTime > 0 && now.Sub(windowStart) >= opts.LowSpeedTime {
			rate := windowBytes / int64(now.Sub(windowStart)/time.Second)
			if rate < opts.LowSpeedLimit {
				return written, &errTransient{fmt.Errorf("transfer stalled below %d B/s for %s", opts.LowSpeedLimit, opts.LowSpeedTime)}
			}
			windowStart = now
			windowBytes = 0
		}

		if readErr == io.EOF {
			if progress != nil {
				if !progress(written, total) {
					return written, ErrCancelled
				}
			}
			return written, nil
		}
		if readErr != nil {
			return written, &errTransient{readErr}
		}
	}
}
