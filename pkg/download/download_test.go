package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logging.NewLogrusAdapter(logger)
}

func fastOptions() Options {
	return Options{
		MaxRetries:        3,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
	}
}

// rangeServer serves content honoring Range requests.
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			var from int64
			_, err := fmt.Sscanf(rng, "bytes=%d-", &from)
			require.NoError(t, err)
			w.Header().Set("Content-Length", strconv.Itoa(len(content)-int(from)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(content[from:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
}

func TestDownloadSimple(t *testing.T) {
	content := []byte(strings.Repeat("lemonade", 1024))
	srv := rangeServer(t, content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.gguf")
	d := New(testLogger(), srv.Client())
	err := d.Download(context.Background(), srv.URL, dest, nil, nil, fastOptions())
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	_, err = os.Stat(dest + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "no partial file may remain after success")
}

func TestDownloadResumesPartial(t *testing.T) {
	content := []byte(strings.Repeat("0123456789", 512))
	srv := rangeServer(t, content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.gguf")
	// Seed a partial file holding the first half of the content.
	require.NoError(t, os.WriteFile(dest+PartialSuffix, content[:2560], 0o644))

	var sawRange bool
	proxied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange = true
		}
		srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer proxied.Close()

	d := New(testLogger(), proxied.Client())
	err := d.Download(context.Background(), proxied.URL, dest, nil, nil, fastOptions())
	require.NoError(t, err)
	assert.True(t, sawRange, "resume must issue a ranged request")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed download must be byte-identical")
}

func TestDownloadRestartsWhenRangeNotHonored(t *testing.T) {
	content := []byte(strings.Repeat("abcdef", 1000))
	// Server ignores Range and always sends the full object with 200.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, []byte("stale-prefix"), 0o644))

	d := New(testLogger(), srv.Client())
	err := d.Download(context.Background(), srv.URL, dest, nil, nil, fastOptions())
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadCancelledPreservesPartial(t *testing.T) {
	content := []byte(strings.Repeat("x", 4096))
	srv := rangeServer(t, content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	d := New(testLogger(), srv.Client())
	err := d.Download(context.Background(), srv.URL, dest, func(downloaded, total int64) bool {
		return false
	}, nil, fastOptions())
	require.ErrorIs(t, err, ErrCancelled)

	_, statErr := os.Stat(dest + PartialSuffix)
	assert.NoError(t, statErr, "partial file must be preserved on cancellation")
	_, statErr = os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	content := []byte("small payload")
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	d := New(testLogger(), srv.Client())
	err := d.Download(context.Background(), srv.URL, dest, nil, nil, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDownloadGivesUpOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(testLogger(), srv.Client())
	err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "f"), nil, nil, fastOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestManifestDownloadAndValidate(t *testing.T) {
	fileA := []byte("contents of file a")
	fileB := []byte("contents of file b, somewhat longer")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			_, _ = w.Write(fileA)
		case "/b":
			_, _ = w.Write(fileB)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := Manifest{
		DownloadPath: dir,
		FilesCount:   2,
		Files: []ManifestFile{
			{Name: "a.gguf", URL: srv.URL + "/a", Size: int64(len(fileA))},
			{Name: "sub/b.gguf", URL: srv.URL + "/b", Size: int64(len(fileB))},
		},
	}

	d := New(testLogger(), srv.Client())
	var calls int
	err := d.DownloadManifest(context.Background(), m, nil, fastOptions(), func(file string, index int, downloaded, total int64) bool {
		calls++
		return true
	})
	require.NoError(t, err)
	assert.Positive(t, calls)

	got, err := os.ReadFile(filepath.Join(dir, "sub", "b.gguf"))
	require.NoError(t, err)
	assert.Equal(t, fileB, got)
	require.NoError(t, m.Validate())
}

func TestManifestValidateDetectsPartial(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gguf"), []byte("full"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gguf"+PartialSuffix), []byte("x"), 0o644))
	m := Manifest{
		DownloadPath: dir,
		FilesCount:   1,
		Files:        []ManifestFile{{Name: "a.gguf", Size: 4}},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rerun")
}

func TestManifestSkipsCompletedFiles(t *testing.T) {
	payload := []byte("payload")
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.bin"), payload, 0o644))
	m := Manifest{
		DownloadPath: dir,
		FilesCount:   1,
		Files:        []ManifestFile{{Name: "done.bin", URL: srv.URL, Size: int64(len(payload))}},
	}
	d := New(testLogger(), srv.Client())
	require.NoError(t, d.DownloadManifest(context.Background(), m, nil, fastOptions(), nil))
	assert.Zero(t, hits, "completed files must not be re-fetched")
}
