package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// ManifestName is the marker file written into a snapshot directory while a
// multi-file download is in flight. Its presence means the snapshot is
// incomplete regardless of which files already exist.
const ManifestName = ".download_manifest.json"

// ManifestFile describes one file in a multi-file download.
type ManifestFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Manifest lists the files required to materialize one model snapshot.
type Manifest struct {
	DownloadPath string         `json:"download_path"`
	FilesCount   int            `json:"files_count"`
	Files        []ManifestFile `json:"files"`
}

// DownloadManifest fetches every file in the manifest under its download path,
// creating parent directories as needed. Cancellation from the progress
// callback propagates out as ErrCancelled. On full success it validates that
// every listed file exists with its expected size and that no partial sibling
// remains; a validation failure is fatal and instructs the caller to rerun for
// resume.
//
// The progress callback receives per-file progress; fileIndex is zero-based.
func (d *Downloader) DownloadManifest(ctx context.Context, m Manifest, headers map[string]string, opts Options, progress func(file string, fileIndex int, bytesDownloaded, bytesTotal int64) bool) error {
	for i, file := range m.Files {
		dest := filepath.Join(m.DownloadPath, filepath.FromSlash(file.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", file.Name, err)
		}

		// Already materialized with the right size and no partial in flight.
		if info, err := os.Stat(dest); err == nil && (file.Size <= 0 || info.Size() == file.Size) {
			if _, err := os.Stat(dest + PartialSuffix); os.IsNotExist(err) {
				if progress != nil && !progress(file.Name, i, info.Size(), file.Size) {
					return ErrCancelled
				}
				continue
			}
		}

		var fileProgress ProgressFunc
		if progress != nil {
			name, index := file.Name, i
			fileProgress = func(downloaded, total int64) bool {
				if total < 0 {
					total = file.Size
				}
				return progress(name, index, downloaded, total)
			}
		}

		if err := d.Download(ctx, file.URL, dest, fileProgress, headers, opts); err != nil {
			if errors.Is(err, ErrCancelled) {
				return ErrCancelled
			}
			return fmt.Errorf("failed to download %s: %w", file.Name, err)
		}
	}

	return m.Validate()
}

// Write persists the manifest, marking the snapshot as in-progress until the
// download completes and removes it.
func (m Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, data, 0o644)
}

// ReadManifest loads a previously written manifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("malformed manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks that every manifest file exists at its expected path with
// its expected size and no partial sibling.
func (m Manifest) Validate() error {
	for _, file := range m.Files {
		dest := filepath.Join(m.DownloadPath, filepath.FromSlash(file.Name))
		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("download incomplete: %s is missing; rerun the download to resume", file.Name)
		}
		if file.Size > 0 && info.Size() != file.Size {
			return fmt.Errorf("download incomplete: %s has %d of %d bytes; rerun the download to resume", file.Name, info.Size(), file.Size)
		}
		if _, err := os.Stat(dest + PartialSuffix); err == nil {
			return fmt.Errorf("download incomplete: partial file remains for %s; rerun the download to resume", file.Name)
		}
	}
	return nil
}
