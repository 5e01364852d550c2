// Package recipes implements the per-engine backend adapters: release-archive
// installation, argv construction, request translation, and readiness.
package recipes

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// VersionFileName marks a completed install with the installed version.
const VersionFileName = "version.txt"

// Release pins one installable engine build.
type Release struct {
	Version string
	// URL of the .zip or .tar.gz archive for this platform and flavour.
	URL string
	// Binary is the entry point, relative to the install directory.
	Binary string
}

// Installer materializes engine release archives under the cache directory,
// one directory per recipe/flavour pair.
type Installer struct {
	log     logging.Logger
	dl      *download.Downloader
	baseDir string
}

// NewInstaller returns an installer rooted at <cacheDir>/backends.
func NewInstaller(log logging.Logger, dl *download.Downloader, cacheDir string) *Installer {
	return &Installer{
		log:     log.WithField("component", "installer"),
		dl:      dl,
		baseDir: filepath.Join(cacheDir, "backends"),
	}
}

// Dir returns the install directory for a recipe/flavour pair.
func (i *Installer) Dir(recipe, flavour string) string {
	return filepath.Join(i.baseDir, recipe+"-"+flavour)
}

// Ensure returns the entry-point path for a recipe/flavour, installing the
// release archive if needed. A LEMONADE_<RECIPE>[_<FLAVOUR>]_BIN override
// skips the install flow entirely; a version.txt matching the pinned release
// skips the download.
func (i *Installer) Ensure(ctx context.Context, recipe, flavour string, rel Release) (string, error) {
	if override := config.BinaryOverride(recipe, flavour); override != "" {
		i.log.Debugf("using %s binary override %s", recipe, override)
		return override, nil
	}

	dir := i.Dir(recipe, flavour)
	exe := filepath.Join(dir, filepath.FromSlash(rel.Binary))
	if installed, err := os.ReadFile(filepath.Join(dir, VersionFileName)); err == nil {
		if strings.TrimSpace(string(installed)) == rel.Version {
			return exe, nil
		}
		i.log.Infof("upgrading %s %s from %s to %s", recipe, flavour, strings.TrimSpace(string(installed)), rel.Version)
	}

	if config.Offline() {
		return "", inference.NewError(inference.KindBackendInstallFailed,
			"%s %s is not installed and offline mode is enabled", recipe, rel.Version)
	}

	archive := filepath.Join(i.baseDir, filepath.Base(rel.URL))
	i.log.Infof("installing %s %s (%s)", recipe, rel.Version, flavour)
	if err := i.dl.Download(ctx, rel.URL, archive, nil, nil, download.DefaultOptions()); err != nil {
		return "", inference.WrapError(inference.KindBackendInstallFailed, err,
			"unable to download %s release %s", recipe, rel.Version)
	}
	defer os.Remove(archive)

	if err := os.RemoveAll(dir); err != nil {
		return "", inference.WrapError(inference.KindBackendInstallFailed, err, "unable to clear install directory")
	}
	if err := extractArchive(archive, dir); err != nil {
		return "", inference.WrapError(inference.KindBackendInstallFailed, err,
			"unable to extract %s release archive", recipe)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(exe, 0o755); err != nil {
			return "", inference.WrapError(inference.KindBackendInstallFailed, err,
				"unable to mark %s executable", rel.Binary)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, VersionFileName), []byte(rel.Version+"\n"), 0o644); err != nil {
		return "", inference.WrapError(inference.KindBackendInstallFailed, err, "unable to record installed version")
	}
	return exe, nil
}

func extractArchive(archive, dest string) error {
	switch {
	case strings.HasSuffix(archive, ".zip"):
		return extractZip(archive, dest)
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		return extractTarGz(archive, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
}

func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		if err := writeFile(target, src, f.Mode()); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return nil
}

func extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin rejects archive entries that would escape the destination.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the install directory", name)
	}
	return target, nil
}
