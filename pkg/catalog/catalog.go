package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// ErrNotRegistered marks download or lookup requests for names absent from
// the raw registry.
var ErrNotRegistered = errors.New("model is not registered")

// FilteredError reports a model hidden by capability filtering, retaining the
// reason for diagnostics.
type FilteredError struct {
	ModelName string
	Reason    string
}

func (e *FilteredError) Error() string {
	return fmt.Sprintf("model %s is not available on this system: %s", e.ModelName, e.Reason)
}

// FLMClient is the slice of the FLM adapter the catalogue needs: installed
// model enumeration and checkpoint pulls. Nil when FLM is unsupported.
type FLMClient interface {
	InstalledModels(ctx context.Context) ([]string, error)
	Pull(ctx context.Context, checkpoint string, progress download.ProgressFunc) error
}

// Config assembles a catalogue's collaborators.
type Config struct {
	Log       logging.Logger
	CacheDir  string
	HubDir    string
	ExtraDir  string
	Snapshot  *hardware.Snapshot
	Hub       *HubClient
	Downloads *download.Downloader
	FLM       FLMClient
}

// Catalog is the unified model registry. The merged view is cached and
// rebuilt on invalidation (registration, deletion, download completion).
type Catalog struct {
	log      logging.Logger
	resolver *Resolver
	hub      *HubClient
	dl       *download.Downloader
	users    *UserStore
	options  *config.OptionsStore
	snapshot *hardware.Snapshot
	extraDir string
	flm      FLMClient

	mu       sync.Mutex
	visible  map[string]*ModelInfo
	filtered map[string]string // name → filter reason
	raw      map[string]*ModelInfo
}

// New constructs a catalogue; the merged view is built lazily.
func New(cfg Config) *Catalog {
	return &Catalog{
		log:      cfg.Log.WithField("component", "catalog"),
		resolver: NewResolver(cfg.HubDir),
		hub:      cfg.Hub,
		dl:       cfg.Downloads,
		users:    NewUserStore(cfg.CacheDir),
		options:  config.NewOptionsStore(cfg.CacheDir),
		snapshot: cfg.Snapshot,
		extraDir: cfg.ExtraDir,
		flm:      cfg.FLM,
	}
}

// UserStore exposes the user-model registry, for CLI registration flows.
func (c *Catalog) UserStore() *UserStore { return c.users }

// OptionsStore exposes the saved per-model options.
func (c *Catalog) OptionsStore() *config.OptionsStore { return c.options }

// Resolver exposes the path resolver, for adapters that need snapshot paths.
func (c *Catalog) Resolver() *Resolver { return c.resolver }

// Invalidate discards the merged view; the next read rebuilds it.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = nil
	c.filtered = nil
	c.raw = nil
}

// Models returns the visible (capability-filtered) catalogue, sorted by name.
func (c *Catalog) Models(ctx context.Context) ([]ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.buildLocked(ctx); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(c.visible))
	for _, info := range c.visible {
		models = append(models, *info)
	}
	SortModels(models)
	return models, nil
}

// Get returns a visible model by name. Filtered models return a
// FilteredError carrying the recorded reason; unknown names return
// ErrNotRegistered.
func (c *Catalog) Get(ctx context.Context, name string) (*ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.buildLocked(ctx); err != nil {
		return nil, err
	}
	if info, ok := c.visible[name]; ok {
		copied := *info
		return &copied, nil
	}
	if reason, ok := c.filtered[name]; ok {
		return nil, &FilteredError{ModelName: name, Reason: reason}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
}

// FilterReason returns the filter reason for a hidden model, "" if visible or
// unknown.
func (c *Catalog) FilterReason(ctx context.Context, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.buildLocked(ctx); err != nil {
		return ""
	}
	return c.filtered[name]
}

// RegisterUser validates and persists a user model, then invalidates the
// merged view so the entry appears on the next read.
func (c *Catalog) RegisterUser(name string, entry UserModel) error {
	if err := c.users.Register(name, entry); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// SaveOptions persists per-model option overrides.
func (c *Catalog) SaveOptions(name string, bag config.Bag) error {
	if err := c.options.Save(name, bag); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// buildLocked merges the three sources, resolves paths, computes downloaded
// status in one bulk pass, and applies capability filtering.
func (c *Catalog) buildLocked(ctx context.Context) error {
	if c.visible != nil {
		return nil
	}

	builtin, err := BuiltinModels()
	if err != nil {
		return err
	}
	user, err := c.users.Models()
	if err != nil {
		return err
	}
	extra := ScanExtraDir(c.log, c.extraDir)

	// Ascending precedence: shipped, user, extra-directory.
	raw := make(map[string]*ModelInfo)
	for _, group := range [][]ModelInfo{builtin, user, extra} {
		for i := range group {
			info := group[i]
			raw[info.ModelName] = &info
		}
	}

	savedOptions, err := c.options.Load()
	if err != nil {
		return err
	}
	for name, info := range raw {
		if bag, ok := savedOptions[name]; ok {
			info.RecipeOptions = bag
		}
		c.resolver.ResolvePaths(info)
	}

	c.computeDownloaded(ctx, raw)

	visible := make(map[string]*ModelInfo, len(raw))
	filtered := make(map[string]string)
	disableFiltering := config.DisableModelFiltering()
	support := c.snapshot.SupportedRecipes()
	maxPool := c.snapshot.LargestMemoryPoolBytes(config.EnableDGPUGTT())

	for name, info := range raw {
		if disableFiltering {
			visible[name] = info
			continue
		}
		if reason := filterReason(info, support, maxPool); reason != "" {
			filtered[name] = reason
			continue
		}
		visible[name] = info
	}

	c.raw = raw
	c.visible = visible
	c.filtered = filtered
	c.log.Debugf("catalogue built: %d visible, %d filtered", len(visible), len(filtered))
	return nil
}

func filterReason(info *ModelInfo, support map[string]hardware.RecipeSupport, maxPoolBytes uint64) string {
	rs, ok := support[info.Recipe]
	if !ok || !rs.Supported {
		if rs.Reason != "" {
			return rs.Reason
		}
		return fmt.Sprintf("recipe %s is not supported on this system", info.Recipe)
	}
	if info.SizeGB > 0 {
		sizeBytes := uint64(info.SizeGB * float64(1<<30))
		if sizeBytes > maxPoolBytes {
			return fmt.Sprintf("model requires %.1f GB but the largest memory pool is %.1f GB",
				info.SizeGB, float64(maxPoolBytes)/float64(1<<30))
		}
	}
	return ""
}

// computeDownloaded performs the single bulk download-status pass: filesystem
// inspection for cache-backed models and one FLM CLI invocation for FLM
// models.
func (c *Catalog) computeDownloaded(ctx context.Context, raw map[string]*ModelInfo) {
	var flmInstalled map[string]bool
	if c.flm != nil {
		if names, err := c.flm.InstalledModels(ctx); err == nil {
			flmInstalled = make(map[string]bool, len(names))
			for _, n := range names {
				flmInstalled[strings.ToLower(n)] = true
			}
		} else {
			c.log.Debugf("unable to query installed FLM models: %v", err)
		}
	}

	for _, info := range raw {
		switch {
		case info.Recipe == "flm":
			info.Downloaded = flmInstalled[strings.ToLower(info.MainCheckpoint())]
		case info.Source == SourceExtraDir:
			info.Downloaded = true
		default:
			info.Downloaded = c.resolver.CheckDownloaded(info)
		}
	}
}

// ManifestProgress reports multi-file download progress: per-file byte counts
// plus the file's position in the manifest. Returning false cancels.
type ManifestProgress func(file string, fileIndex, totalFiles int, bytesDownloaded, bytesTotal int64) bool

// Download materializes a model into the cache.
func (c *Catalog) Download(ctx context.Context, name string, doNotUpgrade bool, progress ManifestProgress) error {
	c.mu.Lock()
	if err := c.buildLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if reason, ok := c.filtered[name]; ok {
		c.mu.Unlock()
		return &FilteredError{ModelName: name, Reason: reason}
	}
	entry, ok := c.raw[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	info := *entry
	c.mu.Unlock()

	if doNotUpgrade && info.Downloaded {
		c.log.Debugf("model %s already downloaded, skipping", name)
		return nil
	}

	repo, variant := SplitCheckpoint(info.MainCheckpoint())
	if info.Recipe == "llamacpp" && strings.Contains(strings.ToLower(repo), "gguf") && variant == "" {
		return fmt.Errorf("llamacpp checkpoint %s requires a variant selector (org/repo:variant)", info.MainCheckpoint())
	}

	if config.Offline() {
		c.log.Infof("offline mode, skipping download of %s", name)
		return nil
	}

	if info.Recipe == "flm" {
		if c.flm == nil {
			return fmt.Errorf("FLM is not available on this system")
		}
		var fileProgress download.ProgressFunc
		if progress != nil {
			fileProgress = func(downloaded, total int64) bool {
				return progress(info.MainCheckpoint(), 0, 1, downloaded, total)
			}
		}
		if err := c.flm.Pull(ctx, info.MainCheckpoint(), fileProgress); err != nil {
			return err
		}
		c.Invalidate()
		return nil
	}

	if err := c.downloadFromHub(ctx, &info, progress); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// downloadFromHub builds the manifest dictated by the variant rules, writes
// it into the snapshot directory, runs the download engine, and removes the
// manifest on full success.
func (c *Catalog) downloadFromHub(ctx context.Context, info *ModelInfo, progress ManifestProgress) error {
	repo, _ := SplitCheckpoint(info.MainCheckpoint())
	snapshot := c.resolver.SnapshotDir(repo)

	manifest, err := c.buildManifest(ctx, info, snapshot)
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(snapshot, download.ManifestName)
	if err := os.MkdirAll(snapshot, 0o755); err != nil {
		return err
	}
	if err := manifest.Write(manifestPath); err != nil {
		return err
	}

	var fileProgress func(file string, fileIndex int, downloaded, total int64) bool
	if progress != nil {
		total := len(manifest.Files)
		fileProgress = func(file string, fileIndex int, downloaded, totalBytes int64) bool {
			return progress(file, fileIndex, total, downloaded, totalBytes)
		}
	}
	if err := c.dl.DownloadManifest(ctx, manifest, nil, download.DefaultOptions(), fileProgress); err != nil {
		return err
	}
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.log.Infof("downloaded %s (%d files)", info.ModelName, len(manifest.Files))
	return nil
}

func (c *Catalog) buildManifest(ctx context.Context, info *ModelInfo, snapshot string) (download.Manifest, error) {
	manifest := download.Manifest{DownloadPath: snapshot}
	seen := map[string]bool{}

	for role, checkpoint := range info.Checkpoints {
		if filepath.IsAbs(checkpoint) {
			continue
		}
		repo, variant := SplitCheckpoint(checkpoint)
		files, err := c.hub.ListFiles(ctx, repo)
		if err != nil {
			return download.Manifest{}, err
		}
		picked, err := pickManifestFiles(info.Recipe, role, variant, files)
		if err != nil {
			return download.Manifest{}, fmt.Errorf("model %s: %w", info.ModelName, err)
		}
		for _, f := range picked {
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			manifest.Files = append(manifest.Files, download.ManifestFile{
				Name: f.Path,
				URL:  c.hub.FileURL(repo, f.Path),
				Size: f.Size,
			})
		}
	}
	if len(manifest.Files) == 0 {
		return download.Manifest{}, fmt.Errorf("model %s: no files matched the checkpoint selectors", info.ModelName)
	}
	manifest.FilesCount = len(manifest.Files)
	return manifest, nil
}

// pickManifestFiles applies the path-resolution selection rules to a remote
// file listing. llamacpp selects one GGUF (plus its shard set), recipes with
// a variant select that exact file, and variant-less recipes take the whole
// repository.
func pickManifestFiles(recipe, role, variant string, files []RepoFile) ([]RepoFile, error) {
	byPath := make(map[string]RepoFile, len(files))
	paths := make([]string, 0, len(files))
	for _, f := range files {
		byPath[f.Path] = f
		paths = append(paths, f.Path)
	}

	if recipe == "llamacpp" && role == RoleMain {
		pick := SelectGGUF(paths, variant)
		if pick == "" {
			return nil, fmt.Errorf("no GGUF file matches variant %q", variant)
		}
		picked := []RepoFile{byPath[pick]}
		// Sharded GGUFs ship as NNNNN-of-NNNNN sets; pull the siblings.
		if idx := strings.LastIndex(pick, "-of-"); idx > 5 {
			prefix := pick[:idx-6]
			for _, p := range paths {
				if p != pick && strings.HasPrefix(p, prefix) && strings.Contains(p, "-of-") {
					picked = append(picked, byPath[p])
				}
			}
		}
		return picked, nil
	}

	if variant != "" {
		for _, p := range paths {
			if filepath.Base(p) == variant || p == variant {
				return []RepoFile{byPath[p]}, nil
			}
		}
		return nil, fmt.Errorf("file %q not found in repository", variant)
	}
	return files, nil
}

// Delete removes a model's downloaded files. User-registered and uploaded
// models lose their catalogue entry entirely; shipped models merely revert to
// not-downloaded.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	if err := c.buildLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	info, ok := c.raw[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	removeEntry := strings.HasPrefix(name, UserPrefix) || info.Source == SourceUpload
	entry := *info
	c.mu.Unlock()

	if entry.Source != SourceExtraDir && entry.Recipe != "flm" {
		main := entry.MainCheckpoint()
		if !filepath.IsAbs(main) {
			repo, _ := SplitCheckpoint(main)
			if err := os.RemoveAll(c.resolver.RepoDir(repo)); err != nil {
				return fmt.Errorf("unable to remove cached files for %s: %w", name, err)
			}
		}
	}

	if removeEntry {
		if err := c.users.Delete(name); err != nil {
			return err
		}
		if err := c.options.Delete(name); err != nil {
			return err
		}
	}
	c.Invalidate()
	return nil
}
