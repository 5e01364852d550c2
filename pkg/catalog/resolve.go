package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lemonade-sdk/lemonade/pkg/download"
)

// Resolver maps checkpoints to absolute on-disk paths under a Hugging Face
// style content-addressed cache (models--org--repo/snapshots/<revision>/...).
type Resolver struct {
	hubRoot string
}

// NewResolver returns a resolver rooted at the given hub cache directory.
func NewResolver(hubRoot string) *Resolver {
	return &Resolver{hubRoot: hubRoot}
}

// RepoDir returns the cache directory for a repo id, substituting -- for /
// and prefixing models--.
func (r *Resolver) RepoDir(repo string) string {
	return filepath.Join(r.hubRoot, "models--"+strings.ReplaceAll(repo, "/", "--"))
}

// SnapshotDir returns the snapshot directory files are materialized into.
// Existing revisions are reused; fresh downloads go under snapshots/main.
func (r *Resolver) SnapshotDir(repo string) string {
	base := filepath.Join(r.RepoDir(repo), "snapshots")
	entries, err := os.ReadDir(base)
	if err == nil {
		var revisions []string
		for _, entry := range entries {
			if entry.IsDir() {
				revisions = append(revisions, entry.Name())
			}
		}
		if len(revisions) > 0 {
			sort.Strings(revisions)
			return filepath.Join(base, revisions[0])
		}
	}
	return filepath.Join(base, "main")
}

// ResolvePaths computes resolved_paths for every checkpoint role. Roles whose
// files are not on disk resolve to "". FLM checkpoints have no filesystem
// representation and are skipped.
func (r *Resolver) ResolvePaths(info *ModelInfo) {
	if info.Recipe == "flm" {
		return
	}
	if info.ResolvedPaths == nil {
		info.ResolvedPaths = make(map[string]string, len(info.Checkpoints))
	}
	for role, checkpoint := range info.Checkpoints {
		if existing := info.ResolvedPaths[role]; existing != "" {
			continue
		}
		info.ResolvedPaths[role] = r.resolveRole(info.Recipe, role, checkpoint)
	}
}

func (r *Resolver) resolveRole(recipe, role, checkpoint string) string {
	if filepath.IsAbs(checkpoint) {
		if _, err := os.Stat(checkpoint); err == nil {
			return checkpoint
		}
		return ""
	}

	repo, variant := SplitCheckpoint(checkpoint)
	snapshot := r.SnapshotDir(repo)
	files := listFiles(snapshot)
	if len(files) == 0 {
		return ""
	}

	switch recipe {
	case "ryzenai-llm":
		// The model root is the directory holding genai_config.json.
		for _, f := range files {
			if filepath.Base(f) == "genai_config.json" {
				return filepath.Dir(filepath.Join(snapshot, f))
			}
		}
		return ""
	case "kokoro":
		for _, f := range files {
			if filepath.Base(f) == "index.json" {
				return filepath.Join(snapshot, f)
			}
		}
		return ""
	case "whispercpp":
		for _, f := range files {
			if strings.EqualFold(filepath.Ext(f), ".bin") {
				return filepath.Join(snapshot, f)
			}
		}
		return ""
	case "sd-cpp":
		if variant != "" {
			for _, f := range files {
				if filepath.Base(f) == variant {
					return filepath.Join(snapshot, f)
				}
			}
			return ""
		}
		for _, f := range files {
			switch strings.ToLower(filepath.Ext(f)) {
			case ".safetensors", ".ckpt", ".gguf":
				return filepath.Join(snapshot, f)
			}
		}
		return ""
	case "llamacpp":
		if role == RoleMain {
			if pick := SelectGGUF(files, variant); pick != "" {
				return filepath.Join(snapshot, pick)
			}
			return ""
		}
		// Companion roles (mmproj) name their file via the variant.
		fallthrough
	default:
		if variant == "" {
			return ""
		}
		for _, f := range files {
			if filepath.Base(f) == variant {
				return filepath.Join(snapshot, f)
			}
		}
		return ""
	}
}

// SelectGGUF applies the llamacpp variant resolution order to a sorted list
// of repo-relative paths:
//  1. wildcard or empty selector: first .gguf, excluding mmproj files
//  2. selector ending in .gguf: exact filename match
//  3. files whose lowercase basename ends with <selector>.gguf
//  4. files whose relative path begins with <selector>/ (folder sharding)
//  5. fallback: first .gguf
func SelectGGUF(files []string, variant string) string {
	var ggufs []string
	for _, f := range files {
		if isGGUF(f) && !strings.Contains(strings.ToLower(filepath.Base(f)), "mmproj") {
			ggufs = append(ggufs, f)
		}
	}
	if len(ggufs) == 0 {
		return ""
	}
	sort.Strings(ggufs)

	if variant == "" || variant == "*" {
		return ggufs[0]
	}
	lower := strings.ToLower(variant)
	if strings.HasSuffix(lower, ".gguf") {
		for _, f := range ggufs {
			if strings.EqualFold(filepath.Base(f), variant) {
				return f
			}
		}
	}
	for _, f := range ggufs {
		if strings.HasSuffix(strings.ToLower(filepath.Base(f)), lower+".gguf") {
			return f
		}
	}
	prefix := strings.TrimSuffix(variant, "/") + "/"
	for _, f := range ggufs {
		if strings.HasPrefix(f, prefix) {
			return f
		}
	}
	return ggufs[0]
}

// CheckDownloaded reports whether every resolved path exists with no .partial
// sibling and no in-progress manifest in the snapshot directory. Models with
// no resolvable paths are not downloaded.
func (r *Resolver) CheckDownloaded(info *ModelInfo) bool {
	if len(info.Checkpoints) == 0 {
		return false
	}
	for role := range info.Checkpoints {
		path := info.ResolvedPaths[role]
		if path == "" {
			return false
		}
		if _, err := os.Stat(path); err != nil {
			return false
		}
		if _, err := os.Stat(path + download.PartialSuffix); err == nil {
			return false
		}
	}
	if !filepath.IsAbs(info.MainCheckpoint()) {
		repo, _ := SplitCheckpoint(info.MainCheckpoint())
		manifest := filepath.Join(r.SnapshotDir(repo), download.ManifestName)
		if _, err := os.Stat(manifest); err == nil {
			return false
		}
	}
	return true
}

func listFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files
}
