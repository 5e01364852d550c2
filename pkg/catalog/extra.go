package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// ScanExtraDir discovers GGUF models in the configured extra models
// directory. Every .gguf in the directory root becomes a single-file model
// extra.<filename>; every subdirectory with at least one non-mmproj .gguf
// becomes extra.<dirname>, with the lexicographically smallest .gguf as the
// main checkpoint and any mmproj file attached as the mmproj role.
func ScanExtraDir(log logging.Logger, dir string) []ModelInfo {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warnf("unable to scan extra models directory %s: %v", dir, err)
		return nil
	}

	var models []ModelInfo
	for _, entry := range entries {
		if entry.IsDir() {
			if info, ok := scanExtraSubdir(dir, entry.Name()); ok {
				models = append(models, info)
			}
			continue
		}
		if !isGGUF(entry.Name()) {
			continue
		}
		models = append(models, ModelInfo{
			ModelName:     ExtraPrefix + entry.Name(),
			Checkpoints:   map[string]string{RoleMain: filepath.Join(dir, entry.Name())},
			ResolvedPaths: map[string]string{RoleMain: filepath.Join(dir, entry.Name())},
			Recipe:        "llamacpp",
			Type:          TypeLLM,
			Device:        DeriveDevice("llamacpp"),
			Downloaded:    true,
			Source:        SourceExtraDir,
			RecipeOptions: config.Bag{},
		})
	}
	SortModels(models)
	return models
}

func scanExtraSubdir(root, name string) (ModelInfo, bool) {
	dir := filepath.Join(root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ModelInfo{}, false
	}

	var ggufs []string
	mmproj := ""
	for _, entry := range entries {
		if entry.IsDir() || !isGGUF(entry.Name()) {
			continue
		}
		if strings.Contains(strings.ToLower(entry.Name()), "mmproj") {
			mmproj = entry.Name()
			continue
		}
		ggufs = append(ggufs, entry.Name())
	}
	if len(ggufs) == 0 {
		return ModelInfo{}, false
	}
	sort.Strings(ggufs)

	info := ModelInfo{
		ModelName:     ExtraPrefix + name,
		Checkpoints:   map[string]string{RoleMain: filepath.Join(dir, ggufs[0])},
		ResolvedPaths: map[string]string{RoleMain: filepath.Join(dir, ggufs[0])},
		Recipe:        "llamacpp",
		Type:          TypeLLM,
		Device:        DeriveDevice("llamacpp"),
		Downloaded:    true,
		Source:        SourceExtraDir,
		RecipeOptions: config.Bag{},
	}
	if mmproj != "" {
		info.Checkpoints[RoleMMProj] = filepath.Join(dir, mmproj)
		info.ResolvedPaths[RoleMMProj] = filepath.Join(dir, mmproj)
		info.Labels = append(info.Labels, "vision")
	}
	return info, true
}

func isGGUF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".gguf")
}
