package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/lemonade-sdk/lemonade/pkg/config"
)

//go:embed data/server_models.json
var builtinCatalogJSON []byte

type builtinEntry struct {
	Checkpoint    string         `json:"checkpoint"`
	Recipe        string         `json:"recipe"`
	Labels        []string       `json:"labels"`
	MMProj        string         `json:"mmproj,omitempty"`
	SizeGB        float64        `json:"size_gb"`
	ImageDefaults *ImageDefaults `json:"image_defaults,omitempty"`
}

// BuiltinModels parses the shipped catalogue.
func BuiltinModels() ([]ModelInfo, error) {
	var raw map[string]builtinEntry
	if err := json.Unmarshal(builtinCatalogJSON, &raw); err != nil {
		return nil, fmt.Errorf("shipped catalogue is malformed: %w", err)
	}
	models := make([]ModelInfo, 0, len(raw))
	for name, entry := range raw {
		info := ModelInfo{
			ModelName:     name,
			Checkpoints:   map[string]string{RoleMain: entry.Checkpoint},
			Recipe:        entry.Recipe,
			Labels:        entry.Labels,
			Type:          DeriveType(entry.Labels, entry.Recipe),
			Device:        DeriveDevice(entry.Recipe),
			SizeGB:        entry.SizeGB,
			Source:        SourceBuiltin,
			RecipeOptions: config.Bag{},
			ImageDefaults: entry.ImageDefaults,
		}
		if entry.MMProj != "" {
			info.Checkpoints[RoleMMProj] = entry.MMProj
		}
		if err := info.Validate(); err != nil {
			return nil, err
		}
		models = append(models, info)
	}
	SortModels(models)
	return models, nil
}
