// Package catalog implements the unified model registry: the shipped
// catalogue, user-registered models, and the extra-directory scan, merged and
// filtered by hardware capability, with on-disk path resolution against a
// Hugging Face style content-addressed cache.
package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lemonade-sdk/lemonade/pkg/config"
)

// ModelType classifies what kind of inference a model serves.
type ModelType string

const (
	TypeLLM       ModelType = "llm"
	TypeEmbedding ModelType = "embeddings"
	TypeReranking ModelType = "reranking"
	TypeAudioASR  ModelType = "audio-asr"
	TypeAudioTTS  ModelType = "audio-tts"
	TypeImage     ModelType = "image"
)

// DeviceType is a bit-set of devices a model's recipe can occupy.
type DeviceType uint8

const (
	DeviceCPU DeviceType = 1 << iota
	DeviceIGPU
	DeviceDGPU
	DeviceNPU
)

// Has reports whether the set includes the given device.
func (d DeviceType) Has(device DeviceType) bool { return d&device != 0 }

func (d DeviceType) String() string {
	var parts []string
	for _, p := range []struct {
		bit  DeviceType
		name string
	}{{DeviceCPU, "cpu"}, {DeviceIGPU, "igpu"}, {DeviceDGPU, "dgpu"}, {DeviceNPU, "npu"}} {
		if d.Has(p.bit) {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "+")
}

// Checkpoint roles. Every model has a main checkpoint; the rest are optional
// companions.
const (
	RoleMain        = "main"
	RoleMMProj      = "mmproj"
	RoleTextEncoder = "text_encoder"
	RoleVAE         = "vae"
	RoleNPUCache    = "npu_cache"
)

// Model name prefixes reserved for their sources.
const (
	UserPrefix  = "user."
	ExtraPrefix = "extra."
)

// Sources a catalogue entry can come from.
const (
	SourceBuiltin  = ""
	SourceUpload   = "local_upload"
	SourcePath     = "local_path"
	SourceExtraDir = "extra_models_dir"
)

// ImageDefaults carries the default generation parameters for image models.
type ImageDefaults struct {
	Steps    int     `json:"steps,omitempty"`
	CfgScale float64 `json:"cfg_scale,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// ModelInfo is the canonical catalogue entry.
type ModelInfo struct {
	ModelName     string            `json:"model_name"`
	Checkpoints   map[string]string `json:"checkpoints"`
	ResolvedPaths map[string]string `json:"resolved_paths,omitempty"`
	Recipe        string            `json:"recipe"`
	Labels        []string          `json:"labels,omitempty"`
	Type          ModelType         `json:"type"`
	Device        DeviceType        `json:"device"`
	SizeGB        float64           `json:"size_gb,omitempty"`
	Downloaded    bool              `json:"downloaded"`
	Source        string            `json:"source,omitempty"`
	RecipeOptions config.Bag        `json:"recipe_options,omitempty"`
	ImageDefaults *ImageDefaults    `json:"image_defaults,omitempty"`
}

// DefaultsBag serializes the shipped image defaults into option-bag form, the
// per-model defaults layer of option resolution. Nil for models without them.
func (m *ModelInfo) DefaultsBag() config.Bag {
	d := m.ImageDefaults
	if d == nil {
		return nil
	}
	bag := config.Bag{}
	if d.Steps > 0 {
		bag["steps"] = strconv.Itoa(d.Steps)
	}
	if d.CfgScale > 0 {
		bag["cfg_scale"] = strconv.FormatFloat(d.CfgScale, 'g', -1, 64)
	}
	if d.Width > 0 {
		bag["width"] = strconv.Itoa(d.Width)
	}
	if d.Height > 0 {
		bag["height"] = strconv.Itoa(d.Height)
	}
	return bag
}

// Checkpoint returns the checkpoint string for a role, "" when absent.
func (m *ModelInfo) Checkpoint(role string) string {
	return m.Checkpoints[role]
}

// MainCheckpoint returns the mandatory main checkpoint.
func (m *ModelInfo) MainCheckpoint() string { return m.Checkpoints[RoleMain] }

// HasLabel reports whether the model carries a label.
func (m *ModelInfo) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Validate checks structural invariants shared by all sources.
func (m *ModelInfo) Validate() error {
	if m.ModelName == "" {
		return fmt.Errorf("model name is empty")
	}
	if m.Checkpoints[RoleMain] == "" {
		return fmt.Errorf("model %s has no main checkpoint", m.ModelName)
	}
	if m.Recipe == "" {
		return fmt.Errorf("model %s has no recipe", m.ModelName)
	}
	return nil
}

// DeriveType computes the model type from labels, falling back to the recipe
// for audio and image engines. Precedence: image, audio-tts, audio-asr,
// embeddings, reranking, then LLM.
func DeriveType(labels []string, recipe string) ModelType {
	has := func(l string) bool {
		for _, x := range labels {
			if x == l {
				return true
			}
		}
		return false
	}
	switch {
	case has("image") || recipe == "sd-cpp":
		return TypeImage
	case has("audio-tts") || recipe == "kokoro":
		return TypeAudioTTS
	case has("audio-asr") || recipe == "whispercpp":
		return TypeAudioASR
	case has("embeddings"):
		return TypeEmbedding
	case has("reranking"):
		return TypeReranking
	default:
		return TypeLLM
	}
}

// DeriveDevice computes the device set from the recipe.
func DeriveDevice(recipe string) DeviceType {
	switch recipe {
	case "flm", "ryzenai-llm":
		return DeviceNPU
	case "whispercpp":
		return DeviceCPU | DeviceNPU
	case "llamacpp":
		return DeviceCPU | DeviceIGPU | DeviceDGPU
	case "sd-cpp":
		return DeviceCPU | DeviceDGPU
	default:
		return DeviceCPU
	}
}

// SplitCheckpoint splits an org/repo:variant checkpoint into its repo id and
// variant selector. Windows drive letters (C:\...) are not variants.
func SplitCheckpoint(checkpoint string) (repo, variant string) {
	idx := strings.LastIndex(checkpoint, ":")
	if idx <= 1 {
		return checkpoint, ""
	}
	return checkpoint[:idx], checkpoint[idx+1:]
}

// SortModels orders entries by name for stable listings.
func SortModels(models []ModelInfo) {
	sort.Slice(models, func(i, j int) bool { return models[i].ModelName < models[j].ModelName })
}
