// Package config holds the gateway's configuration surface: the per-recipe
// options bags, their inheritance rules, the persisted JSON stores, and the
// LEMONADE_* environment variables.
package config

import (
	"fmt"
	"sort"
	"strconv"
)

// Bag is a raw option bag: string keys and values as parsed from CLI flags or
// JSON. Bags are projected into a typed Options value per recipe; the bag form
// exists so that CLI serialization round-trips losslessly.
type Bag map[string]string

// MergeBags overlays bags in order, later bags winning. The inheritance order
// for model options is: recipe defaults, then global defaults, then per-model
// saved overrides, then load-call overrides.
func MergeBags(bags ...Bag) Bag {
	merged := Bag{}
	for _, bag := range bags {
		for k, v := range bag {
			merged[k] = v
		}
	}
	return merged
}

// LlamaCppOptions are the recognized llamacpp recipe options.
type LlamaCppOptions struct {
	CtxSize int    `json:"ctx_size,omitempty"`
	Backend string `json:"llamacpp_backend,omitempty"`
	Args    string `json:"llamacpp_args,omitempty"`
}

// WhisperCppOptions are the recognized whispercpp recipe options.
type WhisperCppOptions struct {
	Backend string `json:"whispercpp_backend,omitempty"`
}

// FLMOptions are the recognized flm / ryzenai-llm recipe options.
type FLMOptions struct {
	CtxSize int `json:"ctx_size,omitempty"`
}

// SDCppOptions are the recognized sd-cpp recipe options.
type SDCppOptions struct {
	Backend  string  `json:"sd-cpp_backend,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	CfgScale float64 `json:"cfg_scale,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// Options is the typed, per-recipe options union. Exactly one variant is
// non-nil, matching the recipe it was projected for; recipes without
// recognized options (kokoro) carry no variant.
type Options struct {
	Recipe     string             `json:"recipe"`
	LlamaCpp   *LlamaCppOptions   `json:"llamacpp,omitempty"`
	WhisperCpp *WhisperCppOptions `json:"whispercpp,omitempty"`
	FLM        *FLMOptions        `json:"flm,omitempty"`
	SDCpp      *SDCppOptions      `json:"sd-cpp,omitempty"`
}

var llamaCppBackends = map[string]bool{"cpu": true, "vulkan": true, "rocm": true, "metal": true}
var whisperCppBackends = map[string]bool{"cpu": true, "npu": true}
var sdCppBackends = map[string]bool{"cpu": true, "rocm": true}

// ForRecipe projects a merged bag into the typed options for a recipe,
// validating enum values and integer syntax. Unrecognized keys are rejected so
// typos surface at load time rather than being silently ignored.
func ForRecipe(recipe string, bag Bag) (*Options, error) {
	opts := &Options{Recipe: recipe}
	switch recipe {
	case "llamacpp":
		o := &LlamaCppOptions{}
		for k, v := range bag {
			switch k {
			case "ctx_size":
				n, err := parseInt(k, v)
				if err != nil {
					return nil, err
				}
				o.CtxSize = n
			case "llamacpp_backend":
				if !llamaCppBackends[v] {
					return nil, fmt.Errorf("invalid llamacpp_backend %q", v)
				}
				o.Backend = v
			case "llamacpp_args":
				o.Args = v
			default:
				return nil, unknownOption(recipe, k)
			}
		}
		opts.LlamaCpp = o
	case "whispercpp":
		o := &WhisperCppOptions{}
		for k, v := range bag {
			switch k {
			case "whispercpp_backend":
				if !whisperCppBackends[v] {
					return nil, fmt.Errorf("invalid whispercpp_backend %q", v)
				}
				o.Backend = v
			default:
				return nil, unknownOption(recipe, k)
			}
		}
		opts.WhisperCpp = o
	case "flm", "ryzenai-llm":
		o := &FLMOptions{}
		for k, v := range bag {
			switch k {
			case "ctx_size":
				n, err := parseInt(k, v)
				if err != nil {
					return nil, err
				}
				o.CtxSize = n
			default:
				return nil, unknownOption(recipe, k)
			}
		}
		opts.FLM = o
	case "sd-cpp":
		o := &SDCppOptions{}
		for k, v := range bag {
			switch k {
			case "sd-cpp_backend":
				if !sdCppBackends[v] {
					return nil, fmt.Errorf("invalid sd-cpp_backend %q", v)
				}
				o.Backend = v
			case "steps":
				n, err := parseInt(k, v)
				if err != nil {
					return nil, err
				}
				o.Steps = n
			case "cfg_scale":
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid cfg_scale %q", v)
				}
				o.CfgScale = f
			case "width":
				n, err := parseInt(k, v)
				if err != nil {
					return nil, err
				}
				o.Width = n
			case "height":
				n, err := parseInt(k, v)
				if err != nil {
					return nil, err
				}
				o.Height = n
			default:
				return nil, unknownOption(recipe, k)
			}
		}
		opts.SDCpp = o
	case "kokoro":
		if len(bag) > 0 {
			return nil, fmt.Errorf("recipe kokoro accepts no options")
		}
	default:
		if len(bag) > 0 {
			return nil, fmt.Errorf("unknown recipe %q", recipe)
		}
	}
	return opts, nil
}

// Bag serializes the typed options back to CLI/bag form. Projecting the
// result through ForRecipe yields an equal options value.
func (o *Options) Bag() Bag {
	bag := Bag{}
	switch {
	case o.LlamaCpp != nil:
		if o.LlamaCpp.CtxSize != 0 {
			bag["ctx_size"] = strconv.Itoa(o.LlamaCpp.CtxSize)
		}
		if o.LlamaCpp.Backend != "" {
			bag["llamacpp_backend"] = o.LlamaCpp.Backend
		}
		if o.LlamaCpp.Args != "" {
			bag["llamacpp_args"] = o.LlamaCpp.Args
		}
	case o.WhisperCpp != nil:
		if o.WhisperCpp.Backend != "" {
			bag["whispercpp_backend"] = o.WhisperCpp.Backend
		}
	case o.FLM != nil:
		if o.FLM.CtxSize != 0 {
			bag["ctx_size"] = strconv.Itoa(o.FLM.CtxSize)
		}
	case o.SDCpp != nil:
		if o.SDCpp.Backend != "" {
			bag["sd-cpp_backend"] = o.SDCpp.Backend
		}
		if o.SDCpp.Steps != 0 {
			bag["steps"] = strconv.Itoa(o.SDCpp.Steps)
		}
		if o.SDCpp.CfgScale != 0 {
			bag["cfg_scale"] = strconv.FormatFloat(o.SDCpp.CfgScale, 'g', -1, 64)
		}
		if o.SDCpp.Width != 0 {
			bag["width"] = strconv.Itoa(o.SDCpp.Width)
		}
		if o.SDCpp.Height != 0 {
			bag["height"] = strconv.Itoa(o.SDCpp.Height)
		}
	}
	return bag
}

// RecipeDefaults returns the built-in defaults for a recipe, the least
// specific layer of the inheritance chain.
func RecipeDefaults(recipe string) Bag {
	switch recipe {
	case "llamacpp":
		return Bag{"ctx_size": "4096"}
	case "flm", "ryzenai-llm":
		return Bag{"ctx_size": "4096"}
	case "sd-cpp":
		return Bag{"steps": "20", "cfg_scale": "7.5", "width": "512", "height": "512"}
	default:
		return Bag{}
	}
}

var recognizedKeys = map[string]map[string]bool{
	"llamacpp":    {"ctx_size": true, "llamacpp_backend": true, "llamacpp_args": true},
	"whispercpp":  {"whispercpp_backend": true},
	"flm":         {"ctx_size": true},
	"ryzenai-llm": {"ctx_size": true},
	"sd-cpp":      {"sd-cpp_backend": true, "steps": true, "cfg_scale": true, "width": true, "height": true},
}

// FilterForRecipe drops bag keys the recipe does not recognize. Global CLI
// defaults carry options for every recipe at once (--steps next to
// --ctx-size), so they are filtered rather than rejected.
func FilterForRecipe(recipe string, bag Bag) Bag {
	known := recognizedKeys[recipe]
	filtered := Bag{}
	for k, v := range bag {
		if known[k] {
			filtered[k] = v
		}
	}
	return filtered
}

// Resolve applies the full inheritance chain for a model load: recipe
// defaults, then global defaults, then the model's shipped defaults, then
// saved per-model overrides, then the load-call overrides, most specific
// winning. Shipped defaults sit above global CLI flags because they are
// per-model facts (a turbo diffusion model ships steps=4; a blanket --steps
// must not ruin it). Global and shipped defaults are filtered to the recipe's
// keys; saved and per-call overrides must validate exactly.
func Resolve(recipe string, globalDefaults, modelDefaults, saved, loadOverrides Bag) (*Options, error) {
	return ForRecipe(recipe, MergeBags(
		RecipeDefaults(recipe),
		FilterForRecipe(recipe, globalDefaults),
		FilterForRecipe(recipe, modelDefaults),
		saved,
		loadOverrides,
	))
}

// Keys returns the bag's keys in sorted order, for stable logging.
func (b Bag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: expected an integer", key, value)
	}
	return n, nil
}

func unknownOption(recipe, key string) error {
	return fmt.Errorf("option %q is not recognized for recipe %s", key, recipe)
}
