package recipes

import (
	"github.com/lemonade-sdk/lemonade/pkg/config"
	"github.com/lemonade-sdk/lemonade/pkg/download"
	"github.com/lemonade-sdk/lemonade/pkg/hardware"
	"github.com/lemonade-sdk/lemonade/pkg/inference"
	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// Factory constructs adapters on demand. One FLM adapter is shared so that
// its installed-version tracking survives across loads.
type Factory struct {
	log       logging.Logger
	installer *Installer
	snapshot  *hardware.Snapshot
	flm       *FLM
}

// NewFactory wires the adapter constructors.
func NewFactory(log logging.Logger, dl *download.Downloader, snapshot *hardware.Snapshot, cacheDir string) *Factory {
	return &Factory{
		log:       log,
		installer: NewInstaller(log, dl, cacheDir),
		snapshot:  snapshot,
		flm:       NewFLM(log, dl, snapshot, cacheDir),
	}
}

// FLM returns the shared FLM adapter, which also serves as the catalogue's
// installed-model lister.
func (f *Factory) FLM() *FLM { return f.flm }

// Flavour picks the build variant for a recipe: an explicit option override
// wins, otherwise the hardware support table's preference order decides.
func (f *Factory) Flavour(recipe string, opts *config.Options) string {
	if opts != nil {
		switch {
		case opts.LlamaCpp != nil && opts.LlamaCpp.Backend != "":
			return opts.LlamaCpp.Backend
		case opts.WhisperCpp != nil && opts.WhisperCpp.Backend != "":
			return opts.WhisperCpp.Backend
		case opts.SDCpp != nil && opts.SDCpp.Backend != "":
			return opts.SDCpp.Backend
		}
	}
	if support, ok := f.snapshot.SupportedRecipes()[recipe]; ok && len(support.Backends) > 0 {
		return support.Backends[0]
	}
	return "cpu"
}

// Adapter returns the adapter for a recipe and flavour.
func (f *Factory) Adapter(recipe, flavour string) (inference.Adapter, error) {
	switch recipe {
	case "llamacpp":
		return NewLlamaCpp(f.log, f.installer, flavour), nil
	case "flm":
		return f.flm, nil
	case "ryzenai-llm":
		return NewRyzenAILLM(f.log, f.installer), nil
	case "whispercpp":
		return NewWhisperCpp(f.log, f.installer, flavour), nil
	case "kokoro":
		return NewKokoro(f.log, f.installer), nil
	case "sd-cpp":
		return NewSDCpp(f.log, f.installer, flavour), nil
	default:
		return nil, inference.NewError(inference.KindInvalidRequest, "unknown recipe %q", recipe)
	}
}
