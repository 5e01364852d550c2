package hardware

import (
	"fmt"
)

// RecipeSupport describes whether one backend recipe can run on the current
// system, and in which flavour preference order.
type RecipeSupport struct {
	// Supported means the recipe can run on this hardware at all.
	Supported bool `json:"supported"`
	// Available means the recipe's preferred flavour is usable right now
	// (for example the NPU driver is present, not merely the NPU silicon).
	Available bool `json:"available"`
	// Backends lists usable flavours in preference order.
	Backends []string `json:"backends"`
	// Reason explains an unsupported verdict for diagnostics.
	Reason string `json:"reason,omitempty"`
}

// SupportedRecipes returns the per-recipe support table for this snapshot.
// The catalog's filtering layer is the sole consumer.
func (s *Snapshot) SupportedRecipes() map[string]RecipeSupport {
	table := make(map[string]RecipeSupport)

	table["llamacpp"] = s.llamaCppSupport()

	// On macOS only llamacpp is exposed; every other recipe is filtered.
	if s.OSName == "darwin" {
		for _, recipe := range []string{"flm", "ryzenai-llm", "whispercpp", "kokoro", "sd-cpp"} {
			table[recipe] = RecipeSupport{Reason: "not supported on macOS"}
		}
		return table
	}

	if s.NPUAvailable {
		table["flm"] = RecipeSupport{Supported: true, Available: s.NPUDriverVersion != "" || s.OSName != "windows", Backends: []string{"npu"}}
		table["ryzenai-llm"] = table["flm"]
	} else {
		reason := fmt.Sprintf("requires a Ryzen AI NPU (detected processor: %s)", s.CPUName)
		table["flm"] = RecipeSupport{Reason: reason}
		table["ryzenai-llm"] = RecipeSupport{Reason: reason}
	}

	whisperBackends := []string{"cpu"}
	if s.NPUAvailable {
		whisperBackends = append([]string{"npu"}, whisperBackends...)
	}
	table["whispercpp"] = RecipeSupport{Supported: true, Available: true, Backends: whisperBackends}

	table["kokoro"] = RecipeSupport{Supported: true, Available: true, Backends: []string{"cpu"}}

	sdBackends := []string{"cpu"}
	if s.hasAMDGPU() {
		sdBackends = append([]string{"rocm"}, sdBackends...)
	}
	table["sd-cpp"] = RecipeSupport{Supported: true, Available: true, Backends: sdBackends}

	return table
}

func (s *Snapshot) llamaCppSupport() RecipeSupport {
	var backends []string
	switch {
	case s.OSName == "darwin":
		backends = []string{"metal", "cpu"}
	case s.hasAMDGPU():
		backends = []string{"rocm", "vulkan", "cpu"}
	case len(s.GPUs) > 0:
		backends = []string{"vulkan", "cpu"}
	default:
		backends = []string{"cpu"}
	}
	return RecipeSupport{Supported: true, Available: true, Backends: backends}
}

func (s *Snapshot) hasAMDGPU() bool {
	for _, gpu := range s.GPUs {
		if containsFold(gpu.Name, "radeon") || containsFold(gpu.Name, "amd") {
			return true
		}
	}
	return false
}
