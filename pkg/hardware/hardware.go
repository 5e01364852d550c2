// Package hardware produces the read-only capability report consumed by the
// model catalog's filtering layer: CPU, GPU, NPU, OS, and memory facts plus a
// per-recipe support table.
package hardware

import (
	"os"
	"runtime"
	"strings"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

// GPU describes one detected graphics device.
type GPU struct {
	Name               string `json:"name"`
	VRAMBytes          uint64 `json:"vram_bytes"`
	VirtualMemoryBytes uint64 `json:"virtual_memory_bytes"`
	Discrete           bool   `json:"discrete"`
}

// Snapshot is the capability report computed at startup. It is cached on disk
// keyed by gateway version and invalidated on version bump.
type Snapshot struct {
	GatewayVersion      string `json:"gateway_version"`
	CPUName             string `json:"cpu_name"`
	CPUCores            int    `json:"cpu_cores"`
	GPUs                []GPU  `json:"gpus"`
	NPUAvailable        bool   `json:"npu_available"`
	NPUDriverVersion    string `json:"npu_driver_version"`
	OSName              string `json:"os_name"`
	OSVersion           string `json:"os_version"`
	TotalPhysicalMemory uint64 `json:"total_physical_memory"`
}

// Detect computes a fresh capability snapshot. Detection failures degrade to
// partial snapshots rather than errors: a gateway on unknown hardware should
// still serve CPU-only recipes.
func Detect(log logging.Logger, gatewayVersion string) *Snapshot {
	s := &Snapshot{
		GatewayVersion: gatewayVersion,
		CPUCores:       runtime.NumCPU(),
		OSName:         runtime.GOOS,
	}

	if host, err := sysinfo.Host(); err == nil {
		info := host.Info()
		s.OSVersion = info.OS.Version
		if mem, err := host.Memory(); err == nil {
			s.TotalPhysicalMemory = mem.Total
		}
	} else {
		log.Warnf("failed to read host info: %v", err)
	}

	if cpu, err := ghw.CPU(); err == nil && len(cpu.Processors) > 0 {
		s.CPUName = cpu.Processors[0].Model
		if cores := int(cpu.TotalCores); cores > 0 {
			s.CPUCores = cores
		}
	} else if err != nil {
		log.Warnf("failed to enumerate CPUs: %v", err)
	}

	if gpu, err := ghw.GPU(); err == nil {
		for _, card := range gpu.GraphicsCards {
			g := GPU{Name: card.DeviceInfo.Product.Name}
			// ghw does not report VRAM directly on all platforms; discrete
			// detection by vendor string is a coarse but stable heuristic.
			vendor := strings.ToLower(card.DeviceInfo.Vendor.Name)
			g.Discrete = strings.Contains(vendor, "nvidia") ||
				(strings.Contains(vendor, "amd") && !strings.Contains(strings.ToLower(g.Name), "integrated"))
			s.GPUs = append(s.GPUs, g)
		}
	} else {
		log.Warnf("failed to enumerate GPUs: %v", err)
	}

	s.NPUAvailable, s.NPUDriverVersion = detectNPU(s.CPUName)
	return s
}

// detectNPU reports whether a Ryzen AI NPU is present. The processor model
// string is the only portable signal; RYZENAI_SKIP_PROCESSOR_CHECK forces
// presence for development machines.
func detectNPU(cpuName string) (bool, string) {
	switch strings.ToLower(os.Getenv("RYZENAI_SKIP_PROCESSOR_CHECK")) {
	case "1", "true", "yes":
		return true, npuDriverVersion()
	}
	name := strings.ToLower(cpuName)
	if strings.Contains(name, "ryzen ai") {
		return true, npuDriverVersion()
	}
	return false, ""
}

// LargestMemoryPoolBytes returns the size of the biggest memory pool a model
// could occupy: the largest GPU VRAM pool (plus virtual memory when GTT
// accounting is enabled) or 80% of system RAM, whichever is larger.
func (s *Snapshot) LargestMemoryPoolBytes(countDGPUVirtualMemory bool) uint64 {
	largest := s.TotalPhysicalMemory * 8 / 10
	for _, gpu := range s.GPUs {
		pool := gpu.VRAMBytes
		if countDGPUVirtualMemory && gpu.Discrete {
			pool += gpu.VirtualMemoryBytes
		}
		if pool > largest {
			largest = pool
		}
	}
	return largest
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// HasDiscreteGPU reports whether any discrete GPU was detected.
func (s *Snapshot) HasDiscreteGPU() bool {
	for _, gpu := range s.GPUs {
		if gpu.Discrete {
			return true
		}
	}
	return false
}
