package gpuinfo

import (
	"runtime"
	"strings"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
	"github.com/jaypipes/ghw"
)

// GPUInfo probes the host for accelerator hardware. Probing is best-effort:
// on hosts where PCI enumeration is unavailable the probe degrades to CPU with
// unknown VRAM rather than failing.
type GPUInfo struct {
	log logging.Logger
}

// New creates a GPU prober.
func New(log logging.Logger) *GPUInfo {
	return &GPUInfo{log: log}
}

// HasNVIDIAGPU reports whether an NVIDIA graphics card is present.
func (g *GPUInfo) HasNVIDIAGPU() bool {
	gpus, err := ghw.GPU()
	if err != nil {
		g.log.Warnf("Could not enumerate GPUs: %s", err)
		return false
	}
	for _, gpu := range gpus.GraphicsCards {
		if gpu.DeviceInfo == nil || gpu.DeviceInfo.Vendor == nil {
			continue
		}
		if strings.Contains(strings.ToLower(gpu.DeviceInfo.Vendor.Name), "nvidia") {
			return true
		}
	}
	return false
}

// HasAppleSilicon reports whether the host is an Apple silicon Mac, where the
// Metal (MPS) device is available.
func (g *GPUInfo) HasAppleSilicon() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// GetVRAMSize returns the VRAM size in bytes of the first discrete GPU. The
// sentinel value 1 means unknown; callers treat unknown as unconstrained.
func (g *GPUInfo) GetVRAMSize() (uint64, error) {
	return getVRAMSize(g.log)
}
