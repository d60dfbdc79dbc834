package inference

import "strings"

// DeviceKind identifies the accelerator category a backend is built for.
type DeviceKind string

const (
	// DeviceCPU runs the pipeline on the host CPU.
	DeviceCPU DeviceKind = "cpu"
	// DeviceCUDA runs the pipeline on an NVIDIA GPU.
	DeviceCUDA DeviceKind = "cuda"
	// DeviceMPS runs the pipeline on Apple silicon via Metal.
	DeviceMPS DeviceKind = "mps"
)

// SupportsFreeU reports whether FreeU tuning is usable on this device
// category. The Metal backend lacks the scaled skip-connection kernels, so
// FreeU reconciliation is skipped entirely on MPS.
func (d DeviceKind) SupportsFreeU() bool {
	return d != DeviceMPS
}

// mpsIncompatible lists model name fragments known to produce corrupted
// output on MPS. Models matching any fragment are rebuilt on CPU instead.
var mpsIncompatible = []string{
	"lama",
	"realisticVision",
}

// SwitchMPSDevice remaps the requested device for models that cannot run on
// MPS. It is consulted before every backend construction and rebuild.
func SwitchMPSDevice(modelName string, device DeviceKind) DeviceKind {
	if device != DeviceMPS {
		return device
	}
	lower := strings.ToLower(modelName)
	for _, fragment := range mpsIncompatible {
		if strings.Contains(lower, strings.ToLower(fragment)) {
			return DeviceCPU
		}
	}
	return device
}
