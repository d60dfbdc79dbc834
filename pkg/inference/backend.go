package inference

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
)

// ErrUnsupportedModel is a sentinel error returned when a requested model name
// cannot be resolved to any backend implementation, either because the catalog
// does not know it or because no variant can serve its kind. If returned in
// conjunction with an HTTP request, it should be paired with a 404 response
// status.
var ErrUnsupportedModel = errors.New("unsupported model")

// UnsupportedModelError wraps ErrUnsupportedModel with the offending name.
func UnsupportedModelError(name string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedModel, name)
}

// LoraState describes the adapter weight state of a backend. Adapter weights
// are loaded at most once per backend instance and cheaply toggled thereafter.
type LoraState uint8

const (
	// LoraUnloaded indicates that no adapter weights are resident.
	LoraUnloaded LoraState = iota
	// LoraDisabled indicates that adapter weights are resident but inactive.
	LoraDisabled
	// LoraEnabled indicates that adapter weights are resident and active.
	LoraEnabled
)

// String implements Stringer.String for LoraState.
func (s LoraState) String() string {
	switch s {
	case LoraUnloaded:
		return "unloaded"
	case LoraDisabled:
		return "loaded-disabled"
	case LoraEnabled:
		return "loaded-enabled"
	default:
		return "unknown"
	}
}

// Backend is the interface implemented by loaded inpainting backends. A
// backend owns one runnable pipeline for one model descriptor. Backend
// implementations need not be safe for concurrent invocation; the lifecycle
// manager serializes all calls.
type Backend interface {
	// Name returns the backend variant name. It must be all lowercase and
	// usable as a path component. The package providing the backend
	// implementation should also expose a constant called Name which matches
	// the value returned by this method.
	Name() string
	// Invoke runs one inpainting pass over image and mask. The mask is
	// single-channel; 255 marks the region to repaint. The returned image uses
	// the pipeline's native layout; callers wanting the wire layout convert
	// with ToBGR.
	Invoke(ctx context.Context, img image.Image, mask *image.Gray, req *InpaintRequest) (image.Image, error)
	// SwitchControlNetMethod swaps the conditioning model without rebuilding
	// the pipeline. Backends that do not carry a ControlNet return an error.
	SwitchControlNetMethod(ctx context.Context, method string) error
	// SetFreeU applies FreeU tuning parameters. Idempotent.
	SetFreeU(params FreeUParams) error
	// DisableFreeU resets the pipeline to its untuned baseline.
	DisableFreeU() error
	// LoraState reports the adapter weight state.
	LoraState() LoraState
	// LoadLora loads the adapter weights identified by id, activating them.
	// With offlineOnly set, resolution must not touch the network.
	LoadLora(ctx context.Context, id string, offlineOnly bool) error
	// EnableLora re-activates previously loaded adapter weights.
	EnableLora() error
	// DisableLora deactivates resident adapter weights without unloading.
	DisableLora() error
	// Components exposes the pipeline sub-components shared between augmented
	// and non-augmented variants of the same model, for reuse across a
	// toggle-only rebuild.
	Components() *diffusion.Components
	// Close releases the backend's reference to its pipeline resources. Shared
	// components survive as long as another holder retains them.
	Close() error
}
