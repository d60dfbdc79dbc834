// Package backends resolves model descriptors to backend instances. The
// factory dispatches on capability toggles first, then on specially registered
// model names, then on the descriptor kind.
package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/controlnet"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/diffusers"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/erase"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/sd"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/sdxl"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/memory"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

// Config carries the construction-time inputs shared by all backend builds.
// It is validated once by the manager and treated as read-only afterwards;
// per-build variation (device remap, conditioning toggles) travels through
// Build's explicit parameters instead.
type Config struct {
	// VAETiling enables tiled VAE decode on all built pipelines.
	VAETiling bool
	// OfflineOnly forbids network fetches during weight resolution.
	OfflineOnly bool
	// Weights resolves auxiliary weight artifacts.
	Weights *weights.Store
	// Memory, when non-nil, gates builds on an admission estimate.
	Memory memory.Estimator
}

// Builder constructs a specially registered backend for one model name.
type Builder func(ctx context.Context, log logging.Logger, desc *models.Descriptor, device inference.DeviceKind, shared *diffusion.Components) (inference.Backend, error)

var (
	registryMu sync.RWMutex
	// registry maps model names to special-implementation builders. The
	// erase family is pre-registered; tests and embedders may add more.
	registry = map[string]Builder{
		"lama":     erase.New,
		"big-lama": erase.New,
		"mat":      erase.New,
		"migan":    erase.New,
	}
)

// Register installs a special-implementation builder for the given model
// name, replacing any previous registration.
func Register(name string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = builder
}

// lookup returns the registered builder for name, if any.
func lookup(name string) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	builder, ok := registry[name]
	return builder, ok
}

// LCMLoraArtifact returns the adapter weight artifact id for the given model
// family.
func LCMLoraArtifact(kind models.ModelKind) string {
	switch kind {
	case models.KindSDXL, models.KindSDXLInpaint:
		return "latent-consistency/lcm-lora-sdxl"
	default:
		return "latent-consistency/lcm-lora-sdv1-5"
	}
}

// Build constructs a backend for desc on device. With controlNetMethod
// non-empty and the descriptor advertising conditioning support, the
// ControlNet-augmented variant is built; otherwise dispatch falls through to
// the special registry and then the descriptor kind. shared, when non-nil, is
// a live component bundle the new backend adopts instead of reloading the
// checkpoint.
func Build(
	ctx context.Context,
	log logging.Logger,
	desc *models.Descriptor,
	device inference.DeviceKind,
	controlNetMethod string,
	cfg *Config,
	shared *diffusion.Components,
) (inference.Backend, error) {
	withControlNet := desc.SupportsControlNet && controlNetMethod != ""
	if cfg.Memory != nil && shared == nil {
		ok, required, err := cfg.Memory.HaveSufficientMemoryForCheckpoint(
			uint64(desc.SizeBytes), withControlNet, string(device))
		if err != nil {
			log.Warnf("Could not estimate memory for %s: %v", desc.Name, err)
		} else if !ok {
			return nil, fmt.Errorf("insufficient memory for %s (need %d RAM / %d VRAM bytes)",
				desc.Name, required.RAM, required.VRAM)
		}
	}

	opts := diffusers.Options{
		Descriptor:  desc,
		Device:      device,
		VAETiling:   cfg.VAETiling,
		OfflineOnly: cfg.OfflineOnly,
		Weights:     cfg.Weights,
		Shared:      shared,
	}

	if withControlNet {
		opts.ControlNetMethod = controlNetMethod
		return controlnet.New(ctx, log, opts)
	}
	if builder, ok := lookup(desc.Name); ok {
		return builder(ctx, log, desc, device, shared)
	}
	switch desc.Kind {
	case models.KindSD, models.KindSDInpaint:
		return sd.New(ctx, log, opts)
	case models.KindSDXL, models.KindSDXLInpaint:
		return sdxl.New(ctx, log, opts)
	case models.KindErase:
		return erase.New(ctx, log, desc, device, shared)
	default:
		return nil, inference.UnsupportedModelError(desc.Name)
	}
}
