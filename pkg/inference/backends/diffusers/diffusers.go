// Package diffusers implements the pipeline-backed backend shared by the sd,
// sdxl and controlnet variants. A variant is one composition of the diffusion
// pipeline; everything above composition (adapter bookkeeping, conditioning
// swaps, tuning) is common and lives here.
package diffusers

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

// lcmLoraScale is the adapter strength applied when LCM-LoRA weights load.
const lcmLoraScale = 1.0

// ErrNoControlNet is returned by SwitchControlNetMethod on a backend composed
// without a conditioning model.
var ErrNoControlNet = errors.New("backend has no controlnet attached")

// Options describe one pipeline-backed backend composition.
type Options struct {
	// Name is the variant name the backend reports.
	Name string
	// Descriptor is the catalog entry being loaded.
	Descriptor *models.Descriptor
	// Device is the accelerator to compose for.
	Device inference.DeviceKind
	// VAETiling enables tiled VAE decode.
	VAETiling bool
	// ControlNetMethod, when non-empty, attaches the conditioning model for
	// that method at composition time.
	ControlNetMethod string
	// OfflineOnly forbids network fetches during weight resolution.
	OfflineOnly bool
	// Weights resolves auxiliary weight artifacts (conditioning models and
	// LoRA adapters).
	Weights *weights.Store
	// Shared, when non-nil, is a live component bundle to adopt instead of
	// loading the checkpoint from disk.
	Shared *diffusion.Components
}

// Backend is a diffusion-pipeline-backed inference backend.
type Backend struct {
	// log is the associated logger.
	log logging.Logger
	// name is the variant name.
	name string
	// desc is the catalog entry the backend was built from.
	desc *models.Descriptor
	// device is the accelerator the pipeline runs on.
	device inference.DeviceKind
	// weights resolves auxiliary artifacts at runtime.
	weights *weights.Store
	// offlineOnly forbids network fetches during resolution.
	offlineOnly bool
	// pipeline is the composed diffusion pipeline.
	pipeline *diffusion.Pipeline
	// method is the attached conditioning method, empty when none.
	method string
	// loraState tracks the adapter weight state.
	loraState inference.LoraState
	// loraID is the identifier of the resident adapter, if any.
	loraID string
}

// componentKinds returns the component set the given model family shares
// across its augmented and non-augmented variants.
func componentKinds(kind models.ModelKind) []diffusion.ComponentKind {
	switch kind {
	case models.KindSDXL, models.KindSDXLInpaint:
		return []diffusion.ComponentKind{
			diffusion.ComponentUNet,
			diffusion.ComponentVAE,
			diffusion.ComponentTextEncoder,
			diffusion.ComponentTextEncoder2,
		}
	default:
		return []diffusion.ComponentKind{
			diffusion.ComponentUNet,
			diffusion.ComponentVAE,
			diffusion.ComponentTextEncoder,
		}
	}
}

// ControlNetArtifact maps a conditioning method to the weight artifact id for
// the given model family.
func ControlNetArtifact(kind models.ModelKind, method string) string {
	switch kind {
	case models.KindSDXL, models.KindSDXLInpaint:
		return "controlnet/" + method + "-sdxl"
	default:
		return "controlnet/" + method + "-sd15"
	}
}

// New composes a pipeline-backed backend per opts.
func New(ctx context.Context, log logging.Logger, opts Options) (*Backend, error) {
	popts := diffusion.PipelineOptions{VAETiling: opts.VAETiling}
	if opts.ControlNetMethod != "" {
		path, err := opts.Weights.Resolve(
			ctx,
			ControlNetArtifact(opts.Descriptor.Kind, opts.ControlNetMethod),
			opts.OfflineOnly,
		)
		if err != nil {
			return nil, fmt.Errorf("resolving controlnet %q: %w", opts.ControlNetMethod, err)
		}
		popts.ControlNetPath = path
	}

	comps := opts.Shared
	loaded := false
	if comps == nil {
		var err error
		comps, err = diffusion.LoadComponents(log, opts.Descriptor.Path, componentKinds(opts.Descriptor.Kind)...)
		if err != nil {
			return nil, err
		}
		loaded = true
	}

	pipeline, err := diffusion.NewPipeline(log, comps, string(opts.Device), popts)
	if loaded {
		// The pipeline holds its own reference now; drop the load reference
		// so Close frees the bundle. On error this frees the fresh load.
		_ = comps.Release()
	}
	if err != nil {
		return nil, fmt.Errorf("building %s pipeline for %s: %w", opts.Name, opts.Descriptor.Name, err)
	}

	return &Backend{
		log:         log,
		name:        opts.Name,
		desc:        opts.Descriptor,
		device:      opts.Device,
		weights:     opts.Weights,
		offlineOnly: opts.OfflineOnly,
		pipeline:    pipeline,
		method:      opts.ControlNetMethod,
	}, nil
}

// Name implements inference.Backend.Name.
func (b *Backend) Name() string {
	return b.name
}

// Invoke implements inference.Backend.Invoke.
func (b *Backend) Invoke(ctx context.Context, img image.Image, mask *image.Gray, req *inference.InpaintRequest) (image.Image, error) {
	return b.pipeline.Inpaint(ctx, diffusion.InpaintJob{
		Image:          img,
		Mask:           mask,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Seed:           req.Seed,
		Sampler:        req.Sampler,
	})
}

// SwitchControlNetMethod implements inference.Backend.SwitchControlNetMethod.
// Only the conditioning weights move; the component bundle stays resident.
func (b *Backend) SwitchControlNetMethod(ctx context.Context, method string) error {
	if b.method == "" {
		return ErrNoControlNet
	}
	if method == b.method {
		return nil
	}
	path, err := b.weights.Resolve(ctx, ControlNetArtifact(b.desc.Kind, method), b.offlineOnly)
	if err != nil {
		return fmt.Errorf("resolving controlnet %q: %w", method, err)
	}
	if err := b.pipeline.SwapControlNet(path); err != nil {
		return err
	}
	b.method = method
	return nil
}

// SetFreeU implements inference.Backend.SetFreeU.
func (b *Backend) SetFreeU(params inference.FreeUParams) error {
	return b.pipeline.SetFreeU(params.S1, params.S2, params.B1, params.B2)
}

// DisableFreeU implements inference.Backend.DisableFreeU.
func (b *Backend) DisableFreeU() error {
	return b.pipeline.ClearFreeU()
}

// LoraState implements inference.Backend.LoraState.
func (b *Backend) LoraState() inference.LoraState {
	return b.loraState
}

// LoadLora implements inference.Backend.LoadLora. Loading activates the
// adapter; a backend loads a given adapter at most once.
func (b *Backend) LoadLora(ctx context.Context, id string, offlineOnly bool) error {
	if b.loraState != inference.LoraUnloaded {
		if b.loraID != id {
			return fmt.Errorf("adapter %q already resident, cannot load %q", b.loraID, id)
		}
		return b.EnableLora()
	}
	path, err := b.weights.Resolve(ctx, id, offlineOnly)
	if err != nil {
		return fmt.Errorf("resolving adapter %q: %w", id, err)
	}
	if err := b.pipeline.LoadLora(path, lcmLoraScale); err != nil {
		return fmt.Errorf("loading adapter %q: %w", id, err)
	}
	b.loraState = inference.LoraEnabled
	b.loraID = id
	return nil
}

// EnableLora implements inference.Backend.EnableLora.
func (b *Backend) EnableLora() error {
	if b.loraState == inference.LoraUnloaded {
		return errors.New("no adapter weights loaded")
	}
	if b.loraState == inference.LoraEnabled {
		return nil
	}
	if err := b.pipeline.SetLoraEnabled(true); err != nil {
		return err
	}
	b.loraState = inference.LoraEnabled
	return nil
}

// DisableLora implements inference.Backend.DisableLora.
func (b *Backend) DisableLora() error {
	if b.loraState != inference.LoraEnabled {
		return nil
	}
	if err := b.pipeline.SetLoraEnabled(false); err != nil {
		return err
	}
	b.loraState = inference.LoraDisabled
	return nil
}

// Components implements inference.Backend.Components.
func (b *Backend) Components() *diffusion.Components {
	return b.pipeline.Components()
}

// Close implements inference.Backend.Close.
func (b *Backend) Close() error {
	return b.pipeline.Close()
}
