package diffusion

import (
	"context"
	"fmt"
	"image"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// Pipeline is one composed, runnable diffusion pipeline. It retains a
// reference to its component bundle for its lifetime and releases it on Close.
// Pipelines are not safe for concurrent use.
type Pipeline struct {
	log    logging.Logger
	comps  *Components
	device string
	handle Handle
	closed bool

	controlnet string // weights path of the attached conditioning model, if any
}

// PipelineOptions tune pipeline composition.
type PipelineOptions struct {
	// VAETiling enables tiled VAE decode for low-VRAM operation.
	VAETiling bool
	// ControlNetPath, when non-empty, attaches a conditioning model at
	// composition time.
	ControlNetPath string
}

// NewPipeline composes a pipeline over a component bundle. The pipeline takes
// its own reference on comps; callers keep theirs.
func NewPipeline(log logging.Logger, comps *Components, device string, opts PipelineOptions) (*Pipeline, error) {
	comps.Retain()
	handle, err := engine.NewPipeline(PipelineSpec{
		Device:     device,
		Components: comps.Handles(),
		VAETiling:  opts.VAETiling,
	})
	if err != nil {
		_ = comps.Release()
		return nil, fmt.Errorf("composing pipeline on %s: %w", device, err)
	}
	p := &Pipeline{log: log, comps: comps, device: device, handle: handle}
	if opts.ControlNetPath != "" {
		if err := engine.AttachControlNet(handle, opts.ControlNetPath); err != nil {
			_ = engine.FreePipeline(handle)
			_ = comps.Release()
			return nil, fmt.Errorf("attaching controlnet: %w", err)
		}
		p.controlnet = opts.ControlNetPath
	}
	return p, nil
}

// Inpaint runs one forward pass.
func (p *Pipeline) Inpaint(ctx context.Context, job InpaintJob) (image.Image, error) {
	return engine.Inpaint(ctx, p.handle, job)
}

// SetFreeU applies FreeU scaling factors. The engine treats repeated
// application of identical factors as a no-op.
func (p *Pipeline) SetFreeU(s1, s2, b1, b2 float32) error {
	return engine.SetFreeU(p.handle, s1, s2, b1, b2)
}

// ClearFreeU restores baseline sampling.
func (p *Pipeline) ClearFreeU() error {
	return engine.ClearFreeU(p.handle)
}

// LoadLora loads adapter weights into the pipeline and activates them.
func (p *Pipeline) LoadLora(path string, scale float32) error {
	return engine.LoadLora(p.handle, path, scale)
}

// SetLoraEnabled toggles resident adapter weights without reloading.
func (p *Pipeline) SetLoraEnabled(enabled bool) error {
	return engine.SetLoraEnabled(p.handle, enabled)
}

// SwapControlNet replaces the attached conditioning model. This is the cheap
// path: only the conditioning weights move, the bundle stays resident.
func (p *Pipeline) SwapControlNet(path string) error {
	if p.controlnet != "" {
		if err := engine.DetachControlNet(p.handle); err != nil {
			return fmt.Errorf("detaching controlnet: %w", err)
		}
		p.controlnet = ""
	}
	if err := engine.AttachControlNet(p.handle, path); err != nil {
		return fmt.Errorf("attaching controlnet: %w", err)
	}
	p.controlnet = path
	return nil
}

// Components exposes the shared bundle for adoption by a replacement pipeline.
func (p *Pipeline) Components() *Components {
	return p.comps
}

// Device reports the accelerator the pipeline was composed for.
func (p *Pipeline) Device() string {
	return p.device
}

// Close frees the pipeline and drops its component reference. Safe to call
// more than once.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := engine.FreePipeline(p.handle)
	if relErr := p.comps.Release(); err == nil {
		err = relErr
	}
	return err
}
