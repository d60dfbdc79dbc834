// Package erase provides backends for the single-purpose erase models
// (LaMa-family object removal networks). These are single-network models: no
// prompt, no conditioning pathway, no sampling tuning, no adapters.
package erase

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "erase"
)

// errNotSupported covers the feature toggle operations erase models lack. The
// lifecycle manager never calls them because the descriptor advertises no
// capabilities; direct callers get an explicit error.
var errNotSupported = errors.New("not supported by erase models")

// Backend runs a LaMa-family erase network. The whole network loads as one
// component so the bundle sharing machinery works uniformly, even though no
// augmented variant of an erase model exists to share with.
type Backend struct {
	// log is the associated logger.
	log logging.Logger
	// pipeline is the composed single-network pipeline.
	pipeline *diffusion.Pipeline
}

// New creates an erase backend over the given model file.
func New(ctx context.Context, log logging.Logger, desc *models.Descriptor, device inference.DeviceKind, shared *diffusion.Components) (inference.Backend, error) {
	if desc.Kind != models.KindErase {
		return nil, inference.UnsupportedModelError(desc.Name)
	}
	comps := shared
	loaded := false
	if comps == nil {
		var err error
		comps, err = diffusion.LoadComponents(log, desc.Path, diffusion.ComponentUNet)
		if err != nil {
			return nil, err
		}
		loaded = true
	}
	pipeline, err := diffusion.NewPipeline(log, comps, string(device), diffusion.PipelineOptions{})
	if loaded {
		_ = comps.Release()
	}
	if err != nil {
		return nil, fmt.Errorf("building erase pipeline for %s: %w", desc.Name, err)
	}
	return &Backend{log: log, pipeline: pipeline}, nil
}

// Name implements inference.Backend.Name.
func (b *Backend) Name() string {
	return Name
}

// Invoke implements inference.Backend.Invoke. The generation fields of req are
// ignored; erase models consume only the image and mask.
func (b *Backend) Invoke(ctx context.Context, img image.Image, mask *image.Gray, req *inference.InpaintRequest) (image.Image, error) {
	return b.pipeline.Inpaint(ctx, diffusion.InpaintJob{Image: img, Mask: mask})
}

// SwitchControlNetMethod implements inference.Backend.SwitchControlNetMethod.
func (b *Backend) SwitchControlNetMethod(ctx context.Context, method string) error {
	return errNotSupported
}

// SetFreeU implements inference.Backend.SetFreeU.
func (b *Backend) SetFreeU(params inference.FreeUParams) error {
	return errNotSupported
}

// DisableFreeU implements inference.Backend.DisableFreeU.
func (b *Backend) DisableFreeU() error {
	return errNotSupported
}

// LoraState implements inference.Backend.LoraState.
func (b *Backend) LoraState() inference.LoraState {
	return inference.LoraUnloaded
}

// LoadLora implements inference.Backend.LoadLora.
func (b *Backend) LoadLora(ctx context.Context, id string, offlineOnly bool) error {
	return errNotSupported
}

// EnableLora implements inference.Backend.EnableLora.
func (b *Backend) EnableLora() error {
	return errNotSupported
}

// DisableLora implements inference.Backend.DisableLora.
func (b *Backend) DisableLora() error {
	return errNotSupported
}

// Components implements inference.Backend.Components.
func (b *Backend) Components() *diffusion.Components {
	return b.pipeline.Components()
}

// Close implements inference.Backend.Close.
func (b *Backend) Close() error {
	return b.pipeline.Close()
}
