// Package controlnet provides the ControlNet-augmented backend variant. It
// serves any diffusion family whose descriptor advertises conditioning
// support; the underlying pipeline is the family pipeline with a conditioning
// model attached.
package controlnet

import (
	"context"
	"fmt"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/diffusers"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "controlnet"
)

// New creates a ControlNet-augmented backend. opts.ControlNetMethod selects
// the conditioning model and must be one of the descriptor's compatible
// methods.
func New(ctx context.Context, log logging.Logger, opts diffusers.Options) (inference.Backend, error) {
	desc := opts.Descriptor
	if !desc.SupportsControlNet {
		return nil, inference.UnsupportedModelError(desc.Name)
	}
	if opts.ControlNetMethod == "" {
		return nil, fmt.Errorf("no controlnet method selected for %s", desc.Name)
	}
	if !desc.HasControlNet(opts.ControlNetMethod) {
		return nil, fmt.Errorf("controlnet method %q is not compatible with %s", opts.ControlNetMethod, desc.Name)
	}
	opts.Name = Name
	return diffusers.New(ctx, log, opts)
}
