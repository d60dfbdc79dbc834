// Package sd provides the Stable Diffusion 1.x/2.x backend variant.
package sd

import (
	"context"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/diffusers"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "sd"
)

// New creates an SD backend over the given checkpoint. The variant composes
// without a conditioning model; ControlNet-augmented pipelines are built by
// the controlnet variant instead.
func New(ctx context.Context, log logging.Logger, opts diffusers.Options) (inference.Backend, error) {
	switch opts.Descriptor.Kind {
	case models.KindSD, models.KindSDInpaint:
	default:
		return nil, inference.UnsupportedModelError(opts.Descriptor.Name)
	}
	opts.Name = Name
	opts.ControlNetMethod = ""
	return diffusers.New(ctx, log, opts)
}
