// Package sdxl provides the SDXL backend variant.
package sdxl

import (
	"context"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends/diffusers"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "sdxl"
)

// New creates an SDXL backend over the given checkpoint. SDXL checkpoints
// carry a second text encoder, which the component loader picks up from the
// descriptor kind.
func New(ctx context.Context, log logging.Logger, opts diffusers.Options) (inference.Backend, error) {
	switch opts.Descriptor.Kind {
	case models.KindSDXL, models.KindSDXLInpaint:
	default:
		return nil, inference.UnsupportedModelError(opts.Descriptor.Name)
	}
	opts.Name = Name
	opts.ControlNetMethod = ""
	return diffusers.New(ctx, log, opts)
}
