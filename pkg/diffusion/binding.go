package diffusion

import (
	"context"
	"errors"
	"image"
)

// ErrEngineUnavailable is returned by generation entry points when the binary
// was built without the native engine (no "sdcpp" build tag). State-changing
// pipeline operations still succeed so that lifecycle logic remains fully
// testable without the native library.
var ErrEngineUnavailable = errors.New("diffusion engine not available in this build")

// Handle is an opaque reference to a native engine resource.
type Handle uint64

// ComponentKind identifies one shareable pipeline sub-component.
type ComponentKind string

const (
	ComponentUNet         ComponentKind = "unet"
	ComponentVAE          ComponentKind = "vae"
	ComponentTextEncoder  ComponentKind = "text_encoder"
	ComponentTextEncoder2 ComponentKind = "text_encoder_2"
)

// PipelineSpec describes a pipeline composition for the engine.
type PipelineSpec struct {
	// Device is the accelerator the pipeline runs on ("cpu", "cuda", "mps").
	Device string
	// Components maps component kinds to loaded component handles.
	Components map[ComponentKind]Handle
	// VAETiling enables tiled VAE decode for low-VRAM operation.
	VAETiling bool
}

// InpaintJob is the engine-level view of one inpainting pass.
type InpaintJob struct {
	Image          image.Image
	Mask           *image.Gray
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float32
	Seed           int64
	Sampler        string
}

// binding is the low-level engine contract. Exactly one implementation is
// selected at build time: the CGo stable-diffusion.cpp binding (tag "sdcpp")
// or the pure-Go stub.
type binding interface {
	LoadComponent(checkpointPath string, kind ComponentKind) (Handle, error)
	FreeComponent(h Handle) error
	NewPipeline(spec PipelineSpec) (Handle, error)
	FreePipeline(h Handle) error
	Inpaint(ctx context.Context, pipe Handle, job InpaintJob) (image.Image, error)
	SetFreeU(pipe Handle, s1, s2, b1, b2 float32) error
	ClearFreeU(pipe Handle) error
	LoadLora(pipe Handle, path string, scale float32) error
	SetLoraEnabled(pipe Handle, enabled bool) error
	AttachControlNet(pipe Handle, path string) error
	DetachControlNet(pipe Handle) error
}
