//go:build sdcpp && cgo

package diffusion

/*
#cgo CFLAGS: -I${SRCDIR}/../../native/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../../native/stable-diffusion.cpp/build -lstable-diffusion

#include <stdlib.h>
#include <stable-diffusion.h>
*/
import "C"

import (
	"context"
	"fmt"
	"image"
	"sync"
	"unsafe"
)

// sdcppBinding wraps the stable-diffusion.cpp shared library. Build with:
//
//	CGO_ENABLED=1 go build -tags sdcpp
type sdcppBinding struct {
	mu         sync.Mutex
	next       Handle
	components map[Handle]*C.sd_component_t
	pipelines  map[Handle]*C.sd_pipeline_t
}

func newNativeBinding() binding {
	return &sdcppBinding{
		components: make(map[Handle]*C.sd_component_t),
		pipelines:  make(map[Handle]*C.sd_pipeline_t),
	}
}

func (b *sdcppBinding) LoadComponent(checkpointPath string, kind ComponentKind) (Handle, error) {
	cPath := C.CString(checkpointPath)
	defer C.free(unsafe.Pointer(cPath))
	cKind := C.CString(string(kind))
	defer C.free(unsafe.Pointer(cKind))

	comp := C.sd_component_load(cPath, cKind)
	if comp == nil {
		return 0, fmt.Errorf("sd_component_load(%s, %s) failed", checkpointPath, kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.components[b.next] = comp
	return b.next, nil
}

func (b *sdcppBinding) FreeComponent(h Handle) error {
	b.mu.Lock()
	comp, ok := b.components[h]
	delete(b.components, h)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown component handle %d", h)
	}
	C.sd_component_free(comp)
	return nil
}

func (b *sdcppBinding) NewPipeline(spec PipelineSpec) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cDevice := C.CString(spec.Device)
	defer C.free(unsafe.Pointer(cDevice))
	pipe := C.sd_pipeline_new(cDevice, C.bool(spec.VAETiling))
	if pipe == nil {
		return 0, fmt.Errorf("sd_pipeline_new(%s) failed", spec.Device)
	}
	for kind, h := range spec.Components {
		comp, ok := b.components[h]
		if !ok {
			C.sd_pipeline_free(pipe)
			return 0, fmt.Errorf("pipeline spec references freed %s handle %d", kind, h)
		}
		cKind := C.CString(string(kind))
		rc := C.sd_pipeline_attach(pipe, cKind, comp)
		C.free(unsafe.Pointer(cKind))
		if rc != 0 {
			C.sd_pipeline_free(pipe)
			return 0, fmt.Errorf("sd_pipeline_attach(%s) failed: %d", kind, int(rc))
		}
	}

	b.next++
	b.pipelines[b.next] = pipe
	return b.next, nil
}

func (b *sdcppBinding) FreePipeline(h Handle) error {
	b.mu.Lock()
	pipe, ok := b.pipelines[h]
	delete(b.pipelines, h)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pipeline handle %d", h)
	}
	C.sd_pipeline_free(pipe)
	return nil
}

func (b *sdcppBinding) Inpaint(ctx context.Context, h Handle, job InpaintJob) (image.Image, error) {
	pipe, err := b.pipeline(h)
	if err != nil {
		return nil, err
	}

	bounds := job.Image.Bounds()
	w, h2 := bounds.Dx(), bounds.Dy()
	rgb := packRGB(job.Image)
	maskPix := job.Mask.Pix

	cPrompt := C.CString(job.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegative := C.CString(job.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegative))
	cSampler := C.CString(job.Sampler)
	defer C.free(unsafe.Pointer(cSampler))

	// The native call is not cancellable; honor a done context before
	// committing to the forward pass.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := C.sd_pipeline_inpaint(
		pipe,
		(*C.uint8_t)(unsafe.Pointer(&rgb[0])), C.int(w), C.int(h2),
		(*C.uint8_t)(unsafe.Pointer(&maskPix[0])),
		cPrompt, cNegative,
		C.int(job.Steps), C.float(job.GuidanceScale), C.int64_t(job.Seed), cSampler,
	)
	if out == nil {
		return nil, fmt.Errorf("sd_pipeline_inpaint failed")
	}
	defer C.sd_image_free(out)

	return unpackRGB(unsafe.Slice((*byte)(unsafe.Pointer(out.data)), w*h2*3), w, h2), nil
}

func (b *sdcppBinding) SetFreeU(h Handle, s1, s2, b1, b2 float32) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	if rc := C.sd_pipeline_set_freeu(pipe, C.float(s1), C.float(s2), C.float(b1), C.float(b2)); rc != 0 {
		return fmt.Errorf("sd_pipeline_set_freeu failed: %d", int(rc))
	}
	return nil
}

func (b *sdcppBinding) ClearFreeU(h Handle) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	if rc := C.sd_pipeline_clear_freeu(pipe); rc != 0 {
		return fmt.Errorf("sd_pipeline_clear_freeu failed: %d", int(rc))
	}
	return nil
}

func (b *sdcppBinding) LoadLora(h Handle, path string, scale float32) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	if rc := C.sd_pipeline_load_lora(pipe, cPath, C.float(scale)); rc != 0 {
		return fmt.Errorf("sd_pipeline_load_lora(%s) failed: %d", path, int(rc))
	}
	return nil
}

func (b *sdcppBinding) SetLoraEnabled(h Handle, enabled bool) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	if rc := C.sd_pipeline_set_lora_enabled(pipe, C.bool(enabled)); rc != 0 {
		return fmt.Errorf("sd_pipeline_set_lora_enabled failed: %d", int(rc))
	}
	return nil
}

func (b *sdcppBinding) AttachControlNet(h Handle, path string) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	if rc := C.sd_pipeline_attach_controlnet(pipe, cPath); rc != 0 {
		return fmt.Errorf("sd_pipeline_attach_controlnet(%s) failed: %d", path, int(rc))
	}
	return nil
}

func (b *sdcppBinding) DetachControlNet(h Handle) error {
	pipe, err := b.pipeline(h)
	if err != nil {
		return err
	}
	if rc := C.sd_pipeline_detach_controlnet(pipe); rc != 0 {
		return fmt.Errorf("sd_pipeline_detach_controlnet failed: %d", int(rc))
	}
	return nil
}

func (b *sdcppBinding) pipeline(h Handle) (*C.sd_pipeline_t, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pipe, ok := b.pipelines[h]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline handle %d", h)
	}
	return pipe, nil
}
