//go:build !sdcpp

package diffusion

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"
)

// stubBinding is the engine used when the native library is not linked in. It
// tracks resource state in memory and validates weight paths, but cannot
// generate pixels. This keeps backend construction, hot-swap and feature
// reconciliation testable on any machine.
type stubBinding struct {
	mu     sync.Mutex
	next   Handle
	opened map[Handle]string
}

func newNativeBinding() binding {
	return &stubBinding{opened: make(map[Handle]string)}
}

func (b *stubBinding) allocate(desc string) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.opened[b.next] = desc
	return b.next
}

func (b *stubBinding) release(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.opened[h]; !ok {
		return fmt.Errorf("unknown engine handle %d", h)
	}
	delete(b.opened, h)
	return nil
}

func (b *stubBinding) LoadComponent(checkpointPath string, kind ComponentKind) (Handle, error) {
	if _, err := os.Stat(checkpointPath); err != nil {
		return 0, fmt.Errorf("open checkpoint %s: %w", checkpointPath, err)
	}
	return b.allocate(checkpointPath + "#" + string(kind)), nil
}

func (b *stubBinding) FreeComponent(h Handle) error { return b.release(h) }

func (b *stubBinding) NewPipeline(spec PipelineSpec) (Handle, error) {
	if len(spec.Components) == 0 {
		return 0, fmt.Errorf("pipeline spec has no components")
	}
	b.mu.Lock()
	for kind, h := range spec.Components {
		if _, ok := b.opened[h]; !ok {
			b.mu.Unlock()
			return 0, fmt.Errorf("pipeline spec references freed %s handle %d", kind, h)
		}
	}
	b.mu.Unlock()
	return b.allocate("pipeline@" + spec.Device), nil
}

func (b *stubBinding) FreePipeline(h Handle) error { return b.release(h) }

func (b *stubBinding) Inpaint(_ context.Context, _ Handle, _ InpaintJob) (image.Image, error) {
	return nil, ErrEngineUnavailable
}

func (b *stubBinding) SetFreeU(pipe Handle, _, _, _, _ float32) error {
	return b.check(pipe)
}

func (b *stubBinding) ClearFreeU(pipe Handle) error { return b.check(pipe) }

func (b *stubBinding) LoadLora(pipe Handle, path string, _ float32) error {
	if err := b.check(pipe); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open lora weights %s: %w", path, err)
	}
	return nil
}

func (b *stubBinding) SetLoraEnabled(pipe Handle, _ bool) error { return b.check(pipe) }

func (b *stubBinding) AttachControlNet(pipe Handle, path string) error {
	if err := b.check(pipe); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("empty controlnet weights path")
	}
	return nil
}

func (b *stubBinding) DetachControlNet(pipe Handle) error { return b.check(pipe) }

func (b *stubBinding) check(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.opened[h]; !ok {
		return fmt.Errorf("unknown engine handle %d", h)
	}
	return nil
}
