package manager

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log.WithField("component", "manager-test")
}

func testDescriptors() []models.Descriptor {
	return []models.Descriptor{
		{
			Name:               "sd-v1-5-inpainting.safetensors",
			Kind:               models.KindSDInpaint,
			SupportsControlNet: true,
			SupportsFreeU:      true,
			SupportsLCMLora:    true,
			ControlNets:        []string{"canny", "depth", "openpose", "inpaint"},
		},
		{
			Name:               "sdxl-inpainting.safetensors",
			Kind:               models.KindSDXLInpaint,
			SupportsControlNet: true,
			SupportsFreeU:      true,
			SupportsLCMLora:    true,
			ControlNets:        []string{"canny", "depth"},
		},
		{
			Name: "lama",
			Kind: models.KindErase,
		},
	}
}

type fakeCatalog struct {
	descriptors []models.Descriptor
}

func (c *fakeCatalog) Refresh(_ context.Context) ([]models.Descriptor, error) {
	return c.descriptors, nil
}

// mockBackend records every lifecycle call made against it.
type mockBackend struct {
	name             string
	method           string
	freeUCalls       []inference.FreeUParams
	freeUDisables    int
	methodSwitches   int
	loraState        inference.LoraState
	loraLoads        int
	loraEnables      int
	loraDisables     int
	comps            *diffusion.Components
	closed           bool
	invokeErr        error
	switchMethodErr  error
	invocationCount  int
	lastInvokedImage image.Image
	lastInvokedMask  *image.Gray
}

func (b *mockBackend) Name() string { return b.name }

func (b *mockBackend) Invoke(_ context.Context, img image.Image, mask *image.Gray, _ *inference.InpaintRequest) (image.Image, error) {
	if b.invokeErr != nil {
		return nil, b.invokeErr
	}
	b.invocationCount++
	b.lastInvokedImage = img
	b.lastInvokedMask = mask
	out := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	out.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	return out, nil
}

func (b *mockBackend) SwitchControlNetMethod(_ context.Context, method string) error {
	if b.switchMethodErr != nil {
		return b.switchMethodErr
	}
	b.methodSwitches++
	b.method = method
	return nil
}

func (b *mockBackend) SetFreeU(params inference.FreeUParams) error {
	b.freeUCalls = append(b.freeUCalls, params)
	return nil
}

func (b *mockBackend) DisableFreeU() error {
	b.freeUDisables++
	return nil
}

func (b *mockBackend) LoraState() inference.LoraState { return b.loraState }

func (b *mockBackend) LoadLora(_ context.Context, _ string, _ bool) error {
	if b.loraState != inference.LoraUnloaded {
		return errors.New("adapter already resident")
	}
	b.loraLoads++
	b.loraState = inference.LoraEnabled
	return nil
}

func (b *mockBackend) EnableLora() error {
	b.loraEnables++
	b.loraState = inference.LoraEnabled
	return nil
}

func (b *mockBackend) DisableLora() error {
	b.loraDisables++
	b.loraState = inference.LoraDisabled
	return nil
}

func (b *mockBackend) Components() *diffusion.Components { return b.comps }

func (b *mockBackend) Close() error {
	b.closed = true
	return nil
}

type buildRecord struct {
	model  string
	device inference.DeviceKind
	method string
	shared *diffusion.Components
}

// mockFactory builds mock backends and records every construction request.
type mockFactory struct {
	builds   []buildRecord
	backends []*mockBackend
	// failures maps model names to construction errors. An entry is consumed
	// on first use so rollbacks can succeed after a failed switch.
	failures map[string]error
	// persistentFailures fail every build for a model.
	persistentFailures map[string]error
}

func (f *mockFactory) build(
	_ context.Context,
	_ logging.Logger,
	desc *models.Descriptor,
	device inference.DeviceKind,
	method string,
	_ *backends.Config,
	shared *diffusion.Components,
) (inference.Backend, error) {
	f.builds = append(f.builds, buildRecord{model: desc.Name, device: device, method: method, shared: shared})
	if err, ok := f.persistentFailures[desc.Name]; ok {
		return nil, err
	}
	if err, ok := f.failures[desc.Name]; ok {
		delete(f.failures, desc.Name)
		return nil, err
	}
	backend := &mockBackend{name: "mock", method: method, comps: shared}
	f.backends = append(f.backends, backend)
	return backend, nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *mockFactory) {
	t.Helper()
	factory := &mockFactory{
		failures:           map[string]error{},
		persistentFailures: map[string]error{},
	}
	if cfg.Model == "" {
		cfg.Model = "sd-v1-5-inpainting.safetensors"
	}
	if cfg.Device == "" {
		cfg.Device = inference.DeviceCPU
	}
	cfg.Catalog = &fakeCatalog{descriptors: testDescriptors()}
	cfg.Build = factory.build
	m, err := New(context.Background(), testLogger(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, factory
}

func (f *mockFactory) active() *mockBackend {
	return f.backends[len(f.backends)-1]
}

func testImage() (image.Image, *image.Gray) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	return img, mask
}

func TestNewUnknownModel(t *testing.T) {
	_, err := New(context.Background(), testLogger(), Config{
		Model:   "no-such-model",
		Device:  inference.DeviceCPU,
		Catalog: &fakeCatalog{descriptors: testDescriptors()},
		Build:   (&mockFactory{}).build,
	})
	if !errors.Is(err, inference.ErrUnsupportedModel) {
		t.Errorf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestNewDefaultsControlNetMethod(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if _, method := m.ControlNetState(); method != "canny" {
		t.Errorf("expected default method canny, got %q", method)
	}
}

func TestInvokeReturnsBGR(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	img, mask := testImage()

	result, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	// The mock paints a single RGB(10,20,30) pixel; the wire layout is
	// interleaved BGR and the dimensions describe the output, not the 2x2
	// input.
	expected := []byte{30, 20, 10}
	if len(result.BGR) != len(expected) {
		t.Fatalf("expected %d bytes, got %d", len(expected), len(result.BGR))
	}
	for i := range expected {
		if result.BGR[i] != expected[i] {
			t.Fatalf("expected BGR %v, got %v", expected, result.BGR)
		}
	}
	if result.Width != 1 || result.Height != 1 {
		t.Errorf("expected output dimensions 1x1, got %dx%d", result.Width, result.Height)
	}
}

func TestInvokeResamplesMismatchedMask(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	backend := factory.active()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	// Mask the top-left quadrant so the region survives downsampling.
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}

	if _, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	got := backend.lastInvokedMask
	if got.Bounds().Dx() != 2 || got.Bounds().Dy() != 2 {
		t.Fatalf("mask not resampled to the image size: %v", got.Bounds())
	}
	if got.GrayAt(0, 0).Y != 255 {
		t.Error("resampling lost the masked region")
	}
}

func TestSwitchSameModelIsNoOp(t *testing.T) {
	m, factory := newTestManager(t, Config{})

	if err := m.Switch(context.Background(), m.Model()); err != nil {
		t.Fatalf("same-model switch failed: %v", err)
	}
	if len(factory.builds) != 1 {
		t.Errorf("same-model switch rebuilt the backend: %d builds", len(factory.builds))
	}
	if factory.active().closed {
		t.Error("same-model switch closed the active backend")
	}
}

func TestSwitchUnknownModel(t *testing.T) {
	m, factory := newTestManager(t, Config{})

	err := m.Switch(context.Background(), "no-such-model")
	if !errors.Is(err, inference.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
	if m.Model() != "sd-v1-5-inpainting.safetensors" {
		t.Errorf("unknown-model switch changed the active model to %s", m.Model())
	}
	if len(factory.builds) != 1 || factory.active().closed {
		t.Error("unknown-model switch touched the active backend")
	}
}

func TestSwitchSuccess(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	first := factory.active()

	if err := m.Switch(context.Background(), "sdxl-inpainting.safetensors"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if m.Model() != "sdxl-inpainting.safetensors" {
		t.Errorf("active model is %s", m.Model())
	}
	if !first.closed {
		t.Error("previous backend was not released")
	}
	img, mask := testImage()
	if _, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{}); err != nil {
		t.Errorf("invoke after switch failed: %v", err)
	}
}

func TestSwitchFailureRestoresPrevious(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	factory.failures["sdxl-inpainting.safetensors"] = errors.New("load blew up")

	err := m.Switch(context.Background(), "sdxl-inpainting.safetensors")
	var switchErr *SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("expected SwitchError, got %v", err)
	}
	if m.Model() != "sd-v1-5-inpainting.safetensors" {
		t.Errorf("active model is %s after failed switch", m.Model())
	}
	// The manager must be fully usable on the restored model.
	img, mask := testImage()
	if _, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{}); err != nil {
		t.Errorf("invoke after restored switch failed: %v", err)
	}
	// Two reconciler-visible methods preserved across the rollback.
	if _, method := m.ControlNetState(); method != "canny" {
		t.Errorf("method changed across failed switch: %q", method)
	}
}

func TestSwitchRollbackFailureLatchesFatal(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	factory.persistentFailures["sdxl-inpainting.safetensors"] = errors.New("load blew up")
	factory.persistentFailures["sd-v1-5-inpainting.safetensors"] = errors.New("restore blew up")

	err := m.Switch(context.Background(), "sdxl-inpainting.safetensors")
	var rollbackErr *RollbackError
	if !errors.As(err, &rollbackErr) {
		t.Fatalf("expected RollbackError, got %v", err)
	}
	if !m.Failed() {
		t.Error("manager did not latch the fatal state")
	}

	img, mask := testImage()
	if _, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{}); !errors.Is(err, ErrManagerFailed) {
		t.Errorf("expected ErrManagerFailed from Invoke, got %v", err)
	}
	if err := m.Switch(context.Background(), "lama"); !errors.Is(err, ErrManagerFailed) {
		t.Errorf("expected ErrManagerFailed from Switch, got %v", err)
	}
}

func TestSwitchResetsIncompatibleMethod(t *testing.T) {
	m, factory := newTestManager(t, Config{EnableControlNet: true, ControlNetMethod: "openpose"})

	if _, method := m.ControlNetState(); method != "openpose" {
		t.Fatalf("expected pinned method openpose, got %q", method)
	}
	if err := m.Switch(context.Background(), "sdxl-inpainting.safetensors"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	// SDXL has no openpose conditioning model; the method falls back to the
	// new model's first compatible one.
	if _, method := m.ControlNetState(); method != "canny" {
		t.Errorf("expected method reset to canny, got %q", method)
	}
	last := factory.builds[len(factory.builds)-1]
	if last.method != "canny" {
		t.Errorf("replacement built with method %q", last.method)
	}
}

func TestSwitchPreservesCompatibleMethod(t *testing.T) {
	m, _ := newTestManager(t, Config{EnableControlNet: true, ControlNetMethod: "depth"})

	if err := m.Switch(context.Background(), "sdxl-inpainting.safetensors"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if _, method := m.ControlNetState(); method != "depth" {
		t.Errorf("compatible method was not preserved: %q", method)
	}
}

func TestFreeUReconciliation(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	backend := factory.active()
	img, mask := testImage()
	ctx := context.Background()

	params := inference.FreeUParams{S1: 0.9, S2: 0.2, B1: 1.2, B2: 1.4}
	req := &inference.InpaintRequest{EnableFreeU: true, FreeU: params}
	if _, err := m.Invoke(ctx, img, mask, req); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Invoke(ctx, img, mask, req); err != nil {
		t.Fatal(err)
	}
	// Tuning is applied per call; the engine treats identical parameters as
	// a no-op, so repeated application must not error or drift.
	if len(backend.freeUCalls) != 2 {
		t.Fatalf("expected 2 SetFreeU calls, got %d", len(backend.freeUCalls))
	}

	latest := inference.FreeUParams{S1: 0.6, S2: 0.4, B1: 1.1, B2: 1.3}
	if _, err := m.Invoke(ctx, img, mask, &inference.InpaintRequest{EnableFreeU: true, FreeU: latest}); err != nil {
		t.Fatal(err)
	}
	if got := backend.freeUCalls[len(backend.freeUCalls)-1]; got != latest {
		t.Errorf("latest parameters not applied: %+v", got)
	}

	if _, err := m.Invoke(ctx, img, mask, &inference.InpaintRequest{}); err != nil {
		t.Fatal(err)
	}
	if backend.freeUDisables != 1 {
		t.Errorf("expected an explicit DisableFreeU, got %d", backend.freeUDisables)
	}
}

func TestFreeUDefaultsWhenParamsUnset(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	backend := factory.active()
	img, mask := testImage()

	req := &inference.InpaintRequest{EnableFreeU: true}
	if _, err := m.Invoke(context.Background(), img, mask, req); err != nil {
		t.Fatal(err)
	}
	if len(backend.freeUCalls) != 1 {
		t.Fatalf("expected one SetFreeU call, got %d", len(backend.freeUCalls))
	}
	if got := backend.freeUCalls[0]; got != inference.DefaultFreeUParams() {
		t.Errorf("zero-valued parameters not replaced by defaults: %+v", got)
	}
}

func TestFreeUSkippedOnMPS(t *testing.T) {
	m, factory := newTestManager(t, Config{Device: inference.DeviceMPS})
	backend := factory.active()
	img, mask := testImage()

	req := &inference.InpaintRequest{EnableFreeU: true, FreeU: inference.DefaultFreeUParams()}
	if _, err := m.Invoke(context.Background(), img, mask, req); err != nil {
		t.Fatal(err)
	}
	if len(backend.freeUCalls) != 0 || backend.freeUDisables != 0 {
		t.Error("FreeU reconciliation touched the backend on MPS")
	}
}

func TestLoraSingleLoad(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	backend := factory.active()
	img, mask := testImage()
	ctx := context.Background()

	enable := &inference.InpaintRequest{EnableLCMLora: true}
	if _, err := m.Invoke(ctx, img, mask, enable); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Invoke(ctx, img, mask, enable); err != nil {
		t.Fatal(err)
	}
	if backend.loraLoads != 1 {
		t.Errorf("expected exactly one adapter load, got %d", backend.loraLoads)
	}

	if _, err := m.Invoke(ctx, img, mask, &inference.InpaintRequest{}); err != nil {
		t.Fatal(err)
	}
	if backend.loraDisables != 1 {
		t.Errorf("expected a disable transition, got %d", backend.loraDisables)
	}

	if _, err := m.Invoke(ctx, img, mask, enable); err != nil {
		t.Fatal(err)
	}
	if backend.loraLoads != 1 {
		t.Errorf("re-enable reloaded the adapter: %d loads", backend.loraLoads)
	}
	if backend.loraEnables != 1 {
		t.Errorf("expected a cheap re-enable, got %d", backend.loraEnables)
	}
}

func TestControlNetMethodSwitchIsCheap(t *testing.T) {
	m, factory := newTestManager(t, Config{EnableControlNet: true})
	backend := factory.active()
	img, mask := testImage()

	req := &inference.InpaintRequest{EnableControlNet: true, ControlNetMethod: "depth"}
	if _, err := m.Invoke(context.Background(), img, mask, req); err != nil {
		t.Fatal(err)
	}
	if backend.methodSwitches != 1 {
		t.Errorf("expected one method switch, got %d", backend.methodSwitches)
	}
	if len(factory.builds) != 1 {
		t.Errorf("method change rebuilt the pipeline: %d builds", len(factory.builds))
	}
	if _, method := m.ControlNetState(); method != "depth" {
		t.Errorf("method not updated: %q", method)
	}
}

func TestControlNetRejectsIncompatibleMethod(t *testing.T) {
	m, factory := newTestManager(t, Config{
		Model:            "sdxl-inpainting.safetensors",
		EnableControlNet: true,
	})
	backend := factory.active()
	img, mask := testImage()

	// SDXL offers only canny and depth; a request naming openpose must be
	// rejected without touching the backend or the recorded method.
	req := &inference.InpaintRequest{EnableControlNet: true, ControlNetMethod: "openpose"}
	if _, err := m.Invoke(context.Background(), img, mask, req); err == nil {
		t.Fatal("expected incompatible method to be rejected")
	}
	if backend.methodSwitches != 0 {
		t.Errorf("incompatible method reached the backend: %d switches", backend.methodSwitches)
	}
	if _, method := m.ControlNetState(); method != "canny" {
		t.Errorf("incompatible method was recorded: %q", method)
	}

	// The manager stays usable with a compatible method afterwards.
	req = &inference.InpaintRequest{EnableControlNet: true, ControlNetMethod: "depth"}
	if _, err := m.Invoke(context.Background(), img, mask, req); err != nil {
		t.Fatalf("compatible method after rejection failed: %v", err)
	}
	if _, method := m.ControlNetState(); method != "depth" {
		t.Errorf("compatible method not recorded: %q", method)
	}
}

func TestControlNetToggleRebuildsWithSharedComponents(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	first := factory.active()
	comps := &diffusion.Components{}
	first.comps = comps
	img, mask := testImage()

	req := &inference.InpaintRequest{EnableControlNet: true}
	if _, err := m.Invoke(context.Background(), img, mask, req); err != nil {
		t.Fatal(err)
	}
	if len(factory.builds) != 2 {
		t.Fatalf("expected a toggle rebuild, got %d builds", len(factory.builds))
	}
	rebuild := factory.builds[1]
	if rebuild.shared != comps {
		t.Error("toggle rebuild did not pass the live component bundle")
	}
	if rebuild.method != "canny" {
		t.Errorf("toggle rebuild used method %q", rebuild.method)
	}
	if !first.closed {
		t.Error("previous backend was not released after the toggle rebuild")
	}
	if enabled, _ := m.ControlNetState(); !enabled {
		t.Error("conditioning pathway not recorded as enabled")
	}
}

func TestControlNetToggleFailurePreservesState(t *testing.T) {
	m, factory := newTestManager(t, Config{})
	first := factory.active()
	factory.persistentFailures["sd-v1-5-inpainting.safetensors"] = errors.New("rebuild blew up")
	img, mask := testImage()

	req := &inference.InpaintRequest{EnableControlNet: true}
	if _, err := m.Invoke(context.Background(), img, mask, req); err == nil {
		t.Fatal("expected toggle rebuild failure to propagate")
	}
	if first.closed {
		t.Error("failed toggle rebuild released the active backend")
	}
	if enabled, _ := m.ControlNetState(); enabled {
		t.Error("failed toggle recorded the pathway as enabled")
	}
	// The manager stays usable on the old backend.
	delete(factory.persistentFailures, "sd-v1-5-inpainting.safetensors")
	if _, err := m.Invoke(context.Background(), img, mask, &inference.InpaintRequest{}); err != nil {
		t.Errorf("invoke after failed toggle: %v", err)
	}
}

func TestDeviceRemapForIncompatibleModels(t *testing.T) {
	factory := &mockFactory{}
	_, err := New(context.Background(), testLogger(), Config{
		Model:   "lama",
		Device:  inference.DeviceMPS,
		Catalog: &fakeCatalog{descriptors: testDescriptors()},
		Build:   factory.build,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if factory.builds[0].device != inference.DeviceCPU {
		t.Errorf("expected MPS-incompatible model remapped to cpu, got %s", factory.builds[0].device)
	}
}

func TestEndToEndScenario(t *testing.T) {
	// Start on SD 1.x with conditioning enabled, inpaint, switch to SDXL,
	// inpaint with a different conditioning method.
	m, factory := newTestManager(t, Config{EnableControlNet: true})
	img, mask := testImage()
	ctx := context.Background()

	if _, err := m.Invoke(ctx, img, mask, &inference.InpaintRequest{EnableControlNet: true}); err != nil {
		t.Fatal(err)
	}

	if err := m.Switch(ctx, "sdxl-inpainting.safetensors"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if len(factory.builds) != 2 {
		t.Fatalf("expected exactly one rebuild for the switch, got %d builds", len(factory.builds))
	}

	backend := factory.active()
	if _, err := m.Invoke(ctx, img, mask, &inference.InpaintRequest{EnableControlNet: true, ControlNetMethod: "depth"}); err != nil {
		t.Fatal(err)
	}
	if backend.methodSwitches != 1 {
		t.Errorf("expected a cheap method switch on the new backend, got %d", backend.methodSwitches)
	}
	if len(factory.builds) != 2 {
		t.Errorf("method change after switch rebuilt the pipeline: %d builds", len(factory.builds))
	}
	if _, method := m.ControlNetState(); method != "depth" {
		t.Errorf("final method is %q", method)
	}
}
