package diffusers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log.WithField("component", "diffusers-test")
}

// testBackend builds an SD backend over a throwaway checkpoint with the named
// artifacts pre-cached in the weights store.
func testBackend(t *testing.T, cached ...string) *Backend {
	t.Helper()
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "sd-v1-5.safetensors")
	if err := os.WriteFile(checkpoint, []byte("checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The store flattens id separators into underscores under its root.
	weightsRoot := t.TempDir()
	for _, id := range cached {
		flat := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(id)
		path := filepath.Join(weightsRoot, flat+".safetensors")
		if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store := weights.NewStore(testLogger(), weightsRoot, nil)

	backend, err := New(context.Background(), testLogger(), Options{
		Name: "sd",
		Descriptor: &models.Descriptor{
			Name:               "sd-v1-5.safetensors",
			Kind:               models.KindSD,
			Path:               checkpoint,
			SupportsControlNet: true,
			ControlNets:        []string{"canny", "depth"},
		},
		Device:      inference.DeviceCPU,
		OfflineOnly: true,
		Weights:     store,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestLoadLoraOnce(t *testing.T) {
	backend := testBackend(t, "latent-consistency/lcm-lora-sdv1-5")
	ctx := context.Background()

	if backend.LoraState() != inference.LoraUnloaded {
		t.Fatalf("fresh backend reports %s", backend.LoraState())
	}
	if err := backend.LoadLora(ctx, "latent-consistency/lcm-lora-sdv1-5", true); err != nil {
		t.Fatal(err)
	}
	if backend.LoraState() != inference.LoraEnabled {
		t.Errorf("expected loaded-enabled, got %s", backend.LoraState())
	}

	// Loading the same adapter again is a cheap re-enable, not a reload.
	if err := backend.LoadLora(ctx, "latent-consistency/lcm-lora-sdv1-5", true); err != nil {
		t.Errorf("repeat load failed: %v", err)
	}

	// A different adapter on a live backend is refused.
	if err := backend.LoadLora(ctx, "some/other-lora", true); err == nil {
		t.Error("expected second adapter load to be refused")
	}
}

func TestLoraToggleTransitions(t *testing.T) {
	backend := testBackend(t, "latent-consistency/lcm-lora-sdv1-5")
	ctx := context.Background()

	if err := backend.EnableLora(); err == nil {
		t.Error("enable without resident weights must fail")
	}
	if err := backend.DisableLora(); err != nil {
		t.Errorf("disable on unloaded backend must be a no-op: %v", err)
	}

	if err := backend.LoadLora(ctx, "latent-consistency/lcm-lora-sdv1-5", true); err != nil {
		t.Fatal(err)
	}
	if err := backend.DisableLora(); err != nil {
		t.Fatal(err)
	}
	if backend.LoraState() != inference.LoraDisabled {
		t.Errorf("expected loaded-disabled, got %s", backend.LoraState())
	}
	if err := backend.EnableLora(); err != nil {
		t.Fatal(err)
	}
	if backend.LoraState() != inference.LoraEnabled {
		t.Errorf("expected loaded-enabled, got %s", backend.LoraState())
	}
}

func TestLoadLoraOffline(t *testing.T) {
	backend := testBackend(t)

	err := backend.LoadLora(context.Background(), "latent-consistency/lcm-lora-sdv1-5", true)
	if !errors.Is(err, weights.ErrOfflineOnly) {
		t.Errorf("expected ErrOfflineOnly, got %v", err)
	}
	if backend.LoraState() != inference.LoraUnloaded {
		t.Errorf("failed load left state %s", backend.LoraState())
	}
}

func TestControlNetArtifactByFamily(t *testing.T) {
	if got := ControlNetArtifact(models.KindSD, "canny"); got != "controlnet/canny-sd15" {
		t.Errorf("SD artifact %q", got)
	}
	if got := ControlNetArtifact(models.KindSDXLInpaint, "depth"); got != "controlnet/depth-sdxl" {
		t.Errorf("SDXL artifact %q", got)
	}
}
