// Package manager implements the model lifecycle manager: it owns the single
// active inpainting backend, reconciles per-request feature toggles against
// it, and hot-swaps backends with rollback on failure.
package manager

import (
	"context"
	"fmt"
	"image"

	"github.com/inpaint-labs/inpaint-runner/pkg/diffusion"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/memory"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

// Catalog is the portion of the model catalog the manager consumes. The
// manager takes one snapshot at construction; later store changes are
// invisible until the owning process builds a new manager.
type Catalog interface {
	Refresh(ctx context.Context) ([]models.Descriptor, error)
}

// BuildFunc constructs a backend for a descriptor. It matches backends.Build;
// tests substitute probes.
type BuildFunc func(
	ctx context.Context,
	log logging.Logger,
	desc *models.Descriptor,
	device inference.DeviceKind,
	controlNetMethod string,
	cfg *backends.Config,
	shared *diffusion.Components,
) (inference.Backend, error)

// Config configures a Manager. It is validated once by New and never mutated
// afterwards.
type Config struct {
	// Model is the initially active model name.
	Model string
	// Device is the requested accelerator. Individual models may be remapped
	// off MPS when known incompatible.
	Device inference.DeviceKind
	// EnableControlNet activates the conditioning pathway at startup.
	EnableControlNet bool
	// ControlNetMethod pins the initial conditioning method. Empty selects
	// the model's first compatible method.
	ControlNetMethod string
	// OfflineOnly forbids network fetches during weight resolution.
	OfflineOnly bool
	// VAETiling enables tiled VAE decode on all built pipelines.
	VAETiling bool
	// Catalog supplies model descriptors.
	Catalog Catalog
	// Weights resolves auxiliary weight artifacts.
	Weights *weights.Store
	// Memory, when non-nil, gates backend builds on an admission estimate.
	Memory memory.Estimator
	// Build overrides the backend factory. Nil means backends.Build.
	Build BuildFunc
}

// Manager owns the single active backend. Its methods are not safe for
// concurrent use: callers serialize Invoke and Switch externally (the HTTP
// layer funnels both through a guard, see ServeHTTP).
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// catalog is the descriptor snapshot taken at construction, by name.
	catalog map[string]models.Descriptor
	// build constructs backends.
	build BuildFunc
	// buildCfg carries the construction inputs shared by all builds.
	buildCfg *backends.Config
	// device is the requested accelerator before per-model remapping.
	device inference.DeviceKind
	// offlineOnly forbids network fetches during reconciliation.
	offlineOnly bool

	// name is the active model name.
	name string
	// desc is the active model descriptor.
	desc models.Descriptor
	// activeDevice is the accelerator the active backend runs on after
	// per-model remapping.
	activeDevice inference.DeviceKind
	// backend is the active backend. Nil only after a failed rollback.
	backend inference.Backend
	// controlnetEnabled records whether the conditioning pathway is active.
	controlnetEnabled bool
	// controlnetMethod is the selected conditioning method. Set whenever the
	// active model supports ControlNet, even while disabled.
	controlnetMethod string
	// fatal is the latched rollback failure. Non-nil means every operation
	// fails fast with ErrManagerFailed.
	fatal error

	// guard serializes HTTP access to the manager.
	guard chan struct{}
}

// New creates a manager and loads the initial backend. The catalog is
// scanned once; cfg.Model must name one of its entries.
func New(ctx context.Context, log logging.Logger, cfg Config) (*Manager, error) {
	descriptors, err := cfg.Catalog.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning model catalog: %w", err)
	}
	catalog := make(map[string]models.Descriptor, len(descriptors))
	for _, desc := range descriptors {
		catalog[desc.Name] = desc
	}

	desc, ok := catalog[cfg.Model]
	if !ok {
		return nil, inference.UnsupportedModelError(cfg.Model)
	}

	build := cfg.Build
	if build == nil {
		build = backends.Build
	}

	m := &Manager{
		log:     log,
		catalog: catalog,
		build:   build,
		buildCfg: &backends.Config{
			VAETiling:   cfg.VAETiling,
			OfflineOnly: cfg.OfflineOnly,
			Weights:     cfg.Weights,
			Memory:      cfg.Memory,
		},
		device:            cfg.Device,
		offlineOnly:       cfg.OfflineOnly,
		name:              desc.Name,
		desc:              desc,
		controlnetEnabled: cfg.EnableControlNet,
		controlnetMethod:  defaultMethod(desc, cfg.ControlNetMethod),
		guard:             make(chan struct{}, 1),
	}

	backend, device, err := m.buildFor(ctx, desc, nil)
	if err != nil {
		return nil, fmt.Errorf("loading initial model %s: %w", desc.Name, err)
	}
	m.backend = backend
	m.activeDevice = device
	m.log.Infof("Loaded %s (%s backend) on %s", desc.Name, backend.Name(), device)
	return m, nil
}

// defaultMethod resolves the conditioning method for a descriptor: the pinned
// method when compatible, otherwise the descriptor's first compatible method,
// otherwise empty.
func defaultMethod(desc models.Descriptor, pinned string) string {
	if !desc.SupportsControlNet || len(desc.ControlNets) == 0 {
		return ""
	}
	for _, method := range desc.ControlNets {
		if method == pinned {
			return pinned
		}
	}
	return desc.ControlNets[0]
}

// buildFor constructs a backend for desc, applying the per-model device remap
// and the manager's conditioning state. Returns the backend and the effective
// device.
func (m *Manager) buildFor(ctx context.Context, desc models.Descriptor, shared *diffusion.Components) (inference.Backend, inference.DeviceKind, error) {
	device := inference.SwitchMPSDevice(desc.Name, m.device)
	method := ""
	if m.controlnetEnabled && desc.SupportsControlNet {
		method = m.controlnetMethod
	}
	backend, err := m.build(ctx, m.log, &desc, device, method, m.buildCfg, shared)
	if err != nil {
		return nil, device, err
	}
	return backend, device, nil
}

// Model returns the active model name.
func (m *Manager) Model() string {
	return m.name
}

// ControlNetState reports the conditioning pathway state: whether it is
// enabled and the selected method.
func (m *Manager) ControlNetState() (bool, string) {
	return m.controlnetEnabled, m.controlnetMethod
}

// Failed reports whether the manager has latched a fatal rollback failure.
func (m *Manager) Failed() bool {
	return m.fatal != nil
}

// Invoke reconciles the request's feature toggles against the active backend
// (conditioning pathway, then sampling tuning, then adapter weights), runs one
// inpainting pass, and returns the result as interleaved BGR bytes with its
// dimensions. A mask whose size differs from the image is resampled first.
// Reconciliation failures propagate without retry; the next call reconciles
// again from the backend's actual state.
func (m *Manager) Invoke(ctx context.Context, img image.Image, mask *image.Gray, req *inference.InpaintRequest) (*inference.Result, error) {
	if m.fatal != nil {
		return nil, fmt.Errorf("%w: %v", ErrManagerFailed, m.fatal)
	}
	if err := m.reconcileControlNet(ctx, req); err != nil {
		return nil, err
	}
	if err := m.reconcileFreeU(req); err != nil {
		return nil, err
	}
	if err := m.reconcileLora(ctx, req); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	mask = inference.ResampleMask(mask, bounds.Dx(), bounds.Dy())
	out, err := m.backend.Invoke(ctx, img, mask, req)
	if err != nil {
		return nil, err
	}
	return inference.NewResult(out), nil
}

// Switch replaces the active backend with one for the named model. Switching
// to the active model is a no-op. On build failure the previous model is
// restored and a SwitchError returned; if restoration also fails the manager
// latches a fatal state and returns a RollbackError.
func (m *Manager) Switch(ctx context.Context, name string) error {
	if m.fatal != nil {
		return fmt.Errorf("%w: %v", ErrManagerFailed, m.fatal)
	}
	if name == m.name {
		return nil
	}
	next, ok := m.catalog[name]
	if !ok {
		return inference.UnsupportedModelError(name)
	}

	// Checkpoint for rollback.
	previous := m.desc
	previousMethod := m.controlnetMethod

	// The new model may not understand the current conditioning method.
	m.controlnetMethod = defaultMethod(next, m.controlnetMethod)

	// Release the old backend before loading the new one; both will not fit
	// in memory at once.
	if err := m.backend.Close(); err != nil {
		m.log.Warnf("Error releasing backend for %s: %v", m.name, err)
	}
	m.backend = nil

	backend, device, err := m.buildFor(ctx, next, nil)
	if err == nil {
		m.name = next.Name
		m.desc = next
		m.backend = backend
		m.activeDevice = device
		m.log.Infof("Switched to %s (%s backend) on %s", next.Name, backend.Name(), device)
		return nil
	}

	// Roll back to the previous model.
	switchCause := err
	m.controlnetMethod = previousMethod
	restored, device, err := m.buildFor(ctx, previous, nil)
	if err != nil {
		m.fatal = &RollbackError{
			Model:         name,
			Previous:      previous.Name,
			SwitchCause:   switchCause,
			RollbackCause: err,
		}
		m.log.Errorf("%v", m.fatal)
		return m.fatal.(*RollbackError)
	}
	m.backend = restored
	m.activeDevice = device
	m.log.Warnf("Switch to %s failed, restored %s: %v", name, previous.Name, switchCause)
	return &SwitchError{Model: name, Cause: switchCause}
}
