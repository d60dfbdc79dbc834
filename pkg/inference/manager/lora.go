package manager

import (
	"context"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/backends"
)

// reconcileLora brings the adapter weights in line with the request. The
// backend reports an explicit tri-state; the transition table is:
// unloaded+enable loads (at most once per backend instance), disabled+enable
// re-activates the resident weights, enabled+disable deactivates without
// unloading, unloaded+disable does nothing.
func (m *Manager) reconcileLora(ctx context.Context, req *inference.InpaintRequest) error {
	if !m.desc.SupportsLCMLora {
		return nil
	}
	state := m.backend.LoraState()
	if req.EnableLCMLora {
		switch state {
		case inference.LoraUnloaded:
			return m.backend.LoadLora(ctx, backends.LCMLoraArtifact(m.desc.Kind), m.offlineOnly)
		case inference.LoraDisabled:
			return m.backend.EnableLora()
		default:
			return nil
		}
	}
	if state == inference.LoraEnabled {
		return m.backend.DisableLora()
	}
	return nil
}
