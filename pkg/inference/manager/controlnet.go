package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
)

// reconcileControlNet brings the conditioning pathway in line with the
// request. A method change on an already-conditioned backend swaps only the
// conditioning weights; flipping the enabled flag rebuilds the pipeline,
// handing the live component bundle to the factory so the checkpoint is not
// reloaded.
func (m *Manager) reconcileControlNet(ctx context.Context, req *inference.InpaintRequest) error {
	if !m.desc.SupportsControlNet {
		return nil
	}

	method := m.controlnetMethod
	if req.ControlNetMethod != "" {
		if !m.desc.HasControlNet(req.ControlNetMethod) {
			return fmt.Errorf("controlnet method %q is not compatible with %s (compatible: %s)",
				req.ControlNetMethod, m.name, strings.Join(m.desc.ControlNets, ", "))
		}
		method = req.ControlNetMethod
	}

	if req.EnableControlNet == m.controlnetEnabled {
		if m.controlnetEnabled && method != m.controlnetMethod {
			if err := m.backend.SwitchControlNetMethod(ctx, method); err != nil {
				return fmt.Errorf("switching controlnet method to %q: %w", method, err)
			}
			m.controlnetMethod = method
		}
		return nil
	}

	buildMethod := ""
	if req.EnableControlNet {
		buildMethod = method
	}
	shared := m.backend.Components()
	replacement, err := m.build(ctx, m.log, &m.desc, m.activeDevice, buildMethod, m.buildCfg, shared)
	if err != nil {
		return fmt.Errorf("toggling controlnet for %s: %w", m.name, err)
	}
	old := m.backend
	m.backend = replacement
	if err := old.Close(); err != nil {
		m.log.Warnf("Error releasing backend during controlnet toggle: %v", err)
	}
	m.controlnetEnabled = req.EnableControlNet
	m.controlnetMethod = method
	m.log.Infof("ControlNet %s for %s (method %q)", enabledWord(req.EnableControlNet), m.name, method)
	return nil
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
