package manager

import (
	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
)

// reconcileFreeU brings the sampling tuning in line with the request. When
// tuning is requested the latest parameters are applied unconditionally
// (reapplying identical parameters is a no-op in the engine); zero-valued
// parameters select the recommended defaults. When tuning is off the pipeline
// is explicitly reset rather than assumed untouched.
func (m *Manager) reconcileFreeU(req *inference.InpaintRequest) error {
	if !m.desc.SupportsFreeU || !m.activeDevice.SupportsFreeU() {
		return nil
	}
	if req.EnableFreeU {
		params := req.FreeU
		if params == (inference.FreeUParams{}) {
			params = inference.DefaultFreeUParams()
		}
		return m.backend.SetFreeU(params)
	}
	return m.backend.DisableFreeU()
}
