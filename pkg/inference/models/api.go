package models

// ModelKind categorizes a checkpoint by the pipeline family that can run it.
type ModelKind string

const (
	// KindSDInpaint is a Stable Diffusion 1.x/2.x inpainting checkpoint.
	KindSDInpaint ModelKind = "diffusers_sd_inpaint"
	// KindSD is a general SD 1.x/2.x checkpoint usable for inpainting via
	// masked latent blending.
	KindSD ModelKind = "diffusers_sd"
	// KindSDXLInpaint is an SDXL inpainting checkpoint.
	KindSDXLInpaint ModelKind = "diffusers_sdxl_inpaint"
	// KindSDXL is a general SDXL checkpoint.
	KindSDXL ModelKind = "diffusers_sdxl"
	// KindErase is a single-purpose erase model (LaMa-family) with a
	// dedicated registered implementation.
	KindErase ModelKind = "erase"
)

// Conditioning model sets offered per family. Order matters: the first entry
// is the default method when a model with ControlNet support becomes active
// without a pinned method.
var (
	sdControlNets   = []string{"canny", "depth", "openpose", "inpaint"}
	sdxlControlNets = []string{"canny", "depth"}
)

// Descriptor is the immutable catalog entry for one selectable model. Create
// via Scan; treat as read-only thereafter.
type Descriptor struct {
	// Name is the unique model name (the store-relative file name).
	Name string `json:"name"`
	// Kind is the pipeline family category.
	Kind ModelKind `json:"kind"`
	// Path is the absolute checkpoint path.
	Path string `json:"path"`
	// SizeBytes is the checkpoint file size.
	SizeBytes int64 `json:"size_bytes"`
	// Quantization is the weight storage type ("F16", "Q8_0", "mixed", ...).
	Quantization string `json:"quantization,omitempty"`
	// SupportsControlNet reports whether the auxiliary conditioning pathway
	// is available for this model.
	SupportsControlNet bool `json:"supports_controlnet"`
	// SupportsFreeU reports whether FreeU sampling tuning is available.
	SupportsFreeU bool `json:"supports_freeu"`
	// SupportsLCMLora reports whether the LCM-LoRA adapter is available.
	SupportsLCMLora bool `json:"supports_lcm_lora"`
	// ControlNets is the ordered list of compatible conditioning methods.
	// Non-empty exactly when SupportsControlNet is set.
	ControlNets []string `json:"controlnets,omitempty"`
}

// HasControlNet reports whether method is one of the descriptor's compatible
// conditioning methods.
func (d *Descriptor) HasControlNet(method string) bool {
	for _, m := range d.ControlNets {
		if m == method {
			return true
		}
	}
	return false
}

// applyCapabilities fills the capability flags and method list from the kind.
func (d *Descriptor) applyCapabilities() {
	switch d.Kind {
	case KindSD, KindSDInpaint:
		d.SupportsControlNet = true
		d.SupportsFreeU = true
		d.SupportsLCMLora = true
		d.ControlNets = append([]string(nil), sdControlNets...)
	case KindSDXL, KindSDXLInpaint:
		d.SupportsControlNet = true
		d.SupportsFreeU = true
		d.SupportsLCMLora = true
		d.ControlNets = append([]string(nil), sdxlControlNets...)
	case KindErase:
		// Erase models run a fixed forward pass with no toggles.
	}
}

// DescriptorList wraps the catalog listing returned by GET /models/json.
type DescriptorList struct {
	Models []Descriptor `json:"models"`
}
