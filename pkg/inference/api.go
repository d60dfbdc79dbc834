package inference

// FreeUParams are the four FreeU scaling factors applied to the UNet skip and
// backbone features during sampling. Reapplying identical parameters leaves
// the pipeline in the same effective state.
type FreeUParams struct {
	S1 float32 `json:"s1"`
	S2 float32 `json:"s2"`
	B1 float32 `json:"b1"`
	B2 float32 `json:"b2"`
}

// DefaultFreeUParams returns the SD 1.x FreeU parameters recommended by the
// FreeU authors. SDXL checkpoints typically want different values, which
// clients send explicitly.
func DefaultFreeUParams() FreeUParams {
	return FreeUParams{S1: 0.9, S2: 0.2, B1: 1.2, B2: 1.4}
}

// InpaintRequest carries the per-call configuration for one inpainting
// operation. The feature toggle fields (ControlNet, FreeU, LCM-LoRA) describe
// the desired state of the active backend and are reconciled by the lifecycle
// manager before the request reaches the pipeline; the generation fields are
// consumed by the pipeline itself.
type InpaintRequest struct {
	// Prompt and NegativePrompt guide the diffusion sampler.
	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Steps is the number of denoising steps.
	Steps int `json:"steps,omitempty"`
	// GuidanceScale is the classifier-free guidance scale.
	GuidanceScale float32 `json:"guidance_scale,omitempty"`
	// Seed seeds the sampler; negative values request a random seed.
	Seed int64 `json:"seed,omitempty"`
	// Sampler names the sampling scheduler (e.g. "ddim", "lcm").
	Sampler string `json:"sampler,omitempty"`

	// EnableControlNet requests that the auxiliary conditioning pathway be
	// active for this and subsequent calls.
	EnableControlNet bool `json:"enable_controlnet,omitempty"`
	// ControlNetMethod selects the conditioning model (e.g. "canny",
	// "depth"). Empty means keep the current method.
	ControlNetMethod string `json:"controlnet_method,omitempty"`

	// EnableFreeU requests FreeU sampling tuning with the given parameters.
	EnableFreeU bool        `json:"enable_freeu,omitempty"`
	FreeU       FreeUParams `json:"freeu_config,omitempty"`

	// EnableLCMLora requests that the LCM-LoRA adapter weights be active.
	EnableLCMLora bool `json:"enable_lcm_lora,omitempty"`
}
