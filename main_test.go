package main

import (
	"testing"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
)

func TestApplyRunnerFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, cfg runnerConfig)
	}{
		{
			name: "empty args",
			args: nil,
		},
		{
			name: "toggles",
			args: []string{"--vae-tiling", "--offline", "--controlnet"},
			check: func(t *testing.T, cfg runnerConfig) {
				if !cfg.vaeTiling || !cfg.offlineOnly || !cfg.enableControlNet {
					t.Errorf("toggles not applied: %+v", cfg)
				}
			},
		},
		{
			name: "valued flags",
			args: []string{"--controlnet-method", "depth", "--device", "cuda", "--model", "sd-v1-5.safetensors"},
			check: func(t *testing.T, cfg runnerConfig) {
				if cfg.controlNetMethod != "depth" {
					t.Errorf("method not applied: %q", cfg.controlNetMethod)
				}
				if cfg.device != inference.DeviceCUDA {
					t.Errorf("device not applied: %q", cfg.device)
				}
				if cfg.model != "sd-v1-5.safetensors" {
					t.Errorf("model not applied: %q", cfg.model)
				}
			},
		},
		{
			name:    "missing value",
			args:    []string{"--controlnet-method"},
			wantErr: true,
		},
		{
			name:    "unknown device",
			args:    []string{"--device", "tpu"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"--threads", "4"},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var cfg runnerConfig
			err := applyRunnerFlags(&cfg, test.args)
			if (err != nil) != test.wantErr {
				t.Fatalf("applyRunnerFlags error = %v, wantErr %v", err, test.wantErr)
			}
			if test.check != nil && err == nil {
				test.check(t, cfg)
			}
		})
	}
}
