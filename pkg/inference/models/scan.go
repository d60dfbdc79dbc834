package models

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	parser "github.com/gpustack/gguf-parser-go"
	"golang.org/x/sync/errgroup"
)

// maximumConcurrentClassifications bounds parallel header reads during a store
// scan. Checkpoint headers are small but live on the same disk; a little
// parallelism hides latency without thrashing.
const maximumConcurrentClassifications = 4

// eraseModelNames are single-file erase models with dedicated registered
// implementations, recognized by file stem.
var eraseModelNames = map[string]bool{
	"lama":     true,
	"big-lama": true,
	"mat":      true,
	"migan":    true,
}

// Scan walks the store directory and classifies every checkpoint into a
// Descriptor. Files that cannot be classified are logged and skipped; the
// result is unique by name and sorted for stable listings.
func (m *Manager) Scan(ctx context.Context) ([]Descriptor, error) {
	entries, err := os.ReadDir(m.storePath)
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", m.storePath, err)
	}

	var mu sync.Mutex
	var descriptors []Descriptor
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maximumConcurrentClassifications)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			desc, err := m.classify(name)
			if err != nil {
				m.log.Warnf("Skipping %s: %v", name, err)
				return nil
			}
			mu.Lock()
			descriptors = append(descriptors, desc)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors, nil
}

// classify builds the descriptor for one store file.
func (m *Manager) classify(name string) (Descriptor, error) {
	path := filepath.Join(m.storePath, name)
	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stat: %w", err)
	}

	desc := Descriptor{Name: name, Path: path, SizeBytes: info.Size()}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if eraseModelNames[strings.ToLower(stem)] {
		desc.Kind = KindErase
		desc.Quantization = quantizationUnknown
		desc.applyCapabilities()
		return desc, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".safetensors":
		header, err := parseSafetensorsHeader(path)
		if err != nil {
			return Descriptor{}, err
		}
		desc.Kind = kindFromSafetensors(header)
		desc.Quantization = header.quantization()
	case ".gguf":
		gguf, err := parser.ParseGGUFFile(path)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse gguf: %w", err)
		}
		kind, err := kindFromGGUFArchitecture(gguf.Metadata().Architecture, name)
		if err != nil {
			return Descriptor{}, err
		}
		desc.Kind = kind
		desc.Quantization = strings.TrimSpace(gguf.Metadata().FileType.String())
	default:
		return Descriptor{}, ErrUnrecognizedCheckpoint
	}

	desc.applyCapabilities()
	return desc, nil
}

// kindFromSafetensors classifies a checkpoint by its tensor names. SDXL
// checkpoints carry a second text encoder under the conditioner prefix;
// inpainting checkpoints concatenate mask latents into the UNet input
// convolution (9 channels instead of 4).
func kindFromSafetensors(header *safetensorsHeader) ModelKind {
	isXL := header.hasTensorPrefix("conditioner.embedders.1.") ||
		header.hasTensorPrefix("text_encoder_2.")
	isInpaint := header.unetInputChannels() == 9
	switch {
	case isXL && isInpaint:
		return KindSDXLInpaint
	case isXL:
		return KindSDXL
	case isInpaint:
		return KindSDInpaint
	default:
		return KindSD
	}
}

// kindFromGGUFArchitecture maps quantized checkpoint metadata to a kind.
func kindFromGGUFArchitecture(architecture, name string) (ModelKind, error) {
	arch := strings.ToLower(architecture)
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(arch, "sdxl") || strings.Contains(lower, "sdxl") || strings.Contains(lower, "xl"):
		if strings.Contains(lower, "inpaint") {
			return KindSDXLInpaint, nil
		}
		return KindSDXL, nil
	case strings.Contains(arch, "stable-diffusion") || strings.Contains(arch, "sd") || strings.Contains(lower, "sd"):
		if strings.Contains(lower, "inpaint") {
			return KindSDInpaint, nil
		}
		return KindSD, nil
	default:
		return "", fmt.Errorf("%w: gguf architecture %q", ErrUnrecognizedCheckpoint, architecture)
	}
}
