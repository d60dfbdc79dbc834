package models

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
)

const (
	quantizationUnknown = "unknown"
	quantizationMixed   = "mixed"
)

// safetensorsHeader is the parsed JSON header of a safetensors checkpoint.
type safetensorsHeader struct {
	Metadata map[string]interface{}
	Tensors  map[string]tensorInfo
}

// tensorInfo describes one tensor's dtype and shape.
type tensorInfo struct {
	Dtype string
	Shape []int64
}

// parseSafetensorsHeader reads only the header from a safetensors file
// without loading the tensor data. Checkpoints run to many gigabytes, so the
// scan must never map more than the JSON prefix.
//
// Safetensors format:
//
//	[8 bytes: header length (uint64, little-endian)]
//	[N bytes: JSON header]
//	[remaining: tensor data]
func parseSafetensorsHeader(path string) (*safetensorsHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	var headerLen uint64
	if err := binary.Read(file, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	// Sanity check: headers beyond 100MB indicate a corrupt or hostile file.
	if headerLen > 100*1024*1024 {
		return nil, fmt.Errorf("header length too large: %s", units.HumanSize(float64(headerLen)))
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rawHeader map[string]interface{}
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, fmt.Errorf("parse JSON header: %w", err)
	}

	header := &safetensorsHeader{Tensors: make(map[string]tensorInfo)}
	if rawMetadata, ok := rawHeader["__metadata__"].(map[string]interface{}); ok {
		header.Metadata = rawMetadata
		delete(rawHeader, "__metadata__")
	}
	for name, value := range rawHeader {
		tensorMap, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		dtype, _ := tensorMap["dtype"].(string)
		var shape []int64
		if shapeArray, ok := tensorMap["shape"].([]interface{}); ok {
			for _, v := range shapeArray {
				floatVal, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("invalid shape value for tensor %q", name)
				}
				shape = append(shape, int64(floatVal))
			}
		}
		header.Tensors[name] = tensorInfo{Dtype: dtype, Shape: shape}
	}
	return header, nil
}

// quantization determines the weight storage type from tensor dtypes.
func (h *safetensorsHeader) quantization() string {
	dtypeCounts := make(map[string]int)
	for _, tensor := range h.Tensors {
		if tensor.Dtype != "" {
			dtypeCounts[tensor.Dtype]++
		}
	}
	if len(dtypeCounts) == 0 {
		return quantizationUnknown
	}
	if len(dtypeCounts) == 1 {
		for dtype := range dtypeCounts {
			return dtype
		}
	}
	return quantizationMixed
}

// hasTensorPrefix reports whether any tensor name starts with prefix.
func (h *safetensorsHeader) hasTensorPrefix(prefix string) bool {
	for name := range h.Tensors {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// unetInputChannels returns the channel count of the UNet input convolution,
// or zero when the tensor is absent. Inpainting checkpoints concatenate the
// mask and masked-image latents, giving 9 channels instead of 4.
func (h *safetensorsHeader) unetInputChannels() int64 {
	for _, name := range []string{
		"model.diffusion_model.input_blocks.0.0.weight",
		"unet.conv_in.weight",
	} {
		if tensor, ok := h.Tensors[name]; ok && len(tensor.Shape) == 4 {
			return tensor.Shape[1]
		}
	}
	return 0
}
