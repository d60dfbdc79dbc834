//go:build linux

package gpuinfo

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// getVRAMSize reads dedicated VRAM from sysfs. Covers amdgpu and the nouveau
// exposure path; NVIDIA proprietary driver hosts fall back to the unknown
// sentinel and rely on the admission estimator's degraded mode.
func getVRAMSize(log logging.Logger) (uint64, error) {
	cards, err := filepath.Glob("/sys/class/drm/card[0-9]/device/mem_info_vram_total")
	if err != nil || len(cards) == 0 {
		return 1, nil
	}
	var best uint64 = 1
	for _, path := range cards {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Debugf("Could not read %s: %s", path, err)
			continue
		}
		size, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		if size > best {
			best = size
		}
	}
	return best, nil
}
