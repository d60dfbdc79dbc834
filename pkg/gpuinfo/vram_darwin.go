//go:build darwin

package gpuinfo

import (
	"github.com/elastic/go-sysinfo"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// getVRAMSize reports host memory on Apple silicon, where GPU memory is
// unified with system RAM.
func getVRAMSize(log logging.Logger) (uint64, error) {
	host, err := sysinfo.Host()
	if err != nil {
		log.Warnf("Could not read host info: %s", err)
		return 1, nil
	}
	mem, err := host.Memory()
	if err != nil {
		log.Warnf("Could not read host memory: %s", err)
		return 1, nil
	}
	return mem.Total, nil
}
