package diskusage

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/docker/go-units"
)

// Report summarizes the disk footprint of a directory tree.
type Report struct {
	// Path is the measured directory.
	Path string `json:"path"`
	// SizeBytes is the total size of regular files under Path.
	SizeBytes int64 `json:"size_bytes"`
	// Size is SizeBytes in human-readable form (e.g. "4.27GB").
	Size string `json:"size"`
	// Files is the number of regular files counted.
	Files int `json:"files"`
}

// Measure walks root and totals regular file sizes. Unreadable entries are
// skipped rather than failing the whole measurement.
func Measure(root string) (Report, error) {
	report := Report{Path: root}
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		report.SizeBytes += info.Size()
		report.Files++
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("measuring %s: %w", root, err)
	}
	report.Size = units.HumanSizeWithPrecision(float64(report.SizeBytes), 3)
	return report, nil
}
