// Package diskspace pre-checks local free space before downloads start,
// so a batch that cannot fit fails up front instead of mid-transfer.
package diskspace

import (
	"fmt"
	"path/filepath"
)

// safetyMargin inflates the required byte count so a transfer never lands
// on a completely full filesystem.
const safetyMargin = 1.05

// InsufficientSpaceError indicates the target filesystem cannot hold the file.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	_, ok := err.(*InsufficientSpaceError)
	return ok
}

// Check verifies the filesystem holding targetPath has room for
// requiredBytes plus the safety margin.
//
// Filesystems whose free space cannot be determined (network mounts,
// virtual filesystems) pass the check; the write itself reports the
// real failure there.
func Check(targetPath string, requiredBytes int64) error {
	available := availableSpace(filepath.Dir(targetPath))
	if available == 0 {
		return nil
	}

	required := int64(float64(requiredBytes) * safetyMargin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}
