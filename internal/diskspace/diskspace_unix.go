//go:build !windows

package diskspace

import "syscall"

// availableSpace returns the bytes available to this process on the
// filesystem containing dir, or 0 when it cannot be determined.
func availableSpace(dir string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0
	}
	// Bavail counts blocks available to non-root users
	return int64(stat.Bavail) * int64(stat.Bsize)
}
