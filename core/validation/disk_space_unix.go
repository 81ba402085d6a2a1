//go:build !windows

package validation

import (
	"syscall"
)

// getDiskSpace uses statfs. Free counts blocks available to unprivileged users.
func getDiskSpace(path string) (total uint64, free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return uint64(stat.Blocks) * uint64(stat.Bsize), uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
