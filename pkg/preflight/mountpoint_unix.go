//go:build !windows

package preflight

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// IsMountPoint reports whether path is a mount point, i.e. lives on a different device
// than its parent. "/" is always a mount point.
func IsMountPoint(path string) (bool, error) {
	parent := filepath.Dir(path)
	if parent == path {
		return true, nil
	}

	var stat, parentStat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := unix.Stat(parent, &parentStat); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", parent, err)
	}
	return stat.Dev != parentStat.Dev, nil
}
