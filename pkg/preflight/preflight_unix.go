//go:build !windows

package preflight

import (
	"fmt"
	"path/filepath"
	"strings"
)

// mountRoots are the directories below which removable or network volumes are
// conventionally mounted.
var mountRoots = []string{"/mnt", "/media", "/Volumes"}

// checkVolumeExists has nothing to check on Unix; drive letters do not exist here.
func checkVolumeExists(string) error { return nil }

func isUnsafeRoot(path string) bool {
	return path == "." || path == "/"
}

// validateMountPoint finds the volume directory a path below a mount root belongs to
// (e.g. /mnt/usb for /mnt/usb/replica) and fails unless that directory is a mount
// point. Writing into an unmounted one would fill the system disk instead.
func validateMountPoint(path string) error {
	for _, root := range mountRoots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		volume := filepath.Join(root, strings.SplitN(rel, string(filepath.Separator), 2)[0])

		mounted, err := IsMountPoint(volume)
		if err != nil {
			return fmt.Errorf("volume %s for '%s' is not available: %w", volume, path, err)
		}
		if !mounted {
			return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
				"Ensure the volume is mounted at %s", path, volume)
		}
		return nil
	}
	return nil
}
