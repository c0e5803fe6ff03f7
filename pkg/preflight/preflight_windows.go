//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// volumeRoot returns `C:\` or `\\server\share\` for path, or "" without a volume.
func volumeRoot(path string) string {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return ""
	}
	return vol + `\`
}

// driveLetter returns the upper-case letter of a `X:\` root.
func driveLetter(root string) (rune, bool) {
	if len(root) != 3 || root[1] != ':' {
		return 0, false
	}
	letter := rune(strings.ToUpper(root[:1])[0])
	return letter, letter >= 'A' && letter <= 'Z'
}

// checkVolumeExists fails when the drive or share holding path is not connected.
// A replica on an unplugged USB disk would otherwise be recreated below a drive
// letter that now points elsewhere.
func checkVolumeExists(path string) error {
	root := volumeRoot(path)
	if root == "" {
		return nil
	}
	if letter, ok := driveLetter(root); ok {
		drives, err := windows.GetLogicalDrives()
		if err != nil {
			return fmt.Errorf("failed to list logical drives: %w", err)
		}
		if drives&(1<<uint(letter-'A')) == 0 {
			return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
		}
		return nil
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("volume root does not exist: %s. Ensure the share is reachable: %w", root, err)
	}
	return nil
}

// validateMountPoint rejects a volume that Windows still lists but cannot reach.
func validateMountPoint(path string) error {
	root := volumeRoot(path)
	if root == "" {
		return nil
	}
	p, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return fmt.Errorf("invalid volume root %s: %w", root, err)
	}
	if windows.GetDriveType(p) == windows.DRIVE_NO_ROOT_DIR {
		return fmt.Errorf("replica volume %s is not available", root)
	}
	return nil
}

func isUnsafeRoot(path string) bool {
	switch path {
	case ".", `\`, "/":
		return true
	}
	vol := filepath.VolumeName(path)
	if vol == "" || strings.HasPrefix(vol, `\\`) {
		return false
	}
	// "C:" and its cleaned form "C:." name the drive's current directory.
	return path == vol || path == vol+"."
}
