package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// PermUserRead is the user-read permission bit (0400).
	PermUserRead os.FileMode = 0400
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200
	// PermUserExecute is the user-execute permission bit (0100).
	PermUserExecute os.FileMode = 0100

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set. This prevents the mirror user from being locked out of the replica
// on subsequent ticks when the source entry is read-only.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// WithUserExecutePermission ensures the owner-execute bit (0100) is set.
// Directories need it to be traversable.
func WithUserExecutePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserExecute
}

// IsHostCaseInsensitiveFS checks if the current operating system (the "host") has a case-insensitive filesystem by default.
func IsHostCaseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// NormalizePath converts an OS-native relative path into the forward-slash key format
// used for snapshot lookups. The result is NOT meant for direct filesystem access.
func NormalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// DenormalizePath converts a forward-slash key back into an OS-native path.
func DenormalizePath(p string) string {
	return filepath.FromSlash(p)
}

// DenormalizedAbsPath joins an absolute OS-native base with a normalized relative key.
func DenormalizedAbsPath(absBase, relPathKey string) string {
	return filepath.Join(absBase, DenormalizePath(relPathKey))
}

// IsPathWithin reports whether child equals parent or lies somewhere below it.
// Both paths must be absolute and cleaned.
func IsPathWithin(parent, child string) bool {
	if IsHostCaseInsensitiveFS() {
		parent = strings.ToLower(parent)
		child = strings.ToLower(child)
	}
	if parent == child {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// MergeAndDeduplicate combines multiple string slices into a single slice,
// removing any duplicate entries.
func MergeAndDeduplicate(slices ...[]string) []string {
	combined := make(map[string]struct{})
	var result []string
	for _, s := range slices {
		for _, item := range s {
			if _, ok := combined[item]; ok {
				continue
			}
			combined[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}

// ByteCountIEC formats a byte count using binary prefixes (KiB, MiB, ...).
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
