// Package preflight provides checks that run before mirroring begins. Apart from
// creating a missing replica root they leave the filesystem untouched.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// writeTestFileName is created and removed in the replica root to prove it is writable.
const writeTestFileName = ".pgl-mirror-writetest.tmp"

// Run executes the checks selected by plan against the absolute source and replica paths.
func Run(ctx context.Context, absSourcePath, absReplicaPath string, plan *Plan) error {
	type check struct {
		enabled bool
		name    string
		fn      func() error
	}
	checks := []check{
		{plan.SourceAccessible, "source accessible", func() error { return CheckSourceAccessible(absSourcePath) }},
		{plan.PathNesting, "path nesting", func() error { return CheckPathNesting(absSourcePath, absReplicaPath) }},
		{plan.ReplicaAccessible, "replica accessible", func() error { return CheckReplicaAccessible(absReplicaPath) }},
		{plan.EnsureReplicaExists && !plan.DryRun, "replica exists", func() error { return EnsureReplicaExists(absReplicaPath) }},
		{plan.ReplicaWritable && !plan.DryRun, "replica writable", func() error { return CheckReplicaWritable(absReplicaPath) }},
	}

	for _, c := range checks {
		if !c.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.fn(); err != nil {
			return err
		}
		plog.Debug("Preflight check passed", "check", c.name)
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckPathNesting rejects a replica that equals, contains or lies within the source.
func CheckPathNesting(absSourcePath, absReplicaPath string) error {
	if util.IsPathWithin(absSourcePath, absReplicaPath) {
		return fmt.Errorf("replica path %s cannot be inside the source path %s", absReplicaPath, absSourcePath)
	}
	if util.IsPathWithin(absReplicaPath, absSourcePath) {
		return fmt.Errorf("source path %s cannot be inside the replica path %s", absSourcePath, absReplicaPath)
	}
	return nil
}

// CheckReplicaAccessible makes sure the replica path is usable before any directory is
// created. It gives friendlier errors than a failing os.MkdirAll and refuses "ghost"
// directories: paths below a conventional mount location whose device is not mounted.
func CheckReplicaAccessible(replicaPath string) error {
	if isUnsafeRoot(replicaPath) {
		return fmt.Errorf("replica path cannot be the current directory or a filesystem root: %s", replicaPath)
	}
	if err := checkVolumeExists(replicaPath); err != nil {
		return err
	}

	info, err := os.Stat(replicaPath)
	if errors.Is(err, os.ErrNotExist) {
		// Validate the deepest existing ancestor instead.
		ancestor := replicaPath
		for {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break
			}
			ancestor = parent
			_, statErr := os.Stat(ancestor)
			if statErr == nil {
				break
			}
			if !errors.Is(statErr, os.ErrNotExist) {
				return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, statErr)
			}
		}
		return validateMountPoint(replicaPath)
	} else if err != nil {
		return fmt.Errorf("cannot access replica path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("replica path exists but is not a directory: %s", replicaPath)
	}
	return validateMountPoint(replicaPath)
}

// EnsureReplicaExists creates the replica root if it is missing.
func EnsureReplicaExists(replicaPath string) error {
	if err := os.MkdirAll(replicaPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create replica directory %s: %w", replicaPath, err)
	}
	return nil
}

// CheckReplicaWritable creates and removes a file in the replica root.
func CheckReplicaWritable(replicaPath string) error {
	info, err := os.Stat(replicaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("replica directory does not exist: %s", replicaPath)
		}
		return fmt.Errorf("cannot stat replica directory %s: %w", replicaPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("replica path exists but is not a directory: %s", replicaPath)
	}

	tempFile := filepath.Join(replicaPath, writeTestFileName)
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("replica directory %s is not writable: %w", replicaPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}
