package replicate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/change"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"golang.org/x/sync/errgroup"
)

// copyFile copies one regular file, creating missing parent directories.
func (r *Replicator) copyFile(absSrc, absTrg string) error {
	info, err := os.Lstat(absSrc)
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", absSrc, err)
	}
	if err := r.ensureDir(filepath.Dir(absTrg), util.UserWritableDirPerms, nil); err != nil {
		return err
	}
	if err := r.removeConflictingDir(absTrg); err != nil {
		return err
	}
	if err := r.copyFileSafe(absSrc, absTrg, info); err != nil {
		return err
	}
	r.metrics.AddFilesCopied(1)
	return nil
}

// copyFileSafe writes the source content to a temporary file next to absTrg and renames
// it into place once permissions and timestamps are set. Failed attempts are retried.
func (r *Replicator) copyFileSafe(absSrc, absTrg string, info fs.FileInfo) error {
	var lastErr error
	for i := 0; i < r.retryCount+1; i++ {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", absSrc, "attempt", fmt.Sprintf("%d/%d", i, r.retryCount), "after", r.retryWait)
			time.Sleep(r.retryWait)
		}

		lastErr = func() (err error) {
			in, err := os.Open(absSrc)
			if err != nil {
				return fmt.Errorf("failed to open source file %s: %w", absSrc, err)
			}
			defer in.Close()

			absTrgDir := filepath.Dir(absTrg)
			out, err := os.CreateTemp(absTrgDir, "pgl-mirror-*.tmp")
			if err != nil {
				return fmt.Errorf("failed to create temporary file in %s: %w", absTrgDir, err)
			}
			defer out.Close()

			// Cleared after a successful rename.
			absTempPath := out.Name()
			defer func() {
				if absTempPath != "" {
					os.Remove(absTempPath)
				}
			}()

			bufPtr := r.buffers.Get(info.Size())
			defer r.buffers.Put(bufPtr)

			written, err := io.CopyBuffer(out, in, *bufPtr)
			if err != nil {
				return fmt.Errorf("failed to copy content from %s to %s: %w", absSrc, absTempPath, err)
			}
			r.metrics.AddBytesWritten(written)

			// The owner keeps write access so the next tick can replace the file.
			if err := out.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
				return fmt.Errorf("failed to set permissions on temporary file %s: %w", absTempPath, err)
			}
			// Close before Chtimes; flushing may touch the modification time.
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
			}
			modTime := info.ModTime()
			if err := os.Chtimes(absTempPath, modTime, modTime); err != nil {
				return fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
			}
			if err := os.Rename(absTempPath, absTrg); err != nil {
				return fmt.Errorf("failed to move %s into place: %w", absTrg, err)
			}
			absTempPath = ""
			return nil
		}()

		if lastErr == nil {
			return nil
		}
		// A vanished source will not come back within the retry window.
		if errors.Is(lastErr, fs.ErrNotExist) {
			break
		}
	}
	return lastErr
}

// copyTree recursively copies the directory absSrc to absTrg. Directories are created
// while walking; files are copied by up to copyWorkers goroutines.
func (r *Replicator) copyTree(relPathKey, absSrc, absTrg string) error {
	// created caches directories made during this copy, so workers skip the Lstat.
	created := sharded.NewSet(r.copyWorkers * 4)

	var g errgroup.Group
	g.SetLimit(r.copyWorkers)

	walkErr := filepath.WalkDir(absSrc, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		rel, err := filepath.Rel(absSrc, p)
		if err != nil {
			return fmt.Errorf("could not get relative path for %s: %w", p, err)
		}
		childKey := relPathKey
		if rel != "." {
			childKey = relPathKey + "/" + util.NormalizePath(rel)
			if r.exclude(childKey, entry.IsDir()) {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		childTrg := filepath.Join(absTrg, rel)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}

		switch change.KindOf(info.Mode()) {
		case change.Directory:
			perm := util.WithUserExecutePermission(util.WithUserWritePermission(info.Mode().Perm()))
			if err := r.ensureDir(childTrg, perm, created); err != nil {
				return err
			}
			if rel != "." {
				plog.Debug("Copied directory", "path", childKey)
			}
			r.metrics.AddDirsCopied(1)

		case change.RegularFile:
			g.Go(func() error {
				if err := r.ensureDir(filepath.Dir(childTrg), util.UserWritableDirPerms, created); err != nil {
					return err
				}
				if err := r.removeConflictingDir(childTrg); err != nil {
					return err
				}
				if err := r.copyFileSafe(p, childTrg, info); err != nil {
					return err
				}
				plog.Debug("Copied file", "path", childKey)
				r.metrics.AddFilesCopied(1)
				return nil
			})

		default:
			plog.Warn(fmt.Sprintf("Unexpected file %s has been skipped", entry.Name()), "path", p)
			r.metrics.AddUnexpected(1)
		}
		return nil
	})

	// Always drain the workers, even when the walk failed.
	copyErr := g.Wait()
	if walkErr != nil {
		return walkErr
	}
	return copyErr
}

// ensureDir makes sure absDir exists as a directory with at least perm. A file or symlink
// in its way is removed. Concurrent calls for the same directory are collapsed.
func (r *Replicator) ensureDir(absDir string, perm os.FileMode, created *sharded.Set) error {
	if created != nil && created.Has(absDir) {
		return nil
	}

	_, err, _ := r.dirGroup.Do(absDir, func() (any, error) {
		info, err := os.Lstat(absDir)
		switch {
		case err == nil && info.IsDir():
			if info.Mode().Perm()&perm != perm {
				if err := os.Chmod(absDir, info.Mode().Perm()|perm); err != nil {
					return nil, fmt.Errorf("failed to set permissions on replica directory %s: %w", absDir, err)
				}
			}
		case err == nil:
			plog.Warn("Replica path exists but is not a directory, removing", "path", absDir, "type", info.Mode().String())
			if err := os.RemoveAll(absDir); err != nil {
				return nil, fmt.Errorf("failed to remove conflicting replica entry %s: %w", absDir, err)
			}
			fallthrough
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(absDir, perm); err != nil {
				return nil, fmt.Errorf("failed to create replica directory %s: %w", absDir, err)
			}
		default:
			return nil, fmt.Errorf("failed to lstat replica directory %s: %w", absDir, err)
		}
		if created != nil {
			created.Store(absDir)
		}
		return nil, nil
	})
	return err
}

// removeConflictingDir removes a directory standing where a file is about to be written.
func (r *Replicator) removeConflictingDir(absTrg string) error {
	info, err := os.Lstat(absTrg)
	if err != nil || !info.IsDir() {
		return nil
	}
	plog.Warn("Replica path exists but is a directory, removing", "path", absTrg)
	if err := os.RemoveAll(absTrg); err != nil {
		return fmt.Errorf("failed to remove conflicting replica directory %s: %w", absTrg, err)
	}
	return nil
}

// remove deletes a replica entry. A missing entry is not an error.
func (r *Replicator) remove(absTrg string, kind change.Kind) error {
	if kind == change.Directory {
		if err := os.RemoveAll(absTrg); err != nil {
			return fmt.Errorf("failed to remove replica directory %s: %w", absTrg, err)
		}
		r.metrics.AddDirsDeleted(1)
		return nil
	}

	if err := os.Remove(absTrg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			plog.Debug("Replica file already gone", "path", absTrg)
			return nil
		}
		return fmt.Errorf("failed to remove replica file %s: %w", absTrg, err)
	}
	r.metrics.AddFilesDeleted(1)
	return nil
}
