// Package replicate applies change events to the replica tree.
//
// Every event produces exactly one log record, written before the replica is touched.
// Files are copied through a temporary file and renamed into place, so a reader of the
// replica never sees a partially written file.
package replicate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/change"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidEvent is returned for an event whose action or kind is outside the defined
// enumerations. It indicates a programming error in the caller.
var ErrInvalidEvent = errors.New("invalid change event")

const (
	defaultBufferSize  = 256 * 1024
	minBufferSize      = 4 * 1024
	defaultCopyWorkers = 4
)

// Options configures a Replicator.
type Options struct {
	SourceRoot  string // Absolute source root.
	ReplicaRoot string // Absolute replica root.

	// Flatten maps every entry to ReplicaRoot/<name> instead of ReplicaRoot/<relative path>.
	Flatten bool
	// DryRun logs every record but leaves the replica untouched.
	DryRun bool

	RetryCount  int
	RetryWait   time.Duration
	BufferSize  int64 // Largest copy buffer in bytes, rounded up to a power of two.
	CopyWorkers int   // Parallel file copies inside one directory copy.

	// Exclude reports whether an entry found while copying a directory is skipped.
	// The relative path key is relative to SourceRoot.
	Exclude func(relPathKey string, isDir bool) bool

	Metrics metrics.Metrics
}

// Replicator mutates the replica for one source/replica pair.
type Replicator struct {
	src, trg    string
	flatten     bool
	dryRun      bool
	retryCount  int
	retryWait   time.Duration
	copyWorkers int
	exclude     func(string, bool) bool
	metrics     metrics.Metrics

	buffers  *pool.BucketedBufferPool
	dirGroup singleflight.Group
}

// New returns a Replicator. Zero values in opts fall back to defaults.
func New(opts Options) *Replicator {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	workers := opts.CopyWorkers
	if workers <= 0 {
		workers = defaultCopyWorkers
	}
	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	exclude := opts.Exclude
	if exclude == nil {
		exclude = func(string, bool) bool { return false }
	}

	return &Replicator{
		src:         filepath.Clean(opts.SourceRoot),
		trg:         filepath.Clean(opts.ReplicaRoot),
		flatten:     opts.Flatten,
		dryRun:      opts.DryRun,
		retryCount:  opts.RetryCount,
		retryWait:   opts.RetryWait,
		copyWorkers: workers,
		exclude:     exclude,
		metrics:     m,
		buffers:     pool.NewBucketedBufferPool(min(minBufferSize, bufferSize), bufferSize),
	}
}

// SourcePath returns the absolute source path for a relative path key.
func (r *Replicator) SourcePath(relPathKey string) string {
	return util.DenormalizedAbsPath(r.src, relPathKey)
}

// ReplicaPath returns the absolute replica path an entry is mirrored to.
func (r *Replicator) ReplicaPath(relPathKey string) string {
	if r.flatten {
		return filepath.Join(r.trg, path.Base(relPathKey))
	}
	return util.DenormalizedAbsPath(r.trg, relPathKey)
}

// Apply logs ev and performs the matching replica mutation.
//
//	Create/Modify RegularFile: copy, replacing any existing file
//	Create/Modify Directory:   recursive copy, replacing existing files
//	Delete RegularFile:        remove the file
//	Delete Directory:          remove the directory and its contents
//
// Unexpected entries are logged at WARN and never replicated. Deleting an entry that
// is already gone from the replica is not an error.
func (r *Replicator) Apply(ev change.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	absSrc := r.SourcePath(ev.RelPathKey)

	if ev.Kind == change.Unexpected {
		plog.Warn(fmt.Sprintf("Unexpected file %s has been %s", ev.Name(), ev.Action), "path", absSrc)
		r.metrics.AddUnexpected(1)
		return nil
	}

	msg := fmt.Sprintf("%s %s has been %s", ev.Kind, ev.Name(), ev.Action)
	if r.dryRun {
		plog.Info("[DRY RUN] "+msg, "path", absSrc)
		return nil
	}
	plog.Info(msg, "path", absSrc)

	absTrg := r.ReplicaPath(ev.RelPathKey)
	var err error
	switch ev.Action {
	case change.Create, change.Modify:
		if ev.Kind == change.Directory {
			err = r.copyTree(ev.RelPathKey, absSrc, absTrg)
		} else {
			err = r.copyFile(absSrc, absTrg)
		}
	case change.Delete:
		err = r.remove(absTrg, ev.Kind)
	}
	if err != nil {
		err = fmt.Errorf("failed to replicate %s: %w", ev, err)
		if ev.Action != change.Delete && r.sourceVanished(absSrc, err) {
			return hints.Wrap(err)
		}
		return err
	}
	return nil
}

// sourceVanished reports whether err stems from a source entry removed after the
// walk saw it.
func (r *Replicator) sourceVanished(absSrc string, err error) bool {
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if _, statErr := os.Lstat(absSrc); errors.Is(statErr, fs.ErrNotExist) {
		return true
	}
	// A child of a directory copy may be gone while the directory itself remains.
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && util.IsPathWithin(r.src, pathErr.Path) {
		_, statErr := os.Lstat(pathErr.Path)
		return errors.Is(statErr, fs.ErrNotExist)
	}
	return false
}
