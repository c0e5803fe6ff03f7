// Package diff compares the source tree against the snapshot store and emits the
// change events that bring the replica up to date.
//
// A tick runs two passes. Forward walks the source and reports creations and
// modifications. Reconcile walks the snapshot and reports deletions. The store is only
// updated after the emit callback accepted an event, so a pass that is aborted by an
// error leaves the remaining changes to be detected again on the next tick.
package diff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/change"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/snapshot"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// copySlack widens the window in which a file below a newly created directory counts
// as touched during its copy. It covers coarse filesystem timestamps (2s on FAT).
const copySlack = 2 * time.Second

// EmitFunc receives one change event. A non-nil error aborts the current pass.
type EmitFunc func(change.Event) error

// Differ produces change events for one source root.
type Differ struct {
	root         string
	store        *snapshot.Store
	excludeFiles []string
	excludeDirs  []string

	fileExclusions exclusionSet
	dirExclusions  exclusionSet
}

// Option configures a Differ.
type Option func(*Differ)

// WithExcludeFiles skips files matching any of the patterns.
func WithExcludeFiles(patterns []string) Option {
	return func(d *Differ) { d.excludeFiles = patterns }
}

// WithExcludeDirs skips directories matching any of the patterns, including their contents.
func WithExcludeDirs(patterns []string) Option {
	return func(d *Differ) { d.excludeDirs = patterns }
}

// New returns a Differ for the absolute source root that records into store.
func New(absSourceRoot string, store *snapshot.Store, opts ...Option) (*Differ, error) {
	d := &Differ{
		root:  filepath.Clean(absSourceRoot),
		store: store,
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.fileExclusions, err = newExclusionSet(d.excludeFiles); err != nil {
		return nil, err
	}
	if d.dirExclusions, err = newExclusionSet(d.excludeDirs); err != nil {
		return nil, err
	}
	return d, nil
}

// Root returns the absolute source root.
func (d *Differ) Root() string {
	return d.root
}

// Forward walks the source tree in lexical order and emits Create for entries missing
// from the source snapshot and Modify for entries whose modification time is newer than
// the recorded one. Equal timestamps are treated as unchanged.
//
// The entries below a directory that is created in this pass are recorded without
// events of their own, since replicating the directory copies them. Their metadata is
// read after the copy, so a file whose timestamp falls into the copy window is recorded
// with a zero timestamp and re-copied by the next tick. A file added during the copy
// is caught the same way through its own entry.
//
// An entry whose kind changed (a file replaced by a directory, for example) is emitted
// as Delete of the old kind followed by Create of the new one.
//
// ctx is checked once before the walk starts; a running pass is never interrupted.
func (d *Differ) Forward(ctx context.Context, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// createdDir is the most recently created directory. WalkDir visits its contents
	// right after it, so a single prefix is enough to recognize them. copyStart is the
	// earliest timestamp its copy may have missed.
	var (
		createdDir string
		copyStart  int64
	)

	err := filepath.WalkDir(d.root, func(absPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("failed to walk %s: %w", absPath, walkErr)
		}
		if absPath == d.root {
			return nil
		}

		relPath, err := filepath.Rel(d.root, absPath)
		if err != nil {
			return fmt.Errorf("could not get relative path for %s: %w", absPath, err)
		}
		key := util.NormalizePath(relPath)

		if entry.IsDir() {
			if d.dirExclusions.matches(key) {
				plog.Debug("Skipping excluded directory", "path", key)
				return filepath.SkipDir
			}
		} else if d.fileExclusions.matches(key) {
			plog.Debug("Skipping excluded file", "path", key)
			return nil
		}

		// DirEntry.Info reports Lstat data for everything but the root.
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", absPath, err)
		}
		current := snapshot.Entry{
			RelPathKey: key,
			Kind:       change.KindOf(info.Mode()),
			ModTime:    info.ModTime().UnixNano(),
		}

		if createdDir != "" && strings.HasPrefix(key, createdDir+"/") {
			if current.Kind == change.RegularFile && current.ModTime >= copyStart {
				plog.Debug("Entry changed while its directory was copied", "path", key)
				current.ModTime = 0
			}
			d.store.Record(current)
			return nil
		}
		createdDir = ""

		stored, seen := d.store.Source.Get(key)
		switch {
		case !seen:
			start := time.Now().Add(-copySlack).UnixNano()
			if err := emit(change.Event{Action: change.Create, Kind: current.Kind, RelPathKey: key}); err != nil {
				return err
			}
			d.store.Record(current)
			if current.Kind == change.Directory {
				createdDir, copyStart = key, start
			}

		case stored.Kind != current.Kind:
			start := time.Now().Add(-copySlack).UnixNano()
			if err := d.replaceKind(stored, current, emit); err != nil {
				return err
			}
			if current.Kind == change.Directory {
				createdDir, copyStart = key, start
			}

		case current.ModTime > stored.ModTime:
			if err := emit(change.Event{Action: change.Modify, Kind: current.Kind, RelPathKey: key}); err != nil {
				return err
			}
			d.store.Record(current)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forward pass over %s aborted: %w", d.root, err)
	}
	return nil
}

// replaceKind handles an entry whose kind differs from the recorded one.
func (d *Differ) replaceKind(stored, current snapshot.Entry, emit EmitFunc) error {
	if d.store.Replica.Has(stored.RelPathKey) {
		if err := emit(change.Event{Action: change.Delete, Kind: stored.Kind, RelPathKey: stored.RelPathKey}); err != nil {
			return err
		}
	}
	d.forgetTree(stored.RelPathKey)

	if err := emit(change.Event{Action: change.Create, Kind: current.Kind, RelPathKey: current.RelPathKey}); err != nil {
		return err
	}
	d.store.Record(current)
	return nil
}

// forgetTree removes key and everything recorded below it.
func (d *Differ) forgetTree(key string) {
	prefix := key + "/"
	for _, k := range d.store.Source.Keys() {
		if k == key || strings.HasPrefix(k, prefix) {
			d.store.Forget(k)
		}
	}
}

// Reconcile visits every entry of the source snapshot in path order and emits Delete
// for those that no longer exist on disk, provided the replica snapshot still holds
// them. Removals are collected while iterating and applied to both snapshots once the
// pass completes. Entries below a deleted directory are removed without events.
//
// ctx is checked once before the pass starts.
func (d *Differ) Reconcile(ctx context.Context, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var gone []string
	deletedDirs := make(map[string]struct{})

	// Entries accepted so far are forgotten even if a later emit fails.
	defer func() {
		for _, key := range gone {
			d.store.Forget(key)
		}
	}()

	for _, key := range d.store.Source.Keys() {
		if hasAncestorIn(key, deletedDirs) {
			gone = append(gone, key)
			continue
		}

		_, err := os.Lstat(util.DenormalizedAbsPath(d.root, key))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reconciliation pass over %s aborted: failed to stat %s: %w", d.root, key, err)
		}

		stored, _ := d.store.Source.Get(key)
		if d.store.Replica.Has(key) {
			ev := change.Event{Action: change.Delete, Kind: stored.Kind, RelPathKey: key}
			if err := emit(ev); err != nil {
				return fmt.Errorf("reconciliation pass over %s aborted: %w", d.root, err)
			}
		}
		gone = append(gone, key)
		if stored.Kind == change.Directory {
			deletedDirs[key] = struct{}{}
		}
	}
	return nil
}

// hasAncestorIn reports whether any parent directory of key is in dirs.
func hasAncestorIn(key string, dirs map[string]struct{}) bool {
	if len(dirs) == 0 {
		return false
	}
	for p := path.Dir(key); p != "." && p != "/"; p = path.Dir(p) {
		if _, ok := dirs[p]; ok {
			return true
		}
	}
	return false
}

// Excluded reports whether the entry at relPathKey is skipped by the configured
// exclusion patterns.
func (d *Differ) Excluded(relPathKey string, isDir bool) bool {
	if isDir {
		return d.dirExclusions.matches(relPathKey)
	}
	return d.fileExclusions.matches(relPathKey)
}
