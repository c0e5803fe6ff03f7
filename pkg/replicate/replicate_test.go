package replicate

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/change"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	src, trg string
	logBuf   *bytes.Buffer
	metrics  *metrics.MirrorMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	plog.SetLevel(plog.LevelDebug)
	t.Cleanup(func() {
		plog.SetOutput(os.Stderr)
		plog.SetLevel(plog.LevelInfo)
	})

	base := t.TempDir()
	env := &testEnv{
		src:     filepath.Join(base, "src"),
		trg:     filepath.Join(base, "replica"),
		logBuf:  &logBuf,
		metrics: &metrics.MirrorMetrics{},
	}
	for _, d := range []string{env.src, env.trg} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", d, err)
		}
	}
	return env
}

func (e *testEnv) replicator(mutate ...func(*Options)) *Replicator {
	opts := Options{SourceRoot: e.src, ReplicaRoot: e.trg, Metrics: e.metrics}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("failed to create parent for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
	if err := os.Chtimes(p, baseTime, baseTime); err != nil {
		t.Fatalf("failed to set mtime on %s: %v", rel, err)
	}
}

func assertContent(t *testing.T, root, rel, want string) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("failed to read replica file %s: %v", rel, err)
	}
	if string(got) != want {
		t.Errorf("expected %s to contain %q, got %q", rel, want, got)
	}
}

func assertMissing(t *testing.T, root, rel string) {
	t.Helper()
	if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel))); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected %s to be absent from the replica, got err=%v", rel, err)
	}
}

func TestApplyCreateFile(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "docs/a.txt", "hello")
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: "docs/a.txt"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	assertContent(t, env.trg, "docs/a.txt", "hello")

	info, err := os.Stat(filepath.Join(env.trg, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("failed to stat replica file: %v", err)
	}
	if !info.ModTime().Equal(baseTime) {
		t.Errorf("expected replica mtime %v, got %v", baseTime, info.ModTime())
	}

	output := env.logBuf.String()
	if !strings.Contains(output, "level=INFO msg=\"Regular file a.txt has been created\"") {
		t.Errorf("expected a creation record, got: %s", output)
	}
	if !strings.Contains(output, "path="+filepath.Join(env.src, "docs", "a.txt")) {
		t.Errorf("expected the full source path in the record, got: %s", output)
	}
	if env.metrics.FilesCopied.Load() != 1 || env.metrics.BytesWritten.Load() != 5 {
		t.Errorf("unexpected metrics: files=%d bytes=%d", env.metrics.FilesCopied.Load(), env.metrics.BytesWritten.Load())
	}

	matches, _ := filepath.Glob(filepath.Join(env.trg, "docs", "pgl-mirror-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("expected no temporary files left behind, found %v", matches)
	}
}

func TestApplyModifyFileOverwrites(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "a.txt", "new content")
	writeFile(t, env.trg, "a.txt", "old")
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Modify, Kind: change.RegularFile, RelPathKey: "a.txt"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertContent(t, env.trg, "a.txt", "new content")
	if !strings.Contains(env.logBuf.String(), "Regular file a.txt has been modified") {
		t.Errorf("expected a modification record, got: %s", env.logBuf.String())
	}
}

func TestApplyFlatten(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "a/b/c.txt", "flat")
	r := env.replicator(func(o *Options) { o.Flatten = true })

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: "a/b/c.txt"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertContent(t, env.trg, "c.txt", "flat")
	assertMissing(t, env.trg, "a")
}

func TestApplyCreateDirectory(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "dir/one.txt", "1")
	writeFile(t, env.src, "dir/sub/two.txt", "2")
	writeFile(t, env.src, "dir/skip.tmp", "x")
	if err := os.MkdirAll(filepath.Join(env.src, "dir", "empty"), 0755); err != nil {
		t.Fatalf("failed to create empty dir: %v", err)
	}
	r := env.replicator(func(o *Options) {
		o.Exclude = func(key string, isDir bool) bool { return !isDir && strings.HasSuffix(key, ".tmp") }
	})

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.Directory, RelPathKey: "dir"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	assertContent(t, env.trg, "dir/one.txt", "1")
	assertContent(t, env.trg, "dir/sub/two.txt", "2")
	assertMissing(t, env.trg, "dir/skip.tmp")
	if info, err := os.Stat(filepath.Join(env.trg, "dir", "empty")); err != nil || !info.IsDir() {
		t.Errorf("expected empty directory to be mirrored, err=%v", err)
	}

	if got := strings.Count(env.logBuf.String(), "level=INFO msg=\"Directory dir has been created\""); got != 1 {
		t.Errorf("expected exactly one record for the directory event, got %d", got)
	}
	if env.metrics.FilesCopied.Load() != 2 {
		t.Errorf("expected 2 files copied, got %d", env.metrics.FilesCopied.Load())
	}
}

func TestApplyDirectoryWritesOneRecordAtInfo(t *testing.T) {
	env := newTestEnv(t)
	plog.SetLevel(plog.LevelInfo)
	writeFile(t, env.src, "dir/one.txt", "1")
	writeFile(t, env.src, "dir/sub/two.txt", "2")
	writeFile(t, env.src, "dir/sub/three.txt", "3")

	if err := env.replicator().Apply(change.Event{Action: change.Create, Kind: change.Directory, RelPathKey: "dir"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	out := strings.TrimSpace(env.logBuf.String())
	if lines := strings.Split(out, "\n"); len(lines) != 1 {
		t.Errorf("expected exactly one record for the directory event, got %d:\n%s", len(lines), out)
	}
	assertContent(t, env.trg, "dir/sub/three.txt", "3")
}

func TestApplyCopyTreeSkipsUnexpected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	env := newTestEnv(t)
	writeFile(t, env.src, "dir/target.txt", "t")
	if err := os.Symlink("target.txt", filepath.Join(env.src, "dir", "link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.Directory, RelPathKey: "dir"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertContent(t, env.trg, "dir/target.txt", "t")
	assertMissing(t, env.trg, "dir/link")
	if !strings.Contains(env.logBuf.String(), "Unexpected file link has been skipped") {
		t.Errorf("expected a warning for the symlink, got: %s", env.logBuf.String())
	}
}

func TestApplyDelete(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.trg, "a.txt", "a")
	writeFile(t, env.trg, "dir/nested/b.txt", "b")
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Delete, Kind: change.RegularFile, RelPathKey: "a.txt"}); err != nil {
		t.Fatalf("Apply file delete failed: %v", err)
	}
	assertMissing(t, env.trg, "a.txt")

	if err := r.Apply(change.Event{Action: change.Delete, Kind: change.Directory, RelPathKey: "dir"}); err != nil {
		t.Fatalf("Apply directory delete failed: %v", err)
	}
	assertMissing(t, env.trg, "dir")

	t.Run("Missing Entry Is Not An Error", func(t *testing.T) {
		if err := r.Apply(change.Event{Action: change.Delete, Kind: change.RegularFile, RelPathKey: "a.txt"}); err != nil {
			t.Errorf("expected no error for an already removed file, got %v", err)
		}
		if err := r.Apply(change.Event{Action: change.Delete, Kind: change.Directory, RelPathKey: "dir"}); err != nil {
			t.Errorf("expected no error for an already removed directory, got %v", err)
		}
	})

	if !strings.Contains(env.logBuf.String(), "Directory dir has been deleted") {
		t.Errorf("expected a deletion record, got: %s", env.logBuf.String())
	}
}

func TestApplyUnexpectedKind(t *testing.T) {
	env := newTestEnv(t)
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.Unexpected, RelPathKey: "fifo"}); err != nil {
		t.Fatalf("expected no error for an unexpected entry, got %v", err)
	}
	if !strings.Contains(env.logBuf.String(), "level=WARN msg=\"Unexpected file fifo has been created\"") {
		t.Errorf("expected a warning record, got: %s", env.logBuf.String())
	}
	assertMissing(t, env.trg, "fifo")
	if env.metrics.Unexpected.Load() != 1 {
		t.Errorf("expected unexpected counter 1, got %d", env.metrics.Unexpected.Load())
	}
}

func TestApplyInvalidEvent(t *testing.T) {
	env := newTestEnv(t)
	r := env.replicator()

	err := r.Apply(change.Event{Action: change.Action(99), Kind: change.RegularFile, RelPathKey: "a.txt"})
	if !errors.Is(err, ErrInvalidEvent) || !errors.Is(err, change.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidEvent wrapping ErrInvalidAction, got %v", err)
	}
	if env.logBuf.Len() != 0 {
		t.Errorf("expected no record for an invalid event, got: %s", env.logBuf.String())
	}
}

func TestApplyDryRun(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "a.txt", "a")
	writeFile(t, env.trg, "old.txt", "o")
	r := env.replicator(func(o *Options) { o.DryRun = true })

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: "a.txt"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := r.Apply(change.Event{Action: change.Delete, Kind: change.RegularFile, RelPathKey: "old.txt"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	assertMissing(t, env.trg, "a.txt")
	assertContent(t, env.trg, "old.txt", "o")
	if !strings.Contains(env.logBuf.String(), "[DRY RUN] Regular file a.txt has been created") {
		t.Errorf("expected a dry run record, got: %s", env.logBuf.String())
	}
}

func TestApplyRecordPrecedesMutation(t *testing.T) {
	env := newTestEnv(t)
	r := env.replicator()

	// The source file does not exist, so the copy fails after the record is written.
	err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: "gone.txt"})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected a wrapped not-exist error, got %v", err)
	}
	if !hints.IsHint(err) {
		t.Errorf("expected a vanished source to be reported as a hint, got %v", err)
	}
	if !strings.Contains(env.logBuf.String(), "Regular file gone.txt has been created") {
		t.Errorf("expected the record to be logged before the failed mutation, got: %s", env.logBuf.String())
	}
}

func TestApplyKeepsUserWritePermission(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not portable to windows")
	}
	env := newTestEnv(t)
	writeFile(t, env.src, "ro.txt", "read only")
	if err := os.Chmod(filepath.Join(env.src, "ro.txt"), 0444); err != nil {
		t.Fatalf("failed to chmod source: %v", err)
	}
	r := env.replicator()

	for _, action := range []change.Action{change.Create, change.Modify} {
		if err := r.Apply(change.Event{Action: action, Kind: change.RegularFile, RelPathKey: "ro.txt"}); err != nil {
			t.Fatalf("Apply %s failed: %v", action, err)
		}
	}
	info, err := os.Stat(filepath.Join(env.trg, "ro.txt"))
	if err != nil {
		t.Fatalf("failed to stat replica file: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("expected replica permissions 0644, got %o", info.Mode().Perm())
	}
}

func TestApplyReplacesConflictingEntries(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.src, "x/inner.txt", "inner")
	writeFile(t, env.trg, "x", "stale file")
	r := env.replicator()

	if err := r.Apply(change.Event{Action: change.Create, Kind: change.Directory, RelPathKey: "x"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	assertContent(t, env.trg, "x/inner.txt", "inner")
}

func TestApplyEmptyAndLargeFiles(t *testing.T) {
	env := newTestEnv(t)
	r := env.replicator(func(o *Options) { o.BufferSize = 1024 })

	large := strings.Repeat("0123456789", 1000)
	writeFile(t, env.src, "empty.txt", "")
	writeFile(t, env.src, "large.txt", large)

	for _, rel := range []string{"empty.txt", "large.txt"} {
		if err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: rel}); err != nil {
			t.Fatalf("Apply(%s) failed: %v", rel, err)
		}
	}
	assertContent(t, env.trg, "empty.txt", "")
	assertContent(t, env.trg, "large.txt", large)
	if got := env.metrics.BytesWritten.Load(); got != int64(len(large)) {
		t.Errorf("expected %d bytes written, got %d", len(large), got)
	}
}

func TestApplyFailuresThatAreNotHints(t *testing.T) {
	env := newTestEnv(t)
	r := env.replicator()

	t.Run("Unknown Action", func(t *testing.T) {
		err := r.Apply(change.Event{Action: change.Action(99), Kind: change.RegularFile, RelPathKey: "a.txt"})
		if err == nil || hints.IsHint(err) {
			t.Errorf("expected a plain error, got %v", err)
		}
	})

	t.Run("Unreadable Source", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced here")
		}
		writeFile(t, env.src, "secret.txt", "s")
		p := filepath.Join(env.src, "secret.txt")
		if err := os.Chmod(p, 0); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Chmod(p, 0644) })

		err := r.Apply(change.Event{Action: change.Create, Kind: change.RegularFile, RelPathKey: "secret.txt"})
		if err == nil {
			t.Fatal("expected the copy of an unreadable file to fail")
		}
		if hints.IsHint(err) {
			t.Errorf("expected a permission failure to be a real error, got hint %v", err)
		}
	})
}
