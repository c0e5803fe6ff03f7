package metrics_test

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

func TestMirrorMetrics_Adders(t *testing.T) {
	t.Run("correctly increments all counters", func(t *testing.T) {
		m := &metrics.MirrorMetrics{}

		m.AddFilesCopied(5)
		m.AddDirsCopied(2)
		m.AddFilesDeleted(3)
		m.AddDirsDeleted(1)
		m.AddBytesWritten(1024)
		m.AddUnexpected(4)
		m.ObserveTick(time.Second, nil)
		m.ObserveTick(time.Second, errors.New("failed"))

		checks := []struct {
			name string
			got  int64
			want int64
		}{
			{"FilesCopied", m.FilesCopied.Load(), 5},
			{"DirsCopied", m.DirsCopied.Load(), 2},
			{"FilesDeleted", m.FilesDeleted.Load(), 3},
			{"DirsDeleted", m.DirsDeleted.Load(), 1},
			{"BytesWritten", m.BytesWritten.Load(), 1024},
			{"Unexpected", m.Unexpected.Load(), 4},
			{"Ticks", m.Ticks.Load(), 2},
			{"TickErrors", m.TickErrors.Load(), 1},
		}
		for _, c := range checks {
			if c.got != c.want {
				t.Errorf("expected %s to be %d, got %d", c.name, c.want, c.got)
			}
		}
	})
}

func TestMirrorMetrics_LogSummary(t *testing.T) {
	// --- Setup: Redirect plog output to capture log output ---
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &metrics.MirrorMetrics{}
	m.AddFilesCopied(7)
	m.AddBytesWritten(2048)
	m.LogSummary("Mirror summary")

	output := logBuf.String()
	for _, want := range []string{"msg=\"Mirror summary\"", "files_copied=7", "bytes_written=\"2.0 KiB\""} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q, got: %s", want, output)
		}
	}
}

func TestMirrorMetrics_Progress(t *testing.T) {
	var logBuf syncBuffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &metrics.MirrorMetrics{}
	m.StartProgress("Mirror progress", 10*time.Millisecond)
	// A second start while running is ignored.
	m.StartProgress("Mirror progress", 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logBuf.String(), "Mirror progress") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.StopProgress()
	m.StopProgress()

	if !strings.Contains(logBuf.String(), "Mirror progress") {
		t.Error("expected at least one progress summary")
	}
}

func TestNoopMetrics(t *testing.T) {
	var m metrics.Metrics = &metrics.NoopMetrics{}
	m.AddFilesCopied(1)
	m.ObserveTick(time.Second, nil)
	m.StartProgress("noop", time.Millisecond)
	m.StopProgress()
	m.LogSummary("noop")
}

func TestPrometheus(t *testing.T) {
	p := metrics.NewPrometheus("/data/replica")
	p.AddFilesCopied(3)
	p.AddDirsDeleted(1)
	p.AddBytesWritten(512)
	p.ObserveTick(50*time.Millisecond, nil)
	p.ObserveTick(50*time.Millisecond, errors.New("failed"))

	// The embedded counters are updated as well.
	if p.FilesCopied.Load() != 3 || p.TickErrors.Load() != 1 {
		t.Errorf("expected embedded counters to be updated, got files=%d tickErrors=%d", p.FilesCopied.Load(), p.TickErrors.Load())
	}

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics body: %v", err)
	}
	text := string(body)

	wants := []string{
		`pgl_mirror_entries_total{kind="file",op="copy",replica="/data/replica"} 3`,
		`pgl_mirror_entries_total{kind="dir",op="delete",replica="/data/replica"} 1`,
		`pgl_mirror_bytes_written_total{replica="/data/replica"} 512`,
		`pgl_mirror_ticks_total{replica="/data/replica",result="error"} 1`,
		`pgl_mirror_ticks_total{replica="/data/replica",result="ok"} 1`,
		`pgl_mirror_tick_duration_seconds_count{replica="/data/replica"} 2`,
		`go_goroutines`,
	}
	for _, want := range wants {
		if !strings.Contains(text, want) {
			t.Errorf("expected scrape output to contain %q", want)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for the progress goroutine and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
