// Package metrics collects mirror statistics. MirrorMetrics keeps atomic counters and
// logs them through plog; Prometheus additionally exports them over HTTP.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting mirror statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddDirsCopied(n int64)
	AddFilesDeleted(n int64)
	AddDirsDeleted(n int64)
	AddBytesWritten(n int64)
	AddUnexpected(n int64)
	// ObserveTick records one completed tick, its duration and whether it failed.
	ObserveTick(d time.Duration, err error)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters for the lifetime of one engine.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	FilesCopied  atomic.Int64
	DirsCopied   atomic.Int64
	FilesDeleted atomic.Int64
	DirsDeleted  atomic.Int64
	BytesWritten atomic.Int64
	Unexpected   atomic.Int64
	Ticks        atomic.Int64
	TickErrors   atomic.Int64

	mu        sync.Mutex
	stopChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddFilesCopied(n int64)  { m.FilesCopied.Add(n) }
func (m *MirrorMetrics) AddDirsCopied(n int64)   { m.DirsCopied.Add(n) }
func (m *MirrorMetrics) AddFilesDeleted(n int64) { m.FilesDeleted.Add(n) }
func (m *MirrorMetrics) AddDirsDeleted(n int64)  { m.DirsDeleted.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64) { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddUnexpected(n int64)   { m.Unexpected.Add(n) }

func (m *MirrorMetrics) ObserveTick(_ time.Duration, err error) {
	m.Ticks.Add(1)
	if err != nil {
		m.TickErrors.Add(1)
	}
}

// StartProgress logs a summary every interval until StopProgress is called.
func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		return
	}
	m.startTime = time.Now()
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *MirrorMetrics) StopProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message.
// It is called by the progress ticker and once when the engine stops.
func (m *MirrorMetrics) LogSummary(msg string) {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()

	duration := time.Duration(0)
	if !start.IsZero() {
		duration = time.Since(start)
	}

	plog.Info(msg,
		"ticks", m.Ticks.Load(),
		"tick_errors", m.TickErrors.Load(),
		"files_copied", m.FilesCopied.Load(),
		"dirs_copied", m.DirsCopied.Load(),
		"files_deleted", m.FilesDeleted.Load(),
		"dirs_deleted", m.DirsDeleted.Load(),
		"unexpected", m.Unexpected.Load(),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"uptime", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddDirsCopied(n int64)                            {}
func (m *NoopMetrics) AddFilesDeleted(n int64)                          {}
func (m *NoopMetrics) AddDirsDeleted(n int64)                           {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddUnexpected(n int64)                            {}
func (m *NoopMetrics) ObserveTick(d time.Duration, err error)           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
