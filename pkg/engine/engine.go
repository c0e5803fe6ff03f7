// Package engine runs the poll loop: sleep for the configured interval, run one tick,
// repeat until stopped.
//
// A tick is the forward pass with every create and modify replicated, followed by the
// reconciliation pass with every delete replicated. Ticks never overlap and a tick
// that has started always runs to completion. A stop request is honored at the next
// loop boundary, so shutdown takes at most one interval plus one in-flight tick; in
// practice the sleep is cut short and only the in-flight tick is waited for.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulschiretz/pgl-mirror/pkg/change"
	"github.com/paulschiretz/pgl-mirror/pkg/diff"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// ErrNotIdle is returned by Start when the engine was already started or stopped.
var ErrNotIdle = errors.New("engine is not idle")

// Differ produces the change events of one tick.
type Differ interface {
	Forward(ctx context.Context, emit diff.EmitFunc) error
	Reconcile(ctx context.Context, emit diff.EmitFunc) error
}

// Replicator applies one change event to the replica.
type Replicator interface {
	Apply(ev change.Event) error
}

// Config holds the scheduler settings.
type Config struct {
	// Interval is the sleep before every tick. Must be positive.
	Interval time.Duration
	// FailFast stops the engine on the first failed tick. Otherwise the error is
	// logged and the next tick retries with a full walk. Ticks interrupted by a
	// vanished source entry never count as failed.
	FailFast bool
	// ProgressInterval, if positive, logs a metrics summary at this interval.
	ProgressInterval time.Duration
}

// TickResult counts the events dispatched during one tick.
type TickResult struct {
	Created    int
	Modified   int
	Deleted    int
	Unexpected int
}

// Total returns the number of dispatched events.
func (r TickResult) Total() int {
	return r.Created + r.Modified + r.Deleted + r.Unexpected
}

func (r *TickResult) count(ev change.Event) {
	if ev.Kind == change.Unexpected {
		r.Unexpected++
		return
	}
	switch ev.Action {
	case change.Create:
		r.Created++
	case change.Modify:
		r.Modified++
	case change.Delete:
		r.Deleted++
	}
}

// Engine owns the poll loop and, through the differ, the snapshot store.
// The zero value is not usable; construct it with New.
type Engine struct {
	cfg        Config
	differ     Differ
	replicator Replicator
	metrics    metrics.Metrics
	runID      string

	mu     sync.Mutex
	state  State
	err    error
	stopCh chan struct{}
	done   chan struct{}
}

// New returns an idle engine. A nil metrics disables metrics collection.
func New(cfg Config, replicator Replicator, differ Differ, m metrics.Metrics) (*Engine, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}
	if replicator == nil || differ == nil {
		return nil, errors.New("engine needs a replicator and a differ")
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Engine{
		cfg:        cfg,
		differ:     differ,
		replicator: replicator,
		metrics:    m,
		runID:      uuid.NewString(),
		state:      Idle,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// RunID identifies this engine in log records.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the poll loop. It returns ErrNotIdle unless the engine is Idle.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return fmt.Errorf("%w: state is %s", ErrNotIdle, e.state)
	}
	e.state = Running

	plog.Info("Mirror engine started", "run_id", e.runID, "interval", e.cfg.Interval, "fail_fast", e.cfg.FailFast)
	if e.cfg.ProgressInterval > 0 {
		e.metrics.StartProgress("Mirror progress", e.cfg.ProgressInterval)
	}
	go e.loop()
	return nil
}

// Stop requests the loop to end. Only the first call has an effect; later calls, and
// calls on a stopped engine, return immediately. Stop does not wait; see Wait.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Idle:
		// Never started: there is no loop to wait for.
		e.state = Stopped
		close(e.stopCh)
		close(e.done)
	case Running:
		plog.Info("Stop requested, finishing current tick", "run_id", e.runID)
		e.state = Stopping
		close(e.stopCh)
	}
}

// Wait blocks until the engine is Stopped and returns the error that ended the loop,
// or nil after a requested stop.
func (e *Engine) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Shutdown stops the engine and waits for it. It is safe to call more than once and
// from several goroutines.
func (e *Engine) Shutdown() error {
	e.Stop()
	return e.Wait()
}

// stopping reports whether a stop was requested.
func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) loop() {
	defer e.finish()

	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}
		if e.stopping() {
			return
		}

		// The tick is not tied to the stop signal so it always completes.
		start := time.Now()
		res, err := e.Tick(context.Background())

		switch {
		case hints.IsHint(err):
			// The source moved under the walk; the next tick sees the new state.
			e.metrics.ObserveTick(time.Since(start), nil)
			plog.Warn("Tick interrupted, source changed", "run_id", e.runID, "error", err)
		case err != nil:
			e.metrics.ObserveTick(time.Since(start), err)
			plog.Error("Tick failed", "run_id", e.runID, "error", err)
			if e.cfg.FailFast {
				e.mu.Lock()
				e.err = err
				e.mu.Unlock()
				return
			}
		default:
			e.metrics.ObserveTick(time.Since(start), nil)
			if res.Total() > 0 {
				plog.Debug("Tick completed",
					"run_id", e.runID,
					"created", res.Created,
					"modified", res.Modified,
					"deleted", res.Deleted,
					"unexpected", res.Unexpected,
					"duration", time.Since(start).Round(time.Millisecond),
				)
			}
		}

		timer.Reset(e.cfg.Interval)
	}
}

// finish moves the engine to Stopped and releases Wait.
func (e *Engine) finish() {
	e.metrics.StopProgress()
	e.metrics.LogSummary("Mirror summary")

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		// Ended by itself (fail fast); later Stop calls are no-ops.
		close(e.stopCh)
	}
	e.state = Stopped
	plog.Info("Mirror engine stopped", "run_id", e.runID)
	close(e.done)
}

// Tick runs one synchronous tick: the forward pass with every create and modify
// replicated, then the reconciliation pass with every delete replicated. The first
// error aborts the tick. Tick is used by the loop; calling it concurrently with a
// running loop is not supported.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	emit := func(ev change.Event) error {
		if err := e.replicator.Apply(ev); err != nil {
			return err
		}
		res.count(ev)
		return nil
	}

	if err := e.differ.Forward(ctx, emit); err != nil {
		return res, err
	}
	if err := e.differ.Reconcile(ctx, emit); err != nil {
		return res, err
	}
	return res, nil
}
