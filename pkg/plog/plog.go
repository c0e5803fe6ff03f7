package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Custom levels on top of the slog defaults. NOTICE sits between INFO and WARN and is
// used for the individual entries written by a recursive directory copy; FATAL is
// reserved for errors that end the process.
const (
	LevelDebug  = slog.LevelDebug
	LevelInfo   = slog.LevelInfo
	LevelNotice = slog.Level(2)
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
	LevelFatal  = slog.Level(12)
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// fanoutHandler hands every record to all of its handlers. It joins the console
// sink with the log file sink.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		handlers[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		handlers[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}

var (
	levelVar       slog.LevelVar
	consoleHandler atomic.Pointer[slog.Handler]
	defaultHandler atomic.Pointer[slog.Handler]
)

// replaceLevelNames gives the custom levels readable names instead of "INFO+2" / "ERROR+4".
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelNotice:
		a.Value = slog.StringValue("NOTICE")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

func newTextHandler(w io.Writer, addSource bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       &levelVar,
		AddSource:   addSource,
		ReplaceAttr: replaceLevelNames,
	})
}

func setHandlers(console slog.Handler, file slog.Handler) {
	consoleHandler.Store(&console)
	var h slog.Handler = console
	if file != nil {
		h = &fanoutHandler{handlers: []slog.Handler{console, file}}
	}
	defaultHandler.Store(&h)
}

func init() {
	levelVar.Set(LevelInfo)
	setHandlers(&LevelDispatchHandler{
		stdoutHandler: newTextHandler(os.Stdout, false),
		stderrHandler: newTextHandler(os.Stderr, false),
	}, nil)
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// Any open log file sink is detached.
func SetOutput(w io.Writer) {
	setHandlers(newTextHandler(w, false), nil)
}

// SetLevel sets the minimum level for all sinks.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// LevelFromString converts a level name into a slog.Level. Unknown names map to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// log builds the record itself so the source attribute points at the caller of the
// exported helper and not at this package.
func log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	h := *defaultHandler.Load()
	if !h.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip [Callers, log, exported helper]
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = h.Handle(ctx, r)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { log(LevelDebug, msg, args...) }

// Info logs an informational message.
func Info(msg string, args ...any) { log(LevelInfo, msg, args...) }

// Notice logs a message about a change applied to the replica.
func Notice(msg string, args ...any) { log(LevelNotice, msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { log(LevelWarn, msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { log(LevelError, msg, args...) }

// Fatal logs at FATAL severity. It does not exit; terminating is left to main.
func Fatal(msg string, args ...any) { log(LevelFatal, msg, args...) }
