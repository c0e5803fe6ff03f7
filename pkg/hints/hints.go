// Package hints labels errors that interrupt a step without indicating a fault.
//
// A file that disappears from the source between the walk and the copy aborts the
// tick, but the next tick will simply not see it again. The replicator marks such
// errors as hints and the engine logs them as warnings instead of treating them as
// failed ticks.
package hints

import "errors"

type hint struct {
	err error
}

func (h *hint) Error() string {
	if h.err == nil {
		return "hint"
	}
	return h.err.Error()
}

func (h *hint) Unwrap() error { return h.err }

func (h *hint) Hint() bool { return true }

// New returns a hint with the given message.
func New(msg string) error {
	return &hint{err: errors.New(msg)}
}

// Wrap marks err as a hint. It returns nil for a nil err.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hint{err: err}
}

// IsHint reports whether any error in the chain is a hint.
func IsHint(err error) bool {
	var h interface{ Hint() bool }
	return errors.As(err, &h) && h.Hint()
}
