// Package change defines the closed set of change events the diff engine produces
// and the replicator consumes.
package change

import (
	"errors"
	"fmt"
	"os"
	"path"
)

var (
	// ErrInvalidAction is returned for an Action outside Create, Modify and Delete.
	ErrInvalidAction = errors.New("invalid change action")
	// ErrInvalidKind is returned for a Kind outside Directory, RegularFile and Unexpected.
	ErrInvalidKind = errors.New("invalid entry kind")
)

// Action is what happened to an entry between two ticks.
type Action int

const (
	// Create marks an entry seen for the first time.
	Create Action = iota + 1
	// Modify marks an entry whose modification time advanced.
	Modify
	// Delete marks an entry that no longer exists in the source.
	Delete
)

var actionToVerb = map[Action]string{
	Create: "created",
	Modify: "modified",
	Delete: "deleted",
}

// String returns the human-readable verb used in log records.
func (a Action) String() string {
	if str, ok := actionToVerb[a]; ok {
		return str
	}
	return fmt.Sprintf("unknown_action(%d)", int(a))
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	_, ok := actionToVerb[a]
	return ok
}

// Kind is the type of filesystem object an entry represents.
type Kind int

const (
	// Directory is a directory.
	Directory Kind = iota + 1
	// RegularFile is a regular file.
	RegularFile
	// Unexpected is anything else: symlinks, devices, sockets, pipes.
	Unexpected
)

var kindToLabel = map[Kind]string{
	Directory:   "Directory",
	RegularFile: "Regular file",
	Unexpected:  "Unexpected file",
}

// String returns the label used in log records.
func (k Kind) String() string {
	if str, ok := kindToLabel[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindToLabel[k]
	return ok
}

// KindOf classifies a file mode as returned by Lstat.
func KindOf(mode os.FileMode) Kind {
	switch {
	case mode.IsDir():
		return Directory
	case mode.IsRegular():
		return RegularFile
	default:
		return Unexpected
	}
}

// Event describes one detected change for one entry. RelPathKey is the
// forward-slash path relative to the source root.
type Event struct {
	Action     Action
	Kind       Kind
	RelPathKey string
}

// Name returns the last path component of the entry.
func (e Event) Name() string {
	return path.Base(e.RelPathKey)
}

// Validate returns an error wrapping ErrInvalidAction or ErrInvalidKind if the
// event carries a value outside the defined enumerations.
func (e Event) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %d for %q", ErrInvalidAction, int(e.Action), e.RelPathKey)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d for %q", ErrInvalidKind, int(e.Kind), e.RelPathKey)
	}
	return nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s, %s)", e.Action, e.Kind, e.RelPathKey)
}
