package engine

import "fmt"

// State is the lifecycle state of an Engine.
//
//	Idle -> Running -> Stopping -> Stopped
//	Idle -> Stopped (stopped before it was started)
//
// Stopped is terminal; an engine is never restarted.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

var stateToString = map[State]string{
	Idle:     "idle",
	Running:  "running",
	Stopping: "stopping",
	Stopped:  "stopped",
}

// String returns the string representation of a State.
func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_state(%d)", int(s))
}
