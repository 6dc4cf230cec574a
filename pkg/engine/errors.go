package engine

import "fmt"

// ErrNoMatchingTransition is logged (debug level, not returned) whenever an
// event arrives for which the current state has no transition at all, and
// the event is then discarded.
var ErrNoMatchingTransition = fmt.Errorf("no transition matches the current state and event")

// FatalTransitionError is raised when an event that the engine cannot
// silently discard — an action's error outcome — has no matching
// transition out of the current state. The engine reacts by writing
// status=failed to the machine-state row and stopping.
type FatalTransitionError struct {
	State string
	Event string
}

func (e *FatalTransitionError) Error() string {
	return fmt.Sprintf("no transition for fatal event %q in state %q: machine failed", e.Event, e.State)
}
