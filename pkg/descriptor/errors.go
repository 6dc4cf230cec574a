package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrDescriptorNotFound indicates the YAML file could not be read.
	ErrDescriptorNotFound = errors.New("descriptor file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrUndeclaredState indicates a transition references a state that is
	// not in the descriptor's states list.
	ErrUndeclaredState = errors.New("undeclared state")

	// ErrUndeclaredEvent indicates a transition references an event that is
	// not in the descriptor's events list.
	ErrUndeclaredEvent = errors.New("undeclared event")

	// ErrUnknownActionType indicates an action spec names a type the
	// registry does not recognise.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrMissingInitialState indicates initial_state is unset or not a
	// declared state.
	ErrMissingInitialState = errors.New("missing or undeclared initial state")

	// ErrAmbiguousTransition indicates the same (from, event) pair appears
	// more than once without guards that distinguish them.
	ErrAmbiguousTransition = errors.New("ambiguous transition")

	// ErrInvalidGuard indicates a transition's guard expression failed to
	// compile.
	ErrInvalidGuard = errors.New("invalid guard expression")
)

// LoadError wraps a descriptor-loading failure with the file path.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load descriptor %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError wraps a single descriptor-validation failure with
// enough context to point a descriptor author at the offending entry.
type ValidationError struct {
	Section string // "transition", "state", "action", ...
	Ref     string // human-readable locator, e.g. "waiting -> new_job"
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Section, e.Ref, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(section, ref string, err error) *ValidationError {
	return &ValidationError{Section: section, Ref: ref, Err: err}
}
