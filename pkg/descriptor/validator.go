package descriptor

import (
	"fmt"
)

// ActionTypeChecker reports whether an action registry recognises a given
// type name. Passing nil to Validate skips this check — useful for tests
// and tools that only care about structural validity, not which actions
// happen to be registered in a particular binary.
type ActionTypeChecker interface {
	Has(actionType string) bool
}

// Validate runs every structural check against d, stopping at the first
// failure: initial state declared, every transition's from/to/event
// declared, no ambiguous (from, event) pairs, and — when checker is
// non-nil — every action type referenced by the descriptor is registered.
func Validate(d *Descriptor, checker ActionTypeChecker) error {
	if err := validateInitialState(d); err != nil {
		return err
	}
	if err := validateTransitions(d); err != nil {
		return err
	}
	if err := validateAmbiguity(d); err != nil {
		return err
	}
	if err := validateActions(d, checker); err != nil {
		return err
	}
	return nil
}

func validateInitialState(d *Descriptor) error {
	if d.InitialState == "" || !d.HasState(d.InitialState) {
		return newValidationError("descriptor", d.Name, fmt.Errorf("%w: %q", ErrMissingInitialState, d.InitialState))
	}
	return nil
}

func validateTransitions(d *Descriptor) error {
	for _, t := range d.Transitions {
		ref := fmt.Sprintf("%s -(%s)-> %s", t.From, t.Event, t.To)
		if !d.HasState(t.From) {
			return newValidationError("transition", ref, fmt.Errorf("%w: %q", ErrUndeclaredState, t.From))
		}
		if !d.HasState(t.To) {
			return newValidationError("transition", ref, fmt.Errorf("%w: %q", ErrUndeclaredState, t.To))
		}
		if !d.HasEvent(t.Event) {
			return newValidationError("transition", ref, fmt.Errorf("%w: %q", ErrUndeclaredEvent, t.Event))
		}
	}
	for state := range d.Actions {
		if !d.HasState(state) {
			return newValidationError("actions", state, fmt.Errorf("%w: %q", ErrUndeclaredState, state))
		}
	}
	return nil
}

// validateAmbiguity rejects a (from, event) pair with more than one
// guardless transition, and a pair where two transitions share the same
// guard expression — both cases leave the engine no deterministic way to
// pick a winner. Multiple transitions with distinct guards, plus at most
// one guardless fallback, are valid: the engine tries them in declaration
// order and takes the first whose guard evaluates true or which has no
// guard, so a guardless entry acts as a fallback only when declared last.
func validateAmbiguity(d *Descriptor) error {
	for key, ts := range d.transitionsIdx {
		seenGuardless := false
		seenGuards := make(map[string]struct{}, len(ts))
		for _, t := range ts {
			ref := fmt.Sprintf("%s -(%s)-> ...", key.from, key.event)
			if !t.HasGuard() {
				if seenGuardless {
					return newValidationError("transition", ref, fmt.Errorf("%w: more than one guardless transition", ErrAmbiguousTransition))
				}
				seenGuardless = true
				continue
			}
			if _, dup := seenGuards[t.GuardExpr]; dup {
				return newValidationError("transition", ref, fmt.Errorf("%w: duplicate guard %q", ErrAmbiguousTransition, t.GuardExpr))
			}
			seenGuards[t.GuardExpr] = struct{}{}
		}
	}
	return nil
}

func validateActions(d *Descriptor, checker ActionTypeChecker) error {
	if checker == nil {
		return nil
	}
	for state, specs := range d.Actions {
		for _, a := range specs {
			if !checker.Has(a.Type) {
				return newValidationError("action", fmt.Sprintf("%s: %s", state, a.Type), fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type))
			}
		}
	}
	return nil
}
