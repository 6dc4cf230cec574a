// Package descriptor implements the FSM config loader and validator:
// parsing a YAML machine description into a validated, immutable
// Descriptor, and compiling transition guards once so the engine never
// re-parses them.
package descriptor

import (
	"github.com/expr-lang/expr/vm"
)

// ActionSpec is one entry in a state's action list: a registry type name
// plus its declarative configuration map. The config map may contain
// "{path}" placeholder templates — those are resolved per-invocation by
// the engine (pkg/interp), never here.
type ActionSpec struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:",inline"`
}

// Transition is a 4-tuple (from, event, to, guard?). Guard, when present,
// is a predicate over the running machine's context, compiled once at load
// time with github.com/expr-lang/expr.
type Transition struct {
	From      string `yaml:"from"`
	Event     string `yaml:"event"`
	To        string `yaml:"to"`
	GuardExpr string `yaml:"guard,omitempty"`

	guard *vm.Program
}

// HasGuard reports whether this transition carries a compiled guard.
func (t *Transition) HasGuard() bool { return t.guard != nil }

// Eval runs this transition's compiled guard against a context snapshot. A
// transition with no guard always matches.
func (t *Transition) Eval(ctx map[string]any) (bool, error) {
	return EvalGuard(t.guard, ctx)
}

// Descriptor is the immutable, validated machine description produced by
// Load. Every from/to in Transitions references a declared state; every
// Event is in the declared event set; InitialState is a declared state.
type Descriptor struct {
	Name         string                  `yaml:"name"`
	InitialState string                  `yaml:"initial_state"`
	States       []string                `yaml:"states"`
	Events       []string                `yaml:"events"`
	Transitions  []Transition            `yaml:"transitions"`
	Actions      map[string][]ActionSpec `yaml:"actions"`

	statesSet      map[string]struct{}
	eventsSet      map[string]struct{}
	transitionsIdx map[transitionKey][]*Transition
}

type transitionKey struct {
	from  string
	event string
}

// HasState reports whether name is a declared state.
func (d *Descriptor) HasState(name string) bool {
	_, ok := d.statesSet[name]
	return ok
}

// HasEvent reports whether name is a declared event.
func (d *Descriptor) HasEvent(name string) bool {
	_, ok := d.eventsSet[name]
	return ok
}

// TransitionsFor returns every transition declared for (from, event), in
// descriptor order. The engine evaluates their guards in this order and
// takes the first whose guard passes (or which has no guard).
func (d *Descriptor) TransitionsFor(from, event string) []*Transition {
	return d.transitionsIdx[transitionKey{from: from, event: event}]
}

// ActionsFor returns the ordered action list declared for a state. A state
// with no entry has no actions and idles immediately on entry.
func (d *Descriptor) ActionsFor(state string) []ActionSpec {
	return d.Actions[state]
}

func (d *Descriptor) buildIndexes() {
	d.statesSet = make(map[string]struct{}, len(d.States))
	for _, s := range d.States {
		d.statesSet[s] = struct{}{}
	}
	d.eventsSet = make(map[string]struct{}, len(d.Events))
	for _, e := range d.Events {
		d.eventsSet[e] = struct{}{}
	}
	d.transitionsIdx = make(map[transitionKey][]*Transition, len(d.Transitions))
	for i := range d.Transitions {
		t := &d.Transitions[i]
		key := transitionKey{from: t.From, event: t.Event}
		d.transitionsIdx[key] = append(d.transitionsIdx[key], t)
	}
}
