// Package action implements the action registry and loader and the
// builtin action set: the concrete actions that realise the
// spawn/claim/wait/send protocols. The engine instantiates an action from
// the registry each time it runs it, bound only to the shared Environment;
// the interpreter
// supplies a fully-resolved, per-invocation configuration map to Run, so
// no action ever re-implements placeholder substitution.
package action

import (
	"context"

	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

// NoEvent is the sentinel Run returns when it has no event to feed back
// into the interpreter — the engine then advances to the next action in
// the state's list instead of restarting the dispatch loop.
const NoEvent = ""

// Action is the single-operation contract every builtin, and any
// user-supplied action, implements. Run reads and mutates mc (which the
// engine propagates to the next action in the same state) and returns the
// name of an event to feed back into the interpreter, or NoEvent.
type Action interface {
	Run(ctx context.Context, mc mcontext.Context, resolvedConfig map[string]any) (string, error)
}

// Spawner launches a child FSM process. Implemented by pkg/spawn;
// expressed as an interface here so action does not import spawn's
// os/exec machinery into every caller that only needs the registry.
type Spawner interface {
	Spawn(yamlPath, machineName string, initialContext map[string]any) error
}

// Environment bundles the dependencies builtin actions share: the
// persistent store, the broadcast writer, the child-process spawner, the
// control-socket prefix for addressing other machines, and identity of the
// machine the actions are running inside.
type Environment struct {
	Store         *store.Store
	Broadcast     *broadcast.Writer
	Spawner       Spawner
	MachineName   string
	ControlPrefix string
}

// Constructor builds an Action bound to env. Registered once per action
// type name at startup.
type Constructor func(env *Environment) Action

// Registry is a tagged-variant lookup keyed on an action's declared
// type. A table of constructors is sufficient — actions do not need an
// inheritance hierarchy.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns a registry pre-populated with every builtin action.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the constructor for actionType. Used both by
// registerBuiltins and by callers loading additional actions from
// --actions-dir.
func (r *Registry) Register(actionType string, ctor Constructor) {
	r.ctors[actionType] = ctor
}

// Has reports whether actionType is registered. Satisfies
// descriptor.ActionTypeChecker so the config loader can validate a
// descriptor's action references without importing this package.
func (r *Registry) Has(actionType string) bool {
	_, ok := r.ctors[actionType]
	return ok
}

// New instantiates the action registered under actionType, bound to env.
func (r *Registry) New(actionType string, env *Environment) (Action, error) {
	ctor, ok := r.ctors[actionType]
	if !ok {
		return nil, &UnknownActionError{Type: actionType}
	}
	return ctor(env), nil
}

// outcomeEvent maps an action's internal outcome slot (e.g. "success",
// "empty") to the descriptor author's chosen event name for that outcome,
// via resolvedConfig. Falling back to fallback (conventionally the slot
// name itself) when the descriptor doesn't name that outcome lets an
// author omit outcomes they don't care to distinguish.
func outcomeEvent(resolvedConfig map[string]any, slot, fallback string) string {
	if v, ok := resolvedConfig[slot].(string); ok && v != "" {
		return v
	}
	return fallback
}
