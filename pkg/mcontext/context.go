// Package mcontext defines the per-machine execution context: the mutable
// string-to-value mapping threaded through a state's action list and
// (partially) across transitions.
package mcontext

import (
	"strings"

	"dario.cat/mergo"
)

// Reserved keys the interpreter populates before running a state's actions.
const (
	KeyCurrentState = "current_state"
	KeyEventData    = "event_data"
	KeyCurrentJob   = "current_job"
)

// Context is a mutable mapping from string to JSON-compatible value
// (string, float64/int, bool, nil, []any, map[string]any). It is a named
// map type rather than a struct so it is directly assignable to the
// map[string]any signatures used by the interpolator (pkg/interp) and by
// the JSON codecs at the socket/store boundaries.
type Context map[string]any

// New returns an empty context.
func New() Context {
	return Context{}
}

// FromMap wraps an existing map without copying it.
func FromMap(m map[string]any) Context {
	if m == nil {
		return Context{}
	}
	return Context(m)
}

// Clone returns a shallow copy. Nested maps/slices are shared with the
// original — callers that mutate a nested structure in place must treat it
// as aliased across clones.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge deep-merges other into c, overwriting existing keys — a nested
// map in other is merged key-by-key into the corresponding nested map in
// c rather than replacing it wholesale, so a start_fsm-style partial
// context update doesn't clobber sibling fields an earlier action set.
func (c Context) Merge(other map[string]any) {
	m := map[string]any(c)
	if err := mergo.Merge(&m, map[string]any(other), mergo.WithOverride); err != nil {
		for k, v := range other {
			c[k] = v
		}
	}
}

// Get resolves a dot-path ("a.b.c") against the context. The first segment
// is looked up in c; subsequent segments descend into nested
// map[string]any values. A missing segment at any depth returns (nil,
// false) — this is not an error, it is the "unknown placeholder" case the
// interpolator needs to detect.
func (c Context) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(c)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set assigns a top-level key. Action implementations use this (rather than
// direct map indexing) so call sites read uniformly, though since Context
// is a map, direct indexing works identically — mutations are visible to
// every later action in the same state because the context is never
// recreated mid-state.
func (c Context) Set(key string, value any) {
	c[key] = value
}
