package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinist-run/machinist/pkg/action"
	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/descriptor"
	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machinist.db")
	s, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeTestDescriptor(t *testing.T, yamlSrc string) *descriptor.Descriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o644))
	d, err := descriptor.Load(path)
	require.NoError(t, err)
	return d
}

// scriptedAction returns a fixed outcome/error on Run and records every
// invocation's resolved config so tests can assert on interpolation.
type scriptedAction struct {
	outcome string
	err     error
	set     map[string]any
	calls   *int
}

func (a *scriptedAction) Run(_ context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	if a.calls != nil {
		*a.calls++
	}
	for k, v := range a.set {
		mc.Set(k, v)
	}
	return a.outcome, a.err
}

func newTestEngine(t *testing.T, yamlSrc string, extra func(r *action.Registry)) (*Engine, *store.Store) {
	t.Helper()
	d := writeTestDescriptor(t, yamlSrc)
	st := newTestStore(t)
	reg := action.NewRegistry()
	if extra != nil {
		extra(reg)
	}
	env := &action.Environment{Store: st, Broadcast: broadcast.NewWriter(""), MachineName: "m1"}

	e := New(Config{
		Descriptor:  d,
		Registry:    reg,
		Env:         env,
		Store:       st,
		MachineName: "m1",
	})
	return e, st
}

const twoStateYAML = `
name: two_state
initial_state: idle
states: [idle, running]
events: [go, done]
transitions:
  - from: idle
    event: go
    to: running
  - from: running
    event: done
    to: idle
actions:
  running:
    - type: noop_success
`

func TestStart_RunsInitialStateActionsAndRecordsState(t *testing.T) {
	calls := 0
	e, st := newTestEngine(t, `
name: single
initial_state: idle
states: [idle]
events: []
actions:
  idle:
    - type: counting_noop
`, func(r *action.Registry) {
		r.Register("counting_noop", func(env *action.Environment) action.Action {
			return &scriptedAction{calls: &calls}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	e.Stop(ctx)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "idle", e.CurrentState())

	row, ok, err := st.GetMachineState(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idle", row.CurrentState)
	assert.Equal(t, "stopped", row.Status)
}

func TestDispatch_TransitionsOnMatchingEvent(t *testing.T) {
	calls := 0
	e, _ := newTestEngine(t, twoStateYAML, func(r *action.Registry) {
		r.Register("noop_success", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: action.NoEvent, calls: &calls}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	e.PushEvent("go", nil)
	require.Eventually(t, func() bool { return e.CurrentState() == "running" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestDispatch_UnmatchedEventIsDiscardedNotFatal(t *testing.T) {
	e, _ := newTestEngine(t, twoStateYAML, func(r *action.Registry) {
		r.Register("noop_success", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: action.NoEvent}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	e.PushEvent("nonsense", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "idle", e.CurrentState(), "unmatched event must not move the machine")
}

func TestRunStateActions_ActionReturnedEventStopsListAndRestarts(t *testing.T) {
	yamlSrc := `
name: chain
initial_state: a
states: [a, b, c]
events: [to_b, to_c]
transitions:
  - from: a
    event: to_b
    to: b
  - from: b
    event: to_c
    to: c
actions:
  b:
    - type: emits_to_c
    - type: never_runs
`
	secondCalls := 0
	e, _ := newTestEngine(t, yamlSrc, func(r *action.Registry) {
		r.Register("emits_to_c", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: "to_c"}
		})
		r.Register("never_runs", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: action.NoEvent, calls: &secondCalls}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	e.PushEvent("to_b", nil)
	require.Eventually(t, func() bool { return e.CurrentState() == "c" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, secondCalls, "never_runs must not execute once emits_to_c pushed an event")
}

func TestDispatch_ActionErrorWithNoTransitionFailsMachine(t *testing.T) {
	e, st := newTestEngine(t, `
name: failer
initial_state: a
states: [a, b]
events: [go]
transitions:
  - from: a
    event: go
    to: b
actions:
  b:
    - type: always_errors
`, func(r *action.Registry) {
		r.Register("always_errors", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: action.NoEvent, err: errors.New("boom")}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	e.PushEvent("go", nil)

	require.Eventually(t, func() bool {
		row, ok, err := st.GetMachineState(ctx, "m1")
		return err == nil && ok && row.Status == "failed" && row.CurrentState == "b"
	}, time.Second, 5*time.Millisecond)
}

func TestContextPropagation_LaterActionSeesEarlierActionsValue(t *testing.T) {
	var seen string
	e, _ := newTestEngine(t, `
name: prop
initial_state: a
states: [a]
events: []
actions:
  a:
    - type: sets_x
    - type: reads_x
`, func(r *action.Registry) {
		r.Register("sets_x", func(env *action.Environment) action.Action {
			return &scriptedAction{outcome: action.NoEvent, set: map[string]any{"x": "hello"}}
		})
		r.Register("reads_x", func(env *action.Environment) action.Action {
			return readsXAction{out: &seen}
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	e.Stop(ctx)

	assert.Equal(t, "hello", seen)
}

type readsXAction struct{ out *string }

func (a readsXAction) Run(_ context.Context, mc mcontext.Context, _ map[string]any) (string, error) {
	v, _ := mc.Get("x")
	if s, ok := v.(string); ok {
		*a.out = s
	}
	return action.NoEvent, nil
}

