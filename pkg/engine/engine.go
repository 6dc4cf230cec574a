// Package engine implements the interpreter loop: deterministic event
// dispatch, action sequencing, variable interpolation at the call boundary,
// and return-value-to-event mapping. One Engine owns one running machine
// instance — the scheduling model is single-threaded and cooperative,
// with lifecycle management following the familiar worker-loop shape
// (Start/Stop via a stop channel plus sync.Once, a run loop selecting on
// that channel against context cancellation, with a default branch that
// keeps polling).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/machinist-run/machinist/pkg/action"
	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/control"
	"github.com/machinist-run/machinist/pkg/descriptor"
	"github.com/machinist-run/machinist/pkg/interp"
	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
	"github.com/machinist-run/machinist/pkg/wire"
)

// pollInterval bounds how long nextEvent blocks with nothing queued before
// it re-checks the control socket and the queue's wake channel. It is not
// itself the timeout(N) mechanism — that is driven by its own per-state
// timer — but it keeps the loop responsive to Stop/context cancellation
// even when no timer is armed.
const pollInterval = 200 * time.Millisecond

// Config bundles everything one running machine instance needs to build
// an Engine.
type Config struct {
	Descriptor     *descriptor.Descriptor
	Registry       *action.Registry
	Env            *action.Environment
	Control        *control.Listener // may be nil (e.g. in tests driving events directly)
	Broadcast      *broadcast.Writer
	Store          *store.Store
	MachineName    string
	InitialContext map[string]any
}

// Engine drives one machine instance: its descriptor, its context, its
// inbound event queue, and the action executor.
type Engine struct {
	descriptor *descriptor.Descriptor
	registry   *action.Registry
	env        *action.Environment
	ctl        *control.Listener
	bcast      *broadcast.Writer
	st         *store.Store

	machineName string
	mc          mcontext.Context
	current     string
	queue       *eventQueue

	timeoutTimer *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	mu     sync.Mutex
	failed bool

	log *slog.Logger
}

// New builds an Engine positioned at the descriptor's initial state, with
// cfg.InitialContext merged into a fresh context.
func New(cfg Config) *Engine {
	mc := mcontext.FromMap(nil)
	mc.Merge(cfg.InitialContext)

	return &Engine{
		descriptor:  cfg.Descriptor,
		registry:    cfg.Registry,
		env:         cfg.Env,
		ctl:         cfg.Control,
		bcast:       cfg.Broadcast,
		st:          cfg.Store,
		machineName: cfg.MachineName,
		mc:          mc,
		current:     cfg.Descriptor.InitialState,
		queue:       newEventQueue(),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		log:         slog.With("component", "engine", "machine_name", cfg.MachineName),
	}
}

// CurrentState reports the machine's current state. Exported for tests and
// for the CLI's shutdown logging.
func (e *Engine) CurrentState() string { return e.current }

// Done returns a channel that closes when the run loop exits, whether
// from Stop, context cancellation, or an unrecoverable fatal transition.
// A caller that only reacts to its own shutdown signal should select on
// this too, or it will never learn that the machine failed on its own.
func (e *Engine) Done() <-chan struct{} { return e.done }

// PushEvent injects an externally-sourced event directly, bypassing the
// control socket — used by tests and by in-process callers that already
// hold a decoded envelope.
func (e *Engine) PushEvent(eventType string, data map[string]any) {
	e.queue.pushBack(event{Type: eventType, Data: data})
}

// Start runs the machine's initial-state entry actions synchronously (so
// a caller observes a fully-initialised machine before anything else
// happens to it) and then launches the main cycle in a goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recordInitialState(ctx); err != nil {
		return err
	}
	if err := e.runStateActions(ctx, e.current, "start"); err != nil {
		return e.fail(ctx, err)
	}
	e.armTimeout(e.current)

	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop requests an orderly shutdown: the run loop exits at its next
// opportunity and the machine-state row is marked stopped, preserving
// current_state for post-mortem inspection.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.cancelTimeout()

	e.mu.Lock()
	failed := e.failed
	e.mu.Unlock()
	if failed {
		return
	}

	if err := e.st.UpsertMachineState(ctx, store.MachineState{
		MachineName:  e.machineName,
		ConfigType:   e.descriptor.Name,
		CurrentState: e.current,
		Status:       "stopped",
	}); err != nil {
		e.log.Error("failed to record stopped status", "error", err)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.done)
	e.log.Info("engine started", "initial_state", e.current)

	for {
		select {
		case <-e.stopCh:
			e.log.Info("engine stopping", "current_state", e.current)
			return
		case <-ctx.Done():
			e.log.Info("context cancelled, engine stopping", "current_state", e.current)
			return
		default:
		}

		ev, ok := e.nextEvent(ctx)
		if !ok {
			continue
		}
		if err := e.dispatch(ctx, ev); err != nil {
			if _, isFatal := err.(*FatalTransitionError); isFatal {
				_ = e.fail(ctx, err)
				return
			}
			e.log.Error("dispatch failed", "error", err)
		}
	}
}

// nextEvent implements step 1 of the main cycle: drain the internal queue
// first (it already holds anything an action pushed), then the control
// socket, and otherwise block — bounded so a stop/cancellation or a timer
// firing is still noticed promptly.
func (e *Engine) nextEvent(ctx context.Context) (event, bool) {
	if ev, ok := e.queue.pop(); ok {
		return ev, true
	}

	if e.ctl != nil {
		for _, env := range e.ctl.Drain() {
			e.queue.pushBack(envelopeToEvent(env))
		}
		if ev, ok := e.queue.pop(); ok {
			return ev, true
		}
	}

	select {
	case <-e.queue.wake:
		return e.queue.pop()
	case <-e.stopCh:
		return event{}, false
	case <-ctx.Done():
		return event{}, false
	case <-time.After(pollInterval):
		return event{}, false
	}
}

func envelopeToEvent(env wire.ControlEnvelope) event {
	return event{Type: env.Type, Data: env.Payload}
}

// dispatch implements steps 2-6 of the main cycle for a single drained
// event.
func (e *Engine) dispatch(ctx context.Context, ev event) error {
	e.mc.Set(mcontext.KeyEventData, map[string]any{"type": ev.Type, "payload": ev.Data})

	candidates := e.descriptor.TransitionsFor(e.current, ev.Type)
	t, err := e.selectTransition(candidates)
	if err != nil {
		e.log.Warn("guard evaluation failed, discarding event", "event", ev.Type, "state", e.current, "error", err)
		return nil
	}
	if t == nil {
		if ev.fatalIfUnmatched {
			return &FatalTransitionError{State: e.current, Event: ev.Type}
		}
		e.log.Debug("no transition for event, discarding", "event", ev.Type, "state", e.current, "error", ErrNoMatchingTransition)
		return nil
	}

	from := e.current
	e.cancelTimeout()
	e.current = t.To

	e.recordTransition(ctx, from, t.To, ev.Type)

	if err := e.runStateActions(ctx, t.To, ev.Type); err != nil {
		return err
	}
	e.armTimeout(e.current)
	return nil
}

// selectTransition evaluates candidates' guards in declared order and
// returns the first match — a guardless transition always matches, so a
// guard list with a trailing guardless fallback behaves as "else".
func (e *Engine) selectTransition(candidates []*descriptor.Transition) (*descriptor.Transition, error) {
	snapshot := map[string]any(e.mc)
	for _, t := range candidates {
		ok, err := t.Eval(snapshot)
		if err != nil {
			return nil, fmt.Errorf("transition %s->%s on %q: %w", t.From, t.To, t.Event, err)
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// runStateActions runs state's action list in declared order, resolving
// each action's config against the current context immediately before
// invocation — the single point where variable substitution happens. An
// action returning a non-empty event name stops the list and pushes that
// event to the front of the queue; reaching the end of the list with
// nothing returned leaves the machine idling.
func (e *Engine) runStateActions(ctx context.Context, state, triggeringEvent string) error {
	e.mc.Set(mcontext.KeyCurrentState, state)

	for _, spec := range e.descriptor.ActionsFor(state) {
		act, err := e.registry.New(spec.Type, e.env)
		if err != nil {
			return fmt.Errorf("state %q: %w", state, err)
		}

		resolved, _ := interp.ResolveTree(spec.Config, e.mc).(map[string]any)

		outcome, runErr := act.Run(ctx, e.mc, resolved)
		if runErr != nil {
			e.log.Error("action failed", "state", state, "action_type", spec.Type, "error", runErr)
			name := errorEventName(resolved, outcome)
			e.queue.pushFront(event{Type: name, fatalIfUnmatched: true})
			return nil
		}
		if outcome != action.NoEvent {
			e.queue.pushFront(event{Type: outcome})
			return nil
		}
	}
	return nil
}

// errorEventName mirrors the action package's outcomeEvent indirection for
// the case where the action itself didn't already resolve an "error" slot
// to a name (some builtins return NoEvent alongside an error and rely on
// the engine to apply the fallback: the configured error event, or the
// literal sentinel "error").
func errorEventName(resolvedConfig map[string]any, returned string) string {
	if returned != "" {
		return returned
	}
	if v, ok := resolvedConfig["error"].(string); ok && v != "" {
		return v
	}
	return "error"
}

func (e *Engine) recordInitialState(ctx context.Context) error {
	return e.st.UpsertMachineState(ctx, store.MachineState{
		MachineName:  e.machineName,
		ConfigType:   e.descriptor.Name,
		CurrentState: e.current,
		Status:       "running",
	})
}

// recordTransition implements step 6: broadcast, machine-state upsert, and
// event-log append, on every accepted transition. Store/broadcast failures
// are logged rather than propagated — losing an audit record must not
// stall the machine the record is describing.
func (e *Engine) recordTransition(ctx context.Context, from, to, triggerEvent string) {
	now := time.Now()

	e.bcast.Send(wire.BroadcastEnvelope{
		MachineName: e.machineName,
		EventType:   "state_change",
		Payload: wire.StateChangePayload{
			FromState:    from,
			ToState:      to,
			EventTrigger: triggerEvent,
			Timestamp:    float64(now.UnixNano()) / 1e9,
		}.ToMap(),
	})

	if err := e.st.UpsertMachineState(ctx, store.MachineState{
		MachineName:  e.machineName,
		ConfigType:   e.descriptor.Name,
		CurrentState: to,
		Status:       "running",
	}); err != nil {
		e.log.Error("failed to upsert machine state", "error", err)
	}

	if _, err := e.st.RecordEvent(ctx, store.MachineEvent{
		TargetMachine: e.machineName,
		EventType:     triggerEvent,
		Payload:       map[string]any{"from_state": from, "to_state": to},
		Source:        "engine",
	}); err != nil {
		e.log.Error("failed to record transition event", "error", err)
	}

	if err := e.st.RecordTransition(ctx, e.machineName, from, to, triggerEvent); err != nil {
		e.log.Error("failed to record transition audit row", "error", err)
	}
}

// fail marks the machine failed, preserving current_state for post-mortem
// inspection, and stops the run loop.
func (e *Engine) fail(ctx context.Context, cause error) error {
	e.log.Error("machine failed", "current_state", e.current, "error", cause)
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()
	if err := e.st.UpsertMachineState(ctx, store.MachineState{
		MachineName:  e.machineName,
		ConfigType:   e.descriptor.Name,
		CurrentState: e.current,
		Status:       "failed",
	}); err != nil {
		e.log.Error("failed to record failed status", "error", err)
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	return cause
}
