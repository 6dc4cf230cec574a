package action

import (
	"context"
	"fmt"

	"github.com/machinist-run/machinist/pkg/control"
	"github.com/machinist-run/machinist/pkg/mcontext"
	"github.com/machinist-run/machinist/pkg/store"
	"github.com/machinist-run/machinist/pkg/wire"
)

// sendEventAction delivers an envelope to another machine's control
// socket and, for durability, records the same event to the event log —
// the event table is the fallback a receiver can replay from if its
// socket read was lost to a restart.
type sendEventAction struct {
	env *Environment
}

func newSendEventAction(env *Environment) Action { return &sendEventAction{env: env} }

func (a *sendEventAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	target := configString(cfg, "target_machine")
	eventType := configString(cfg, "event_type")
	if target == "" || eventType == "" {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "send_event", Err: fmt.Errorf("target_machine and event_type are required")}
	}

	payload, _ := cfg["payload"].(map[string]any)

	_, err := a.env.Store.RecordEvent(ctx, store.MachineEvent{
		TargetMachine: target,
		EventType:     eventType,
		Payload:       payload,
		Source:        a.env.MachineName,
	})
	if err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "send_event", Err: err}
	}

	path := control.Path(a.env.ControlPrefix, target)
	if err := control.Send(path, wire.ControlEnvelope{
		Type:    eventType,
		Payload: payload,
		Source:  a.env.MachineName,
	}); err != nil {
		// Durable record already written above; a socket miss is not fatal —
		// the target can still observe the event via pull_events fallback.
		return outcomeEvent(cfg, "success", "success"), nil
	}

	return outcomeEvent(cfg, "success", "success"), nil
}
