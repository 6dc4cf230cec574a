// Package wire defines the JSON envelopes exchanged over the control and
// broadcast Unix datagram sockets. Both sides of every socket —
// the engine, the builtin actions, and the observer bridge — share these
// types so the wire format is defined exactly once.
package wire

import (
	"encoding/json"
	"log/slog"
)

// ControlEnvelope is sent to a single machine's control socket. Payload
// may arrive as either a JSON object (passed through) or a JSON string
// (auto-parsed before the envelope is handed to an action); a string that
// fails to parse is logged and replaced with an empty object rather than
// rejecting the envelope outright.
type ControlEnvelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Source  string         `json:"source,omitempty"`
}

// rawControlEnvelope mirrors ControlEnvelope but leaves Payload untyped
// so DecodeControlEnvelope can detect the object-vs-string case before
// committing to a shape.
type rawControlEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// DecodeControlEnvelope parses a datagram into a ControlEnvelope,
// normalising a string-typed payload into a map by parsing it as JSON.
func DecodeControlEnvelope(data []byte) (ControlEnvelope, error) {
	var raw rawControlEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return ControlEnvelope{}, err
	}

	env := ControlEnvelope{Type: raw.Type, JobID: raw.JobID, Source: raw.Source}

	switch {
	case len(raw.Payload) == 0:
		// no payload at all
	case raw.Payload[0] == '"':
		var asString string
		if err := json.Unmarshal(raw.Payload, &asString); err != nil {
			slog.Warn("control envelope payload is a malformed JSON string", "type", env.Type, "error", err)
			env.Payload = map[string]any{}
			break
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(asString), &parsed); err != nil {
			slog.Warn("control envelope payload string did not parse as JSON", "type", env.Type, "error", err)
			env.Payload = map[string]any{}
			break
		}
		env.Payload = parsed
	default:
		var parsed map[string]any
		if err := json.Unmarshal(raw.Payload, &parsed); err != nil {
			slog.Warn("control envelope payload is not a JSON object", "type", env.Type, "error", err)
			env.Payload = map[string]any{}
			break
		}
		env.Payload = parsed
	}

	return env, nil
}

// BroadcastEnvelope is written to the process-wide broadcast socket by the
// engine (state_change) and by actions (activity_log, or any other
// free-form event_type).
type BroadcastEnvelope struct {
	MachineName string         `json:"machine_name"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
}

// StateChangePayload is the payload shape for event_type "state_change".
type StateChangePayload struct {
	FromState    string  `json:"from_state"`
	ToState      string  `json:"to_state"`
	EventTrigger string  `json:"event_trigger"`
	Timestamp    float64 `json:"timestamp"`
}

// ToMap renders the payload as a map[string]any for embedding in a
// BroadcastEnvelope.
func (p StateChangePayload) ToMap() map[string]any {
	return map[string]any{
		"from_state":    p.FromState,
		"to_state":      p.ToState,
		"event_trigger": p.EventTrigger,
		"timestamp":     p.Timestamp,
	}
}
