package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/machinist-run/machinist/pkg/mcontext"
)

// maxInitialContextBytes is only a warning threshold — warn if the
// encoded JSON exceeds 4 KiB — not an enforced limit — a large context is
// unusual enough to flag but not wrong.
const maxInitialContextBytes = 4 * 1024

// startFSMAction spawns a child FSM process: start_fsm. context_vars
// entries take one of three forms: "name" (copy ctx[name] to child's
// "name"), "a.b.c" (copy the nested value to child key "a.b.c" — the full
// dotted path, unless aliased), or "a.b.c as alias" (copy to child key
// "alias").
type startFSMAction struct {
	env *Environment
}

func newStartFSMAction(env *Environment) Action { return &startFSMAction{env: env} }

func (a *startFSMAction) Run(_ context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	yamlPath := configString(cfg, "yaml_path")
	machineName := configString(cfg, "machine_name")
	if yamlPath == "" || machineName == "" {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "start_fsm", Err: fmt.Errorf("yaml_path and machine_name are required")}
	}

	initialContext := buildInitialContext(mc, asList(cfg["context_vars"]))

	if encoded, err := json.Marshal(initialContext); err == nil && len(encoded) > maxInitialContextBytes {
		slog.Warn("start_fsm initial context exceeds 4KiB", "machine_name", machineName, "bytes", len(encoded))
	}

	if err := a.env.Spawner.Spawn(yamlPath, machineName, initialContext); err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "start_fsm", Err: err}
	}
	return outcomeEvent(cfg, "success", "success"), nil
}

// buildInitialContext resolves each context_vars entry against mc. A
// missing source value is skipped (absent from the child context, not
// null), with a warning logged.
func buildInitialContext(mc mcontext.Context, vars []any) map[string]any {
	out := make(map[string]any, len(vars))
	for _, raw := range vars {
		spec, ok := raw.(string)
		if !ok {
			continue
		}
		path, alias := parseContextVar(spec)

		v, found := mc.Get(path)
		if !found {
			slog.Warn("start_fsm context_vars entry not found in parent context", "entry", spec)
			continue
		}
		out[alias] = v
	}
	return out
}

// parseContextVar splits "a.b.c as alias" into ("a.b.c", "alias"); a bare
// entry with no "as" aliases to its own full path.
func parseContextVar(spec string) (path, alias string) {
	if idx := strings.Index(spec, " as "); idx >= 0 {
		return strings.TrimSpace(spec[:idx]), strings.TrimSpace(spec[idx+len(" as "):])
	}
	return spec, spec
}
