package action

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"

	"github.com/machinist-run/machinist/pkg/mcontext"
)

var errEmptyCommand = errors.New("command is required")

// bashAction runs a shell command and stores its trimmed stdout: a
// general-purpose convenience action alongside the protocol actions.
type bashAction struct{}

func newBashAction(*Environment) Action { return &bashAction{} }

func (a *bashAction) Run(ctx context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	command := configString(cfg, "command")
	if command == "" {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "bash", Err: errEmptyCommand}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return outcomeEvent(cfg, "error", "error"), &Error{ActionType: "bash", Err: err}
	}

	if storeAs := configString(cfg, "store_as"); storeAs != "" {
		mc.Set(storeAs, string(bytes.TrimSpace(stdout.Bytes())))
	}
	return outcomeEvent(cfg, "success", "success"), nil
}

// logAction emits a structured log line from descriptor configuration:
// convenience action for descriptor-level diagnostics without a bash
// round-trip.
type logAction struct{}

func newLogAction(*Environment) Action { return &logAction{} }

func (a *logAction) Run(_ context.Context, mc mcontext.Context, cfg map[string]any) (string, error) {
	level := configString(cfg, "level")
	message := configString(cfg, "message")

	switch level {
	case "warn":
		slog.Warn(message)
	case "error":
		slog.Error(message)
	case "debug":
		slog.Debug(message)
	default:
		slog.Info(message)
	}
	return outcomeEvent(cfg, "success", "success"), nil
}
