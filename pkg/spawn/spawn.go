// Package spawn implements the child-process half of the spawn protocol
// used by the start_fsm builtin: launching another instance of this
// binary against a different descriptor and machine name, with a
// JSON-encoded initial context.
package spawn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// maxInitialContextBytes mirrors the warning threshold in pkg/action —
// duplicated here rather than shared, since neither package imports the
// other (pkg/action reaches this code only through its Spawner interface).
const maxInitialContextBytes = 4 * 1024

// Config carries the process-wide socket/store settings a spawned child
// should inherit so the whole machine fleet shares one event plane and
// one database.
type Config struct {
	EventSocketPath     string
	ControlSocketPrefix string
	ActionsDir          string
	DBPath              string
}

// ProcessSpawner launches child FSM instances as OS processes running
// this same binary. It satisfies pkg/action's Spawner interface.
type ProcessSpawner struct {
	cfg Config
	log *slog.Logger
}

// New returns a ProcessSpawner that propagates cfg to every child it
// launches.
func New(cfg Config) *ProcessSpawner {
	return &ProcessSpawner{cfg: cfg, log: slog.With("component", "spawn")}
}

// Spawn starts a detached child process running yamlPath as machineName,
// with --initial-context built from initialContext. The child is not
// waited on here — completion is tracked through the job table, not the
// OS process exit code (per the wait_for_jobs protocol).
func (p *ProcessSpawner) Spawn(yamlPath, machineName string, initialContext map[string]any) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve engine binary path: %w", err)
	}

	encoded, err := json.Marshal(initialContext)
	if err != nil {
		return fmt.Errorf("marshal initial context: %w", err)
	}
	if len(encoded) > maxInitialContextBytes {
		p.log.Warn("initial context exceeds 4KiB", "machine_name", machineName, "bytes", len(encoded))
	}

	args := []string{yamlPath, "--machine-name", machineName, "--initial-context", string(encoded)}
	if p.cfg.EventSocketPath != "" {
		args = append(args, "--event-socket-path", p.cfg.EventSocketPath)
	}
	if p.cfg.ControlSocketPrefix != "" {
		args = append(args, "--control-socket-prefix", p.cfg.ControlSocketPrefix)
	}
	if p.cfg.ActionsDir != "" {
		args = append(args, "--actions-dir", p.cfg.ActionsDir)
	}
	if p.cfg.DBPath != "" {
		args = append(args, "--db-path", p.cfg.DBPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child FSM process for %s: %w", machineName, err)
	}

	p.log.Info("spawned child FSM", "machine_name", machineName, "descriptor", yamlPath, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			p.log.Warn("child FSM process exited with error", "machine_name", machineName, "error", err)
		}
	}()

	return nil
}
