// Command machinist runs a single FSM machine instance against a YAML
// descriptor: it loads and validates the descriptor, opens the shared
// store, binds this machine's control socket, and drives the interpreter
// until stopped or until the machine fails.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/machinist-run/machinist/pkg/action"
	"github.com/machinist-run/machinist/pkg/broadcast"
	"github.com/machinist-run/machinist/pkg/control"
	"github.com/machinist-run/machinist/pkg/descriptor"
	"github.com/machinist-run/machinist/pkg/engine"
	"github.com/machinist-run/machinist/pkg/spawn"
	"github.com/machinist-run/machinist/pkg/store"
)

const (
	exitClean        = 0
	exitConfigError  = 1
	exitRuntimeFatal = 2
)

const (
	defaultEventSocketPath = "/tmp/machinist-broadcast.sock"
	defaultControlPrefix   = "/tmp/machinist-ctl"
	defaultDBPath          = "machinist.db"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	machineName := flag.String("machine-name", "", "instance identifier (required)")
	initialContextJSON := flag.String("initial-context", "", "JSON object merged into the initial context")
	eventSocketPath := flag.String("event-socket-path", getEnv("MACHINIST_EVENT_SOCKET", defaultEventSocketPath), "broadcast socket path")
	controlPrefix := flag.String("control-socket-prefix", getEnv("MACHINIST_CONTROL_PREFIX", defaultControlPrefix), "per-machine control socket path prefix")
	actionsDir := flag.String("actions-dir", "", "extra directory of compiled action plugins (.so) scanned at startup")
	dbPath := flag.String("db-path", getEnv("MACHINIST_DB_PATH", defaultDBPath), "sqlite database path for jobs, events, and machine state")
	logFormat := flag.String("log-format", getEnv("MACHINIST_LOG_FORMAT", "text"), "log output format: text or json")
	watch := flag.Bool("watch", false, "stop the engine cleanly when the descriptor file changes on disk, for a supervisor to restart it")
	dryRun := flag.Bool("dry-run", false, "load and validate the descriptor, print a summary, and exit without starting")
	envFile := flag.String("env-file", "", "optional .env file to load before startup")
	flag.Parse()

	configureLogging(*logFormat)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("could not load env file, continuing with existing environment", "path", *envFile, "error", err)
		} else {
			slog.Info("loaded environment file", "path", *envFile)
		}
	}

	if flag.NArg() < 1 {
		slog.Error("missing required descriptor path argument")
		flag.Usage()
		return exitConfigError
	}
	descriptorPath := flag.Arg(0)

	if *machineName == "" {
		slog.Error("--machine-name is required")
		return exitConfigError
	}

	initialContext, err := parseInitialContext(*initialContextJSON)
	if err != nil {
		slog.Error("malformed --initial-context, falling back to an empty context", "error", err)
		initialContext = map[string]any{}
	}

	reg := action.NewRegistry()
	if *actionsDir != "" {
		if err := action.LoadPluginsDir(*actionsDir, reg); err != nil {
			slog.Error("failed to load --actions-dir", "path", *actionsDir, "error", err)
			return exitConfigError
		}
	}

	d, err := descriptor.Load(descriptorPath)
	if err != nil {
		slog.Error("failed to load descriptor", "path", descriptorPath, "error", err)
		return exitConfigError
	}
	if err := descriptor.Validate(d, reg); err != nil {
		slog.Error("descriptor references an unregistered action type", "error", err)
		return exitConfigError
	}

	if *dryRun {
		printDescriptorSummary(d)
		return exitClean
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, *dbPath)
	if err != nil {
		slog.Error("failed to open store", "path", *dbPath, "error", err)
		return exitRuntimeFatal
	}
	defer st.Close()

	bcastWriter := broadcast.NewWriter(*eventSocketPath)

	controlPath := control.Path(*controlPrefix, *machineName)
	ctl, err := control.Listen(controlPath)
	if err != nil {
		slog.Error("failed to bind control socket", "path", controlPath, "error", err)
		return exitRuntimeFatal
	}
	defer ctl.Close()

	spawner := spawn.New(spawn.Config{
		EventSocketPath:     *eventSocketPath,
		ControlSocketPrefix: *controlPrefix,
		ActionsDir:          *actionsDir,
		DBPath:              *dbPath,
	})

	env := &action.Environment{
		Store:         st,
		Broadcast:     bcastWriter,
		Spawner:       spawner,
		MachineName:   *machineName,
		ControlPrefix: *controlPrefix,
	}

	eng := engine.New(engine.Config{
		Descriptor:     d,
		Registry:       reg,
		Env:            env,
		Control:        ctl,
		Broadcast:      bcastWriter,
		Store:          st,
		MachineName:    *machineName,
		InitialContext: initialContext,
	})

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine failed to start", "error", err)
		return exitRuntimeFatal
	}

	if *watch {
		go watchDescriptor(ctx, descriptorPath, stop)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "machine_name", *machineName, "current_state", eng.CurrentState())
	case <-eng.Done():
		slog.Warn("machine stopped on its own", "machine_name", *machineName, "current_state", eng.CurrentState())
	}
	eng.Stop(context.Background())

	row, ok, err := st.GetMachineState(context.Background(), *machineName)
	if err != nil {
		slog.Warn("failed to read final machine state", "error", err)
		return exitClean
	}
	if ok && row.Status == "failed" {
		return exitRuntimeFatal
	}
	return exitClean
}

// parseInitialContext decodes the --initial-context flag value as a JSON
// object. An empty string is not an error — it just means no seed values.
func parseInitialContext(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode --initial-context: %w", err)
	}
	return out, nil
}

func printDescriptorSummary(d *descriptor.Descriptor) {
	fmt.Printf("descriptor: %s\n", d.Name)
	fmt.Printf("initial state: %s\n", d.InitialState)
	fmt.Printf("states (%d): %v\n", len(d.States), d.States)
	fmt.Printf("events (%d): %v\n", len(d.Events), d.Events)
	fmt.Printf("transitions (%d):\n", len(d.Transitions))
	for _, t := range d.Transitions {
		fmt.Printf("  %s -(%s)-> %s\n", t.From, t.Event, t.To)
	}
}

// watchDescriptor triggers stop (the process's shutdown signal) as soon as
// descriptorPath changes on disk. A running engine does not hot-reload a
// descriptor mid-flight — the supervising process restart, not this
// binary, is responsible for applying the new version, matching the way
// --watch is documented as a development convenience rather than a
// production reload mechanism.
func watchDescriptor(ctx context.Context, descriptorPath string, stop context.CancelFunc) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("--watch unavailable, failed to start file watcher", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(descriptorPath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("--watch unavailable, failed to watch descriptor directory", "path", dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(descriptorPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Info("descriptor changed on disk, stopping for restart", "path", descriptorPath)
			stop()
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("descriptor watcher error", "error", err)
		}
	}
}
