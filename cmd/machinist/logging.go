package main

import (
	"log/slog"
	"os"
)

// configureLogging installs the process-wide slog handler. "json" is meant
// for production log aggregation; anything else (including the default,
// unset value) falls back to slog's human-readable text handler.
func configureLogging(format string) {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, nil)
	default:
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}
