package main

import (
	"log/slog"
	"os"
	"strings"
)

// setupLogger builds the process-wide logger. Every worker of the host
// application runs this binary, so the pid attribute is what tells their
// interleaved lines apart. Logs go to stderr to keep stdout clean for the
// --version and --validate outputs; per-scrape request logging is the server
// middleware's concern (see suppress_access_logs), not a level here.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
