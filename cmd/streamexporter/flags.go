package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	SettingsPath    string
	NATSURL         string
	Bucket          string
	LockPath        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	Standalone      bool
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.SettingsPath, "settings",
		getEnv("STREAMEXPORTER_SETTINGS", ""),
		"Path to settings JSON file, empty for defaults (env: STREAMEXPORTER_SETTINGS)")

	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("STREAMEXPORTER_NATS_URL", "nats://localhost:4222"),
		"Coordination store URL (env: STREAMEXPORTER_NATS_URL)")

	flag.StringVar(&cfg.Bucket, "bucket",
		getEnv("STREAMEXPORTER_BUCKET", ""),
		"Coordination KV bucket, empty for the default (env: STREAMEXPORTER_BUCKET)")

	flag.StringVar(&cfg.LockPath, "lock-path",
		getEnv("STREAMEXPORTER_LOCK_PATH", ""),
		"Advisory lock file path, empty for the default (env: STREAMEXPORTER_LOCK_PATH)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STREAMEXPORTER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STREAMEXPORTER_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STREAMEXPORTER_LOG_FORMAT", "json"),
		"Log format: json, text (env: STREAMEXPORTER_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("STREAMEXPORTER_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: STREAMEXPORTER_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.Standalone, "standalone", false,
		"Run without the coordination store (single worker, local-only exclusion)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate settings and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if !cfg.Standalone && cfg.NATSURL == "" {
		return fmt.Errorf("nats-url required unless running standalone")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Prometheus exporter for streaming control-plane state

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run against the default local coordination store
  %s

  # Run with explicit settings and store
  %s --settings=/etc/streamexporter/settings.json --nats-url=nats://kv:4222

  # Single-worker deployment without a coordination store
  %s --standalone

  # Validate settings only
  %s --settings=/etc/streamexporter/settings.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
