// Package main implements the entry point for the stream metrics exporter.
// One copy of this binary runs inside every worker process of the host
// application; the coordinator guarantees that exactly one of them owns the
// metrics listener at any time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/streamexporter/collector"
	"github.com/c360/streamexporter/config"
	"github.com/c360/streamexporter/coordinator"
	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/health"
	"github.com/c360/streamexporter/hoststate"
	"github.com/c360/streamexporter/lockfile"
	"github.com/c360/streamexporter/server"
	"github.com/c360/streamexporter/statestore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamexporter"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Exporter failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	settings, err := config.Load(cliCfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Settings are valid", "addr", settings.Addr())
		return nil
	}

	slog.Info("Starting stream metrics exporter",
		"version", Version,
		"build_time", BuildTime,
		"addr", settings.Addr(),
		"auto_start", settings.AutoStart,
		"standalone", cliCfg.Standalone)

	store, closeStore := setupStore(cliCfg, logger)
	defer closeStore()

	lock := lockfile.New(cliCfg.LockPath)
	coord := setupCoordinator(store, lock, settings, logger)

	err = runWithSignalHandling(coord, settings, cliCfg.ShutdownTimeout)

	// Clean exit removes the advisory lock file so a stale one does not
	// linger across instance restarts
	if removeErr := lock.Remove(); removeErr != nil {
		slog.Warn("Failed to remove lock file", "path", lock.Path(), "error", removeErr)
	}
	return err
}

// setupStore builds the coordination store: the shared KV substrate, or an
// in-process store for standalone deployments
func setupStore(cliCfg *CLIConfig, logger *slog.Logger) (statestore.Store, func()) {
	if cliCfg.Standalone {
		slog.Info("Running standalone, coordination is process-local only")
		return statestore.NewMemory(), func() {}
	}

	opts := []statestore.KVOption{statestore.WithLogger(logger)}
	if cliCfg.Bucket != "" {
		opts = append(opts, statestore.WithBucket(cliCfg.Bucket))
	}
	kv := statestore.NewKV(cliCfg.NATSURL, opts...)
	return kv, kv.Close
}

// setupCoordinator wires the source, pipeline, listener factory, and
// coordinator together
func setupCoordinator(
	store statestore.Store,
	lock *lockfile.Lock,
	settings config.Settings,
	logger *slog.Logger,
) *coordinator.Coordinator {
	source := hoststate.New(store, hoststate.WithLogger(logger))
	pipeline := collector.NewPipeline(source,
		func() config.Settings { return settings },
		collector.WithLogger(logger))

	var coord *coordinator.Coordinator
	factory := func(addr string) coordinator.Listener {
		return server.New(addr, pipeline,
			server.WithLogger(logger),
			server.WithSuppressedAccessLogs(settings.SuppressAccessLogs),
			server.WithHealth(func() health.Status { return exporterHealth(coord) }))
	}

	coord = coordinator.New(store,
		func() config.Settings { return settings },
		factory,
		coordinator.WithLogger(logger),
		coordinator.WithLock(lock))
	return coord
}

// exporterHealth rolls the coordinator and store views into one /health
// answer with per-component sub-statuses
func exporterHealth(coord *coordinator.Coordinator) health.Status {
	store := health.NewHealthy("statestore", "coordination store reachable")
	if coord.Status().Degraded {
		store = health.NewDegraded("statestore", "coordination store unreachable, exclusion is local-only")
	}
	return health.Aggregate("exporter", []health.Status{coord.Health(), store})
}

// runWithSignalHandling starts the listener (directly, or through the
// auto-start election) and stops it on SIGINT/SIGTERM
func runWithSignalHandling(
	coord *coordinator.Coordinator,
	settings config.Settings,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if settings.AutoStart {
		won, err := coord.AutoStart(signalCtx)
		if err != nil {
			return fmt.Errorf("auto-start: %w", err)
		}
		if won {
			slog.Info("This worker won the auto-start election", "url", settings.MetricsURL())
		} else {
			slog.Info("Auto-start handled by another worker, standing by")
		}
	} else {
		if err := coord.Start(signalCtx); err != nil {
			if errors.Is(err, errors.ErrAlreadyRunning) || errors.Is(err, errors.ErrAlreadyStarting) {
				slog.Info("Listener already running elsewhere, standing by", "error", err)
			} else {
				return fmt.Errorf("start listener: %w", err)
			}
		} else {
			slog.Info("Metrics listener serving", "url", settings.MetricsURL())
		}
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coord.Stop(shutdownCtx); err != nil && !errors.Is(err, errors.ErrNotRunning) {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Exporter shutdown complete")
	return nil
}
