// Package server runs the HTTP metrics listener. The listener binds its
// address explicitly before serving so a bind conflict surfaces as a start
// error instead of a silent goroutine death, and shuts down gracefully so an
// in-flight scrape completes before the port is released.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/health"
)

// DefaultShutdownTimeout bounds graceful shutdown when the caller's context
// carries no deadline
const DefaultShutdownTimeout = 5 * time.Second

// HealthFunc supplies the current health status for the /health endpoint
type HealthFunc func() health.Status

// Listener serves /metrics and /health on a configured address
type Listener struct {
	addr               string
	gatherer           prometheus.Gatherer
	healthFn           HealthFunc
	logger             *slog.Logger
	suppressAccessLogs bool

	server     *http.Server
	netL       net.Listener
	group      *errgroup.Group
	baseCancel context.CancelFunc
	shutdown   chan struct{}
}

// Option is a functional option for configuring the Listener
type Option func(*Listener)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHealth sets the /health status provider
func WithHealth(fn HealthFunc) Option {
	return func(l *Listener) {
		if fn != nil {
			l.healthFn = fn
		}
	}
}

// WithSuppressedAccessLogs disables per-request logging. Scrapes arrive every
// few seconds forever, so this is usually what operators want.
func WithSuppressedAccessLogs(suppress bool) Option {
	return func(l *Listener) {
		l.suppressAccessLogs = suppress
	}
}

// New creates a listener for addr serving the given gatherer. Nothing binds
// until Start.
func New(addr string, gatherer prometheus.Gatherer, opts ...Option) *Listener {
	l := &Listener{
		addr:     addr,
		gatherer: gatherer,
		healthFn: func() health.Status {
			return health.NewHealthy("listener", "serving")
		},
		logger:   slog.Default().With("component", "server"),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds the address and begins serving. A port conflict is reported
// immediately as a fatal bind error; any later serve failure is retrievable
// via Shutdown.
func (l *Listener) Start(ctx context.Context) error {
	netL, err := net.Listen("tcp", l.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return errors.WrapFatal(
				fmt.Errorf("%s: %w", l.addr, errors.ErrBindConflict),
				"Listener", "Start", "bind address")
		}
		return errors.WrapFatal(err, "Listener", "Start", "bind address")
	}
	l.netL = netL

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(l.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", l.handleHealth)

	// Requests run under a listener-owned context, not the start call's: the
	// start action finishing (or being cancelled) must not poison the context
	// handed to later scrapes. The base context ends only at Shutdown.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	l.baseCancel = baseCancel

	l.server = &http.Server{
		Handler:     l.withAccessLog(mux),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	l.group, _ = errgroup.WithContext(ctx)
	l.group.Go(func() error {
		if err := l.server.Serve(netL); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener serve failed", "addr", l.addr, "error", err)
			return err
		}
		return nil
	})

	l.logger.Info("metrics listener started", "addr", l.Addr())
	return nil
}

// Addr returns the bound address, useful when the configured port was 0
func (l *Listener) Addr() string {
	if l.netL == nil {
		return l.addr
	}
	return l.netL.Addr().String()
}

// Shutdown stops accepting connections, waits for in-flight requests, and
// returns any serve error. Safe to call once after a successful Start.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	if err := l.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Listener", "Shutdown", "drain connections")
	}
	if err := l.group.Wait(); err != nil {
		return errors.WrapTransient(err, "Listener", "Shutdown", "stop serve loop")
	}

	l.baseCancel()
	close(l.shutdown)
	l.logger.Info("metrics listener stopped", "addr", l.addr)
	return nil
}

// Done is closed once shutdown has completed
func (l *Listener) Done() <-chan struct{} {
	return l.shutdown
}

func (l *Listener) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := l.healthFn()

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		l.logger.Warn("failed to write health response", "error", err)
	}
}

// statusRecorder captures the response code for access logging
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (l *Listener) withAccessLog(next http.Handler) http.Handler {
	if l.suppressAccessLogs {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(recorder, r)
		l.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.code,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
