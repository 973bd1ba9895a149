// Package coordinator makes start/stop/restart of the metrics listener safe
// when the host application runs as multiple uncoordinated worker processes.
// The shared state store is the authoritative arbiter of listener ownership
// and of the one-time auto-start election; the host-local advisory lock
// covers the race window before the store confirms a claim and stands in for
// the store when it is unreachable, at the cost of single-host-only safety.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streamexporter/config"
	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/health"
	"github.com/c360/streamexporter/lockfile"
	"github.com/c360/streamexporter/pkg/retry"
	"github.com/c360/streamexporter/statestore"
)

// Coordination keys in the shared store
const (
	KeyRunning            = "exporter.running"
	KeyHost               = "exporter.host"
	KeyPort               = "exporter.port"
	KeyStopRequested      = "exporter.stop_requested"
	KeyAutoStartCompleted = "exporter.autostart_completed"
)

// Cross-process stop propagation is flag-based and eventually consistent; the
// poll interval bounds the propagation delay, the stop wait bounds how long a
// stop caller watches for the owner to relinquish the socket.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultStopWait     = 5 * time.Second
)

// State is the lifecycle state of the listener as this process knows it
type State int32

// Lifecycle states
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns the state name for status reporting
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Listener is the lifecycle surface of the HTTP listener the coordinator
// drives. The production implementation is server.Listener.
type Listener interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Addr() string
}

// ListenerFactory builds a listener for an address. Injected so election and
// propagation tests can observe starts without binding real sockets.
type ListenerFactory func(addr string) Listener

// electionRecord is the value stored under the auto-start completion key
type electionRecord struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the coordinator's answer to a status query. It is always
// reportable, including after a failed start.
type Status struct {
	State     State     `json:"state"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at,omitzero"`
	OwnsLocal bool      `json:"owns_local_listener"`
	Degraded  bool      `json:"degraded_coordination"`
	LastError string    `json:"last_error,omitempty"`
}

// Coordinator orchestrates the listener lifecycle for one worker process
type Coordinator struct {
	store    statestore.Store
	lock     *lockfile.Lock
	settings func() config.Settings
	factory  ListenerFactory
	logger   *slog.Logger
	workerID string

	pollInterval time.Duration
	stopWait     time.Duration

	state    atomic.Int32
	degraded atomic.Bool

	mu        sync.Mutex // serializes Start/Stop/Restart
	listener  Listener
	startedAt time.Time
	host      string
	port      int
	lastErr   error

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	degradedOnce sync.Once
}

// Option is a functional option for configuring the Coordinator
type Option func(*Coordinator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLock sets the advisory lock; defaults to the well-known path
func WithLock(lock *lockfile.Lock) Option {
	return func(c *Coordinator) {
		if lock != nil {
			c.lock = lock
		}
	}
}

// WithPollInterval sets the stop-flag polling interval
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithStopWait sets how long a cross-process stop waits for confirmation
func WithStopWait(wait time.Duration) Option {
	return func(c *Coordinator) {
		if wait > 0 {
			c.stopWait = wait
		}
	}
}

// WithWorkerID overrides the generated worker identity (tests)
func WithWorkerID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.workerID = id
		}
	}
}

// New creates a coordinator. settings is re-read on every start so a restart
// picks up configuration changes; factory builds the listener to own.
func New(store statestore.Store, settings func() config.Settings, factory ListenerFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		lock:         lockfile.New(""),
		settings:     settings,
		factory:      factory,
		logger:       slog.Default().With("component", "coordinator"),
		workerID:     uuid.NewString(),
		pollInterval: DefaultPollInterval,
		stopWait:     DefaultStopWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("worker_id", c.workerID)
	return c
}

// currentState returns the lifecycle state
func (c *Coordinator) currentState() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// noteDegraded records that the store is unreachable and logs the degraded
// notice once per coordinator lifetime
func (c *Coordinator) noteDegraded(err error) {
	c.degraded.Store(true)
	c.degradedOnce.Do(func() {
		c.logger.Warn("coordination store unreachable, falling back to local advisory lock only",
			"error", err)
	})
}

// storeFlag reads a flag, tolerating an unreachable store by reporting the
// flag unset and flipping degraded mode
func (c *Coordinator) storeFlag(ctx context.Context, key string) bool {
	set, err := statestore.FlagSet(ctx, c.store, key)
	if err != nil {
		c.noteDegraded(err)
		return false
	}
	c.degraded.Store(false)
	return set
}

// Start brings the listener up in this process. Informational outcomes are
// reported through sentinel errors: ErrAlreadyStarting when another process
// holds the start critical section, ErrAlreadyRunning when the store shows a
// live listener elsewhere. A bind conflict is fatal for this attempt and
// leaves the coordinator in the error state.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.currentState() {
	case StateRunning:
		return errors.ErrAlreadyRunning
	case StateStarting, StateStopping:
		return errors.ErrAlreadyStarting
	}

	settings := c.settings().Clone()
	if err := settings.Validate(); err != nil {
		return err
	}

	acquired, err := c.lock.TryAcquire()
	if err != nil {
		c.logger.Warn("advisory lock unavailable, continuing on store coordination alone", "error", err)
	} else if !acquired {
		return errors.ErrAlreadyStarting
	}
	if acquired {
		defer func() {
			if releaseErr := c.lock.Release(); releaseErr != nil {
				c.logger.Warn("failed to release advisory lock", "error", releaseErr)
			}
		}()
	}

	if c.storeFlag(ctx, KeyRunning) {
		host, _ := statestore.GetString(ctx, c.store, KeyHost)
		port, _ := statestore.GetString(ctx, c.store, KeyPort)
		c.logger.Info("listener already running in another process", "host", host, "port", port)
		return errors.ErrAlreadyRunning
	}

	c.setState(StateStarting)
	listener := c.factory(settings.Addr())
	if err := listener.Start(ctx); err != nil {
		c.setState(StateError)
		c.lastErr = err
		return err
	}

	c.listener = listener
	c.startedAt = time.Now()
	c.host = settings.Host
	c.port = settings.Port
	c.lastErr = nil

	c.publishRunning(ctx, settings)
	c.setState(StateRunning)

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.watchCancel = cancel
	c.watchDone = done
	go c.watchStopFlag(watchCtx, done)

	c.logger.Info("listener started", "addr", listener.Addr(),
		"degraded", c.degraded.Load())
	return nil
}

// publishRunning mirrors ownership into the store, best effort in degraded mode
func (c *Coordinator) publishRunning(ctx context.Context, settings config.Settings) {
	writes := map[string]string{
		KeyRunning: "1",
		KeyHost:    settings.Host,
		KeyPort:    strconv.Itoa(settings.Port),
	}
	for key, value := range writes {
		if err := c.store.Put(ctx, key, []byte(value)); err != nil {
			c.noteDegraded(err)
			return
		}
	}
	if err := c.store.Delete(ctx, KeyStopRequested); err != nil {
		c.noteDegraded(err)
	}
}

// clearRunning removes the ownership keys, best effort
func (c *Coordinator) clearRunning(ctx context.Context) {
	for _, key := range []string{KeyRunning, KeyHost, KeyPort} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.noteDegraded(err)
			return
		}
	}
}

// watchStopFlag polls for a cross-process stop request while this process
// owns the listener. The flag self-clears once observed.
func (c *Coordinator) watchStopFlag(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.storeFlag(ctx, KeyStopRequested) {
				continue
			}
			c.logger.Info("stop requested by another process")
			if err := c.store.Delete(ctx, KeyStopRequested); err != nil {
				c.noteDegraded(err)
			}
			if err := c.stopLocal(ctx, false); err != nil {
				c.logger.Error("failed to honor cross-process stop request", "error", err)
			}
			return
		}
	}
}

// stopLocal shuts the locally owned listener down and clears the ownership
// keys. Ownership of the listener is claimed under the mutex and the mutex is
// released before waiting on the watcher, so the watcher's own stop path and
// an operator Stop cannot deadlock; whichever claims first performs the
// shutdown, the other sees not-running. cancelWatch is false when called from
// the watcher itself.
func (c *Coordinator) stopLocal(ctx context.Context, cancelWatch bool) error {
	c.mu.Lock()
	if c.listener == nil {
		c.mu.Unlock()
		return errors.ErrNotRunning
	}
	listener := c.listener
	cancel := c.watchCancel
	done := c.watchDone
	c.listener = nil
	c.watchCancel = nil
	c.setState(StateStopping)
	c.mu.Unlock()

	if cancelWatch && cancel != nil {
		cancel()
		<-done
	}

	err := listener.Shutdown(ctx)
	c.clearRunning(ctx)
	c.setState(StateStopped)

	if err != nil {
		return errors.Wrap(err, "Coordinator", "Stop", "shut down local listener")
	}
	c.logger.Info("listener stopped")
	return nil
}

// Stop halts the listener wherever it runs. If this process owns it, the
// shutdown is synchronous. Otherwise a stop-request flag is written and the
// call waits up to the stop-wait bound for the owning process to observe the
// flag and clear the running key; the delay is inherent to flag-based
// cross-process signaling.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	ownsLocal := c.listener != nil
	c.mu.Unlock()

	if ownsLocal {
		return c.stopLocal(ctx, true)
	}

	if !c.storeFlag(ctx, KeyRunning) {
		if c.degraded.Load() {
			return errors.WrapTransient(errors.ErrCoordinationUnavailable,
				"Coordinator", "Stop", "signal remote listener")
		}
		return errors.ErrNotRunning
	}

	if err := c.store.Put(ctx, KeyStopRequested, []byte("1")); err != nil {
		c.noteDegraded(err)
		return errors.WrapTransient(err, "Coordinator", "Stop", "write stop request")
	}

	// Poll until the owner clears the running flag or the wait bound expires.
	// A flag read that fails is not a confirmation: the running key may still
	// be set underneath, so the read error keeps its coordination class
	// instead of being treated as "cleared".
	waitCtx, cancel := context.WithTimeout(ctx, c.stopWait)
	defer cancel()

	var confirmFailure error
	_, err := retry.DoWithResult(waitCtx, retry.Config{
		MaxAttempts:  int(c.stopWait/c.pollInterval) + 1,
		InitialDelay: c.pollInterval,
		MaxDelay:     c.pollInterval,
		Multiplier:   1.0,
	}, func() (bool, error) {
		running, flagErr := statestore.FlagSet(waitCtx, c.store, KeyRunning)
		if flagErr != nil {
			c.noteDegraded(flagErr)
			confirmFailure = flagErr
			return false, flagErr
		}
		confirmFailure = nil
		if running {
			return true, errors.ErrStopTimeout
		}
		return false, nil
	})
	if err != nil {
		if confirmFailure != nil {
			return errors.WrapTransient(confirmFailure, "Coordinator", "Stop",
				"confirm remote shutdown")
		}
		return errors.WrapTransient(errors.ErrStopTimeout, "Coordinator", "Stop",
			"confirm remote shutdown")
	}
	return nil
}

// Restart stops the listener and starts it again with freshly read settings.
// The stop leg tolerates "nothing was running"; the cross-process case means
// the old owner may release the port with a propagation delay, which the
// start leg surfaces as a bind conflict if the port is not yet free.
func (c *Coordinator) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil && !errors.Is(err, errors.ErrNotRunning) {
		return err
	}
	return c.Start(ctx)
}

// AutoStart runs the one-time election and, on winning, starts the listener.
// Eligibility is the caller's captured boot-time auto_start value; changing
// the setting later takes effect only after the whole instance restarts.
// Returns whether this worker won.
func (c *Coordinator) AutoStart(ctx context.Context) (bool, error) {
	settings := c.settings().Clone()
	if !settings.AutoStart {
		return false, nil
	}

	if c.electionDone(ctx) {
		return false, nil
	}

	record, err := json.Marshal(electionRecord{WorkerID: c.workerID, Timestamp: time.Now()})
	if err != nil {
		return false, errors.WrapFatal(err, "Coordinator", "AutoStart", "encode election record")
	}

	// The claim is a set-if-not-exists write, safe to retry through transient
	// store blips; a lost election is final and ends the retry immediately
	err = retry.Do(ctx, retry.Quick(), func() error {
		createErr := c.store.Create(ctx, KeyAutoStartCompleted, record)
		if errors.Is(createErr, errors.ErrKeyExists) {
			return retry.NonRetryable(createErr)
		}
		return createErr
	})
	switch {
	case err == nil:
		// Claim confirmed by the store
	case errors.Is(err, errors.ErrKeyExists):
		c.logger.Debug("auto-start election lost")
		return false, nil
	default:
		// Store unreachable at boot: fall back to the advisory lock, which
		// narrows the guarantee to workers on this host
		c.noteDegraded(err)
		acquired, lockErr := c.lock.TryAcquire()
		if lockErr != nil || !acquired {
			return false, nil
		}
		defer func() { _ = c.lock.Release() }()
		// Second store check in case it recovered during the window
		if c.electionDone(ctx) {
			return false, nil
		}
	}

	c.logger.Info("auto-start election won")
	if err := c.Start(ctx); err != nil {
		if errors.Is(err, errors.ErrAlreadyRunning) || errors.Is(err, errors.ErrAlreadyStarting) {
			return false, nil
		}
		return true, err
	}
	return true, nil
}

// electionDone reads the completion key as a record rather than a flag, since
// the winner stores JSON, not "1"
func (c *Coordinator) electionDone(ctx context.Context) bool {
	_, err := c.store.Get(ctx, KeyAutoStartCompleted)
	if err == nil {
		return true
	}
	if !errors.Is(err, errors.ErrKeyNotFound) {
		c.noteDegraded(err)
	}
	return false
}

// Status reports the lifecycle state; always answerable, including after a
// failed start attempt
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		State:     c.currentState(),
		Host:      c.host,
		Port:      c.port,
		OwnsLocal: c.listener != nil,
		Degraded:  c.degraded.Load(),
	}
	if !c.startedAt.IsZero() && status.State == StateRunning {
		status.StartedAt = c.startedAt
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Health converts the lifecycle state into a health status for /health
func (c *Coordinator) Health() health.Status {
	status := c.Status()

	switch {
	case status.State == StateRunning && status.Degraded:
		return health.NewDegraded("coordinator", "running with local-only coordination")
	case status.State == StateRunning:
		return health.NewHealthy("coordinator", "listener running")
	case status.State == StateError:
		return health.NewUnhealthy("coordinator", status.LastError)
	default:
		return health.NewDegraded("coordinator", "listener "+status.State.String())
	}
}
