package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamexporter/config"
	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/lockfile"
	"github.com/c360/streamexporter/statestore"
)

// fakeListener records lifecycle calls without binding a socket
type fakeListener struct {
	addr     string
	startErr error
	starts   *atomic.Int32
	stops    *atomic.Int32
}

func (f *fakeListener) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts.Add(1)
	return nil
}

func (f *fakeListener) Shutdown(context.Context) error {
	f.stops.Add(1)
	return nil
}

func (f *fakeListener) Addr() string { return f.addr }

// harness wires a coordinator against a shared store, simulating one worker
// process
type harness struct {
	coord  *Coordinator
	starts atomic.Int32
	stops  atomic.Int32
}

func newHarness(t *testing.T, store statestore.Store, settings config.Settings, opts ...Option) *harness {
	t.Helper()
	h := &harness{}
	factory := func(addr string) Listener {
		return &fakeListener{addr: addr, starts: &h.starts, stops: &h.stops}
	}
	base := []Option{
		WithLock(lockfile.New(filepath.Join(t.TempDir(), "autostart.lock"))),
		WithPollInterval(20 * time.Millisecond),
		WithStopWait(2 * time.Second),
	}
	h.coord = New(store, func() config.Settings { return settings }, factory, append(base, opts...)...)
	return h
}

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.Host = "127.0.0.1"
	return s
}

func TestStartIsIdempotent(t *testing.T) {
	store := statestore.NewMemory()
	h := newHarness(t, store, testSettings())
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx))
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })

	err := h.coord.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyRunning))
	assert.Equal(t, int32(1), h.starts.Load(), "exactly one listener bound")
	assert.Equal(t, StateRunning, h.coord.Status().State)
}

func TestStartRefusesWhenRunningElsewhere(t *testing.T) {
	store := statestore.NewMemory()
	ctx := context.Background()

	owner := newHarness(t, store, testSettings())
	require.NoError(t, owner.coord.Start(ctx))
	t.Cleanup(func() { _ = owner.coord.Stop(context.Background()) })

	other := newHarness(t, store, testSettings())
	err := other.coord.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyRunning))
	assert.Zero(t, other.starts.Load(), "second process must not bind a socket")
}

func TestStartPublishesOwnershipKeys(t *testing.T) {
	store := statestore.NewMemory()
	h := newHarness(t, store, testSettings())
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx))
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })

	running, err := statestore.FlagSet(ctx, store, KeyRunning)
	require.NoError(t, err)
	assert.True(t, running)

	host, _ := statestore.GetString(ctx, store, KeyHost)
	assert.Equal(t, "127.0.0.1", host)
	port, _ := statestore.GetString(ctx, store, KeyPort)
	assert.Equal(t, "9192", port)
}

func TestStopClearsOwnershipKeys(t *testing.T) {
	store := statestore.NewMemory()
	h := newHarness(t, store, testSettings())
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx))
	require.NoError(t, h.coord.Stop(ctx))

	running, err := statestore.FlagSet(ctx, store, KeyRunning)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, StateStopped, h.coord.Status().State)
	assert.Equal(t, int32(1), h.stops.Load())
}

func TestStopWithoutListenerAnywhere(t *testing.T) {
	h := newHarness(t, statestore.NewMemory(), testSettings())
	err := h.coord.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotRunning))
}

// dropoutStore serves the shared store until a stop request lands, then fails
// every read, simulating the store dropping out mid-confirmation
type dropoutStore struct {
	inner *statestore.Memory
	lost  atomic.Bool
}

func (s *dropoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.lost.Load() {
		return nil, errors.WrapTransient(errors.ErrCoordinationUnavailable, "KV", "Get", "connect")
	}
	return s.inner.Get(ctx, key)
}

func (s *dropoutStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.inner.Put(ctx, key, value); err != nil {
		return err
	}
	if key == KeyStopRequested {
		s.lost.Store(true)
	}
	return nil
}

func (s *dropoutStore) Create(ctx context.Context, key string, value []byte) error {
	return s.inner.Create(ctx, key, value)
}

func (s *dropoutStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func TestStopReportsUnconfirmedWhenStoreDropsOut(t *testing.T) {
	store := &dropoutStore{inner: statestore.NewMemory()}
	ctx := context.Background()
	require.NoError(t, store.inner.Put(ctx, KeyRunning, []byte("1")))

	h := newHarness(t, store, testSettings(), WithStopWait(200*time.Millisecond))
	err := h.coord.Stop(ctx)
	require.Error(t, err, "an unreadable running flag is not a confirmed shutdown")
	assert.True(t, errors.Is(err, errors.ErrCoordinationUnavailable))
	assert.False(t, errors.Is(err, errors.ErrNotRunning))
}

func TestStopTimesOutWhenOwnerNeverYields(t *testing.T) {
	store := statestore.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, KeyRunning, []byte("1")))

	h := newHarness(t, store, testSettings(), WithStopWait(200*time.Millisecond))
	err := h.coord.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStopTimeout))
}

func TestCrossProcessStopPropagation(t *testing.T) {
	store := statestore.NewMemory()
	ctx := context.Background()

	owner := newHarness(t, store, testSettings())
	require.NoError(t, owner.coord.Start(ctx))

	requester := newHarness(t, store, testSettings())
	require.NoError(t, requester.coord.Stop(ctx),
		"stop must succeed once the owner relinquishes within the wait bound")

	assert.Equal(t, int32(1), owner.stops.Load(), "owner shut its listener down")
	assert.Eventually(t, func() bool {
		return owner.coord.Status().State == StateStopped
	}, time.Second, 10*time.Millisecond)

	running, err := statestore.FlagSet(ctx, store, KeyRunning)
	require.NoError(t, err)
	assert.False(t, running, "running flag cleared after remote stop")

	stopFlag, err := statestore.FlagSet(ctx, store, KeyStopRequested)
	require.NoError(t, err)
	assert.False(t, stopFlag, "stop flag self-clears once observed")
}

func TestRestartRereadsSettings(t *testing.T) {
	store := statestore.NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	settings := testSettings()
	h := &harness{}
	factory := func(addr string) Listener {
		return &fakeListener{addr: addr, starts: &h.starts, stops: &h.stops}
	}
	h.coord = New(store, func() config.Settings {
		mu.Lock()
		defer mu.Unlock()
		return settings
	}, factory,
		WithLock(lockfile.New(filepath.Join(t.TempDir(), "autostart.lock"))),
		WithPollInterval(20*time.Millisecond))

	require.NoError(t, h.coord.Start(ctx))

	mu.Lock()
	settings.Port = 9193
	mu.Unlock()

	require.NoError(t, h.coord.Restart(ctx))
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })

	assert.Equal(t, int32(2), h.starts.Load())
	assert.Equal(t, int32(1), h.stops.Load())
	assert.Equal(t, 9193, h.coord.Status().Port)

	port, _ := statestore.GetString(ctx, store, KeyPort)
	assert.Equal(t, "9193", port)
}

func TestRestartToleratesNothingRunning(t *testing.T) {
	h := newHarness(t, statestore.NewMemory(), testSettings())
	require.NoError(t, h.coord.Restart(context.Background()))
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })
	assert.Equal(t, int32(1), h.starts.Load())
}

func TestBindFailureEntersErrorState(t *testing.T) {
	store := statestore.NewMemory()
	bindErr := errors.WrapFatal(errors.ErrBindConflict, "Listener", "Start", "bind address")

	var starts, stops atomic.Int32
	coord := New(store, func() config.Settings { return testSettings() },
		func(addr string) Listener {
			return &fakeListener{addr: addr, startErr: bindErr, starts: &starts, stops: &stops}
		},
		WithLock(lockfile.New(filepath.Join(t.TempDir(), "autostart.lock"))))

	err := coord.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBindConflict))

	status := coord.Status()
	assert.Equal(t, StateError, status.State)
	assert.NotEmpty(t, status.LastError)

	// The running flag must not claim a listener that never bound
	running, flagErr := statestore.FlagSet(context.Background(), store, KeyRunning)
	require.NoError(t, flagErr)
	assert.False(t, running)
}

func TestAutoStartElectionExactlyOnce(t *testing.T) {
	store := statestore.NewMemory()
	settings := testSettings()
	settings.AutoStart = true

	const workers = 8
	harnesses := make([]*harness, workers)
	for i := range harnesses {
		harnesses[i] = newHarness(t, store, settings)
	}

	var wg sync.WaitGroup
	wins := make([]bool, workers)
	for i, h := range harnesses {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.coord.AutoStart(context.Background())
			assert.NoError(t, err)
			wins[i] = won
		}()
	}
	wg.Wait()

	winners := 0
	var totalStarts int32
	for i, h := range harnesses {
		h := h
		if wins[i] {
			winners++
		}
		totalStarts += h.starts.Load()
		t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })
	}
	assert.Equal(t, 1, winners, "exactly one election winner")
	assert.Equal(t, int32(1), totalStarts, "exactly one listener bound")
}

func TestAutoStartDisabledIsNoop(t *testing.T) {
	h := newHarness(t, statestore.NewMemory(), testSettings())
	won, err := h.coord.AutoStart(context.Background())
	require.NoError(t, err)
	assert.False(t, won)
	assert.Zero(t, h.starts.Load())
}

func TestAutoStartAfterCompletionIsNoop(t *testing.T) {
	store := statestore.NewMemory()
	settings := testSettings()
	settings.AutoStart = true
	ctx := context.Background()

	first := newHarness(t, store, settings)
	won, err := first.coord.AutoStart(ctx)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, first.coord.Stop(ctx))

	// Completion survives the listener stopping; the election never reruns
	second := newHarness(t, store, settings)
	won, err = second.coord.AutoStart(ctx)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Zero(t, second.starts.Load())
}

// failingStore simulates an unreachable coordination store
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.WrapTransient(errors.ErrCoordinationUnavailable, "KV", "Get", "connect")
}
func (failingStore) Put(context.Context, string, []byte) error {
	return errors.WrapTransient(errors.ErrCoordinationUnavailable, "KV", "Put", "connect")
}
func (failingStore) Create(context.Context, string, []byte) error {
	return errors.WrapTransient(errors.ErrCoordinationUnavailable, "KV", "Create", "connect")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.WrapTransient(errors.ErrCoordinationUnavailable, "KV", "Delete", "connect")
}

func TestUnreachableStoreDegradesToLocalOnly(t *testing.T) {
	h := newHarness(t, failingStore{}, testSettings())
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx), "listener must still function standalone")
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })

	status := h.coord.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.True(t, status.Degraded)
	assert.True(t, h.coord.Health().IsDegraded())
}

func TestAutoStartFallsBackToLockWhenStoreDown(t *testing.T) {
	settings := testSettings()
	settings.AutoStart = true
	lockPath := filepath.Join(t.TempDir(), "autostart.lock")

	winner := newHarness(t, failingStore{}, settings, WithLock(lockfile.New(lockPath)))
	won, err := winner.coord.AutoStart(context.Background())
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, int32(1), winner.starts.Load())
	t.Cleanup(func() { _ = winner.coord.Stop(context.Background()) })
}

func TestHealthReflectsLifecycle(t *testing.T) {
	h := newHarness(t, statestore.NewMemory(), testSettings())
	assert.True(t, h.coord.Health().IsDegraded(), "stopped reports degraded, not unhealthy")

	require.NoError(t, h.coord.Start(context.Background()))
	assert.True(t, h.coord.Health().IsHealthy())

	require.NoError(t, h.coord.Stop(context.Background()))
	assert.True(t, h.coord.Health().IsDegraded())
}
