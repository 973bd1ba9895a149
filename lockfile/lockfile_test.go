package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.lock")
	l := New(path)

	locked, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Release())

	// Reacquirable after release
	locked, err = l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, l.Release())
}

func TestTryAcquireFailsFastWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.lock")

	holder := New(path)
	locked, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Release() }()

	// flock is per-descriptor, so a second Lock instance models a second process
	contender := New(path)
	locked, err = contender.TryAcquire()
	require.NoError(t, err, "contention is reported via the boolean, not an error")
	assert.False(t, locked)
}

func TestRemoveDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exporter.lock")
	l := New(path)

	locked, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, l.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing again is a no-op
	assert.NoError(t, l.Remove())
}

func TestEmptyPathUsesDefault(t *testing.T) {
	l := New("")
	assert.Equal(t, DefaultPath, l.Path())
}
