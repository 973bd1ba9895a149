// Package lockfile provides the host-local advisory lock serializing the
// listener start/election critical section across worker processes. The lock
// covers only the race window before the state store confirms a claim and is
// the fallback exclusion mechanism while the store is unreachable; holding it
// does not by itself mean a listener is running.
package lockfile

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/c360/streamexporter/errors"
)

// DefaultPath is the well-known lock file location shared by all workers
var DefaultPath = filepath.Join(os.TempDir(), "streamexporter-autostart.lock")

// Lock is a non-blocking filesystem advisory lock
type Lock struct {
	fl *flock.Flock
}

// New creates a lock at the given path; an empty path uses DefaultPath
func New(path string) *Lock {
	if path == "" {
		path = DefaultPath
	}
	return &Lock{fl: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another process holds it, which callers treat as "a start or election
// is already in progress elsewhere", not as an error.
func (l *Lock) TryAcquire() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, errors.WrapTransient(err, "Lock", "TryAcquire", "acquire advisory lock")
	}
	return locked, nil
}

// Release unlocks and closes the lock file descriptor
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return errors.WrapTransient(err, "Lock", "Release", "release advisory lock")
	}
	return nil
}

// Remove releases the lock and deletes the lock file. Used on clean shutdown
// so a stale file does not linger; safe to call when the file is gone.
func (l *Lock) Remove() error {
	_ = l.fl.Unlock()
	if err := os.Remove(l.fl.Path()); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "Lock", "Remove", "remove lock file")
	}
	return nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.fl.Path()
}
