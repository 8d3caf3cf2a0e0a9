// Package lockfile guards the data directory against concurrent
// processes. The server, the importer and restore all take the same
// exclusive lock, so only one of them touches the corpus, the vector
// cache and the database at a time.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the lock's filename inside the data directory.
const LockFileName = ".answerdesk.lock"

// Lock is a cross-process exclusive lock on a data directory.
type Lock struct {
	path string
	fl   *flock.Flock
	held bool
}

// New creates a lock for the given data directory. Nothing is acquired
// until Acquire or TryAcquire is called.
func New(dataDir string) *Lock {
	path := filepath.Join(dataDir, LockFileName)
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire takes the lock without blocking and fails when another
// process already holds it.
func (l *Lock) Acquire() error {
	ok, err := l.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("data directory %s is locked by another process", filepath.Dir(l.path))
	}
	return nil
}

// TryAcquire attempts to take the lock without blocking. It reports
// whether the lock was acquired.
func (l *Lock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if acquired {
		l.held = true
	}
	return acquired, nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool {
	return l.held
}

// Path returns the lock file's location.
func (l *Lock) Path() string {
	return l.path
}
