package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// Lock is the single-ingester guard. Every ingest entry point holds it
// for the duration of the run so two pipelines never race on the state
// store, the progress file, or the collection. The lock is advisory and
// released automatically by the OS if the process dies.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock prepares a lock on the given file. Nothing is taken until
// Acquire.
func NewLock(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire takes the lock without blocking. A lock held elsewhere comes
// back as ErrCodeIngestLocked so the caller can tell the user what to
// wait for.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return ragerrors.StateStoreError("cannot create lock directory", err)
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return ragerrors.StateStoreError(fmt.Sprintf("cannot acquire ingest lock %s", l.path), err)
	}
	if !locked {
		return ragerrors.New(ragerrors.ErrCodeIngestLocked,
			"another ingest run holds the lock", nil).
			WithDetail("lock_path", l.path).
			WithSuggestion("wait for the running ingest to finish; if no ingest is running, remove the stale lock file")
	}
	return nil
}

// Release drops the lock. Safe to call when the lock is not held.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}
