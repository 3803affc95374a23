package storage

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockDir takes an exclusive advisory lock on the named file inside dir.
// It fails with ErrLocked when another handle already holds it.
func LockDir(dir, name string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, name))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return lock, nil
}
