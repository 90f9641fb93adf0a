package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"meetbell/internal/calerr"
)

// LockFile guards a data directory against a second writer process.
const LockFile = "meetbell.lock"

// ErrLocked is returned by LockDir when another process owns the directory.
var ErrLocked = errors.New("data directory is in use by another meetbell process")

// DirLock is an exclusive advisory lock on a data directory. The OS drops it
// when the process exits, so a crash never leaves a stale lock behind.
type DirLock struct {
	fl *flock.Flock
}

// LockDir takes the data directory lock without waiting.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, calerr.Persistence("create data dir", err)
	}
	fl := flock.New(filepath.Join(dir, LockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, calerr.Persistence("lock data dir", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return &DirLock{fl: fl}, nil
}

// Release unlocks the directory. It is safe on a nil lock.
func (l *DirLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
