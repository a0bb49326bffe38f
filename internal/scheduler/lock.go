package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another invocation holds the lock.
var ErrLocked = errors.New("another broconnector invocation is running")

// LockName is the lock file created in the envelope directory.
const LockName = ".lock"

// Lock is an advisory file lock. The kernel drops it when the owning process
// exits, so a file left behind by a crash does not block the next run.
type Lock struct {
	fl *flock.Flock
}

// Acquire locks dir/.lock without waiting. It fails with ErrLocked when
// another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is held", ErrLocked, path)
	}
	// pid for operators; the lock itself is the flock
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks the file. The file itself stays.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
