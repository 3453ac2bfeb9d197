package presence

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrLockBusy indicates another process currently holds the userlist lock.
var ErrLockBusy = errors.New("presence: userlist lock busy")

// FileLock is the advisory lock guarding the shared userlist file. It is
// cooperative only: a lock file older than StaleAge is treated as
// abandoned and force-acquired, which tolerates crashed holders at the
// cost of a rare double-write race.
type FileLock struct {
	path     string
	staleAge time.Duration
}

// NewFileLock creates an advisory lock at path with the given stale age.
func NewFileLock(path string, staleAge time.Duration) *FileLock {
	return &FileLock{path: path, staleAge: staleAge}
}

// Acquire takes the lock or fails fast with ErrLockBusy. It never blocks;
// retry scheduling is the caller's concern.
func (l *FileLock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock file: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Holder released between our create attempt and the stat.
			if createErr := l.tryCreate(); createErr == nil {
				return nil
			}
			return ErrLockBusy
		}
		return fmt.Errorf("stat lock file: %w", err)
	}

	if l.staleAge > 0 && time.Since(info.ModTime()) > l.staleAge {
		// Abandoned lock: remove and take over.
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
		if err := l.tryCreate(); err == nil {
			return nil
		}
	}

	return ErrLockBusy
}

// Release drops the lock. Releasing an already-removed lock is not an error.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *FileLock) tryCreate() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	return writeErr
}
