package presence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userfile.lock")

	first := NewFileLock(path, time.Minute)
	second := NewFileLock(path, time.Minute)

	if err := first.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if err := second.Acquire(); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := second.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestFileLockStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userfile.lock")

	stale := NewFileLock(path, 50*time.Millisecond)
	if err := stale.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Age the lock file past the stale threshold.
	past := time.Now().Add(-time.Second)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("age lock file: %v", err)
	}

	taker := NewFileLock(path, 50*time.Millisecond)
	if err := taker.Acquire(); err != nil {
		t.Fatalf("stale takeover: %v", err)
	}
	if err := taker.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestFileLockReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userfile.lock")
	lock := NewFileLock(path, time.Minute)

	if err := lock.Release(); err != nil {
		t.Fatalf("release without acquire: %v", err)
	}

	if err := lock.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("double release: %v", err)
	}
}
