package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sumchat/models"
)

// Directory owns the shared userlist file. All writes go through Sync,
// which holds the advisory lock for the whole read-merge-write.
type Directory struct {
	userFilePath string
	lock         *FileLock
	userTimeout  time.Duration

	now func() time.Time
}

// NewDirectory creates a Directory over the shared userlist file.
func NewDirectory(userFilePath string, lock *FileLock, userTimeout time.Duration) *Directory {
	return &Directory{
		userFilePath: userFilePath,
		lock:         lock,
		userTimeout:  userTimeout,
		now:          time.Now,
	}
}

// Read returns the current userlist without taking the lock. Stale reads
// are tolerated; a missing or corrupt file yields an empty list.
func (d *Directory) Read() []models.PeerEntry {
	raw, err := os.ReadFile(d.userFilePath)
	if err != nil {
		return nil
	}

	var entries []models.PeerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	return entries
}

// Sync acquires the lock, merges a fresh entry for the local user into the
// userlist, prunes entries older than the user timeout, writes the result
// back and returns it. It fails fast with ErrLockBusy when another process
// holds the lock.
func (d *Directory) Sync(self models.PeerEntry) ([]models.PeerEntry, error) {
	if err := d.lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		_ = d.lock.Release()
	}()

	now := d.now().UnixMilli()
	self.Timestamp = now
	if self.Rooms == nil {
		self.Rooms = []models.Room{}
	}

	merged := MergeEntries(append(d.Read(), self))

	kept := make([]models.PeerEntry, 0, len(merged))
	for _, entry := range merged {
		// Replace any prior entry for the local user with the fresh one.
		if EqualUsernames(entry.Username, self.Username) && entry.Timestamp != now {
			continue
		}
		if now-entry.Timestamp > d.userTimeout.Milliseconds() {
			continue
		}
		kept = append(kept, entry)
	}

	if err := d.write(kept); err != nil {
		return nil, err
	}

	return kept, nil
}

func (d *Directory) write(entries []models.PeerEntry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal userlist: %w", err)
	}

	if err := os.WriteFile(d.userFilePath, raw, 0o644); err != nil {
		return fmt.Errorf("write userlist: %w", err)
	}

	return nil
}

// MergeEntries deduplicates a userlist by username. Usernames compare
// case-insensitively; the entry with the newest timestamp wins, so merging
// the same entry twice is idempotent.
func MergeEntries(entries []models.PeerEntry) []models.PeerEntry {
	merged := make([]models.PeerEntry, 0, len(entries))
	index := make(map[string]int, len(entries))

	for _, entry := range entries {
		key := strings.ToLower(entry.Username)
		at, exists := index[key]
		if !exists {
			index[key] = len(merged)
			merged = append(merged, entry)
			continue
		}
		if entry.Timestamp > merged[at].Timestamp {
			merged[at] = entry
		}
	}

	return merged
}

// EqualUsernames compares usernames case-insensitively, the identity rule
// for the whole directory.
func EqualUsernames(a, b string) bool {
	return strings.EqualFold(a, b)
}

// FindPeer returns the entry for username, matching case-insensitively.
func FindPeer(entries []models.PeerEntry, username string) (models.PeerEntry, bool) {
	for _, entry := range entries {
		if EqualUsernames(entry.Username, username) {
			return entry, true
		}
	}
	return models.PeerEntry{}, false
}

// IsLockBusy reports whether err is the advisory-lock busy signal.
func IsLockBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}
