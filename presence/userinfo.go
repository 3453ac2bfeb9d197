package presence

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"sumchat/models"
)

// UserInfoHash returns the stable hash used as the extended-info filename
// placeholder for a username. Hashing the lowercased name keeps lookups
// case-insensitive like the rest of the directory.
func UserInfoHash(username string) string {
	sum := md5.Sum([]byte(strings.ToLower(username)))
	return hex.EncodeToString(sum[:])
}

type cachedInfo struct {
	info          models.ExtendedUserInfo
	infoTimestamp int64
}

// InfoStore reads and writes the per-user extended-info files and caches
// what it read, keyed by username. A cached record is re-read only when
// the userlist advertises a newer info timestamp for that user.
type InfoStore struct {
	pathFor func(hash string) string

	mu    sync.Mutex
	cache map[string]cachedInfo
}

// NewInfoStore creates an InfoStore. pathFor maps a username hash to the
// extended-info file path.
func NewInfoStore(pathFor func(hash string) string) *InfoStore {
	return &InfoStore{
		pathFor: pathFor,
		cache:   make(map[string]cachedInfo),
	}
}

// WriteSelf writes the local user's extended-info file. Only the owning
// user ever writes its file.
func (s *InfoStore) WriteSelf(username string, info models.ExtendedUserInfo) error {
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal extended info: %w", err)
	}

	path := s.pathFor(UserInfoHash(username))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write extended info: %w", err)
	}

	return nil
}

// Enrich merges extended info into each userlist entry. A peer whose file
// cannot be read keeps its base fields; enrichment never drops a peer.
func (s *InfoStore) Enrich(entries []models.PeerEntry) []models.PeerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	enriched := make([]models.PeerEntry, len(entries))
	for i, entry := range entries {
		enriched[i] = s.enrichOne(entry)
	}

	return enriched
}

func (s *InfoStore) enrichOne(entry models.PeerEntry) models.PeerEntry {
	key := strings.ToLower(entry.Username)

	cached, hit := s.cache[key]
	if !hit || cached.infoTimestamp != entry.InfoTimestamp {
		info, err := s.read(entry.Username)
		if err != nil {
			// Fail open: the base entry is better than no entry.
			return entry
		}
		cached = cachedInfo{info: info, infoTimestamp: entry.InfoTimestamp}
		s.cache[key] = cached
	}

	return applyInfo(entry, cached.info)
}

func (s *InfoStore) read(username string) (models.ExtendedUserInfo, error) {
	raw, err := os.ReadFile(s.pathFor(UserInfoHash(username)))
	if err != nil {
		return models.ExtendedUserInfo{}, fmt.Errorf("read extended info: %w", err)
	}

	var info models.ExtendedUserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return models.ExtendedUserInfo{}, fmt.Errorf("parse extended info: %w", err)
	}
	if info.IP == "" || info.Port == 0 || info.Key == "" {
		return models.ExtendedUserInfo{}, fmt.Errorf("parse extended info: incomplete record")
	}

	return info, nil
}

func applyInfo(entry models.PeerEntry, info models.ExtendedUserInfo) models.PeerEntry {
	entry.IP = info.IP
	entry.Port = info.Port
	entry.Key = info.Key
	if info.Avatar != "" {
		entry.Avatar = info.Avatar
	}
	return entry
}
