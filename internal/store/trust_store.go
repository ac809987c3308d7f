package store

import (
	"path/filepath"
	"sync"

	"veil/internal/domain"
)

const trustFilename = "trust.json"

// TrustFileStore pins remote identity keys and their verification flags.
type TrustFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewTrustFileStore returns a TrustFileStore rooted at dir.
func NewTrustFileStore(dir string) *TrustFileStore {
	return &TrustFileStore{dir: dir}
}

// SaveRemoteIdentity pins or re-pins a remote user's identity key.
func (s *TrustFileStore) SaveRemoteIdentity(user domain.UserID, rec domain.RemoteIdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, trustFilename)
	recs := map[domain.UserID]domain.RemoteIdentityRecord{}
	if err := readJSON(path, &recs); err != nil {
		return err
	}
	recs[user] = rec
	return writeJSON(path, recs, 0o600)
}

// LoadRemoteIdentity retrieves the pinned record for user.
func (s *TrustFileStore) LoadRemoteIdentity(user domain.UserID) (domain.RemoteIdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, trustFilename)
	recs := map[domain.UserID]domain.RemoteIdentityRecord{}
	if err := readJSON(path, &recs); err != nil {
		return domain.RemoteIdentityRecord{}, false, err
	}
	rec, ok := recs[user]
	return rec, ok, nil
}

var _ domain.TrustStore = (*TrustFileStore)(nil)
