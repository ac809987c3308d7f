package store

import (
	"path/filepath"
	"sync"

	"veil/internal/domain"
)

const (
	spkPairsFile = "signed_prekeys.json"
	opkPairsFile = "one_time_prekeys.json"
	metaFile     = "prekey_meta.json"
)

type prekeyMeta struct {
	CurrentSPKID domain.SignedPreKeyID `json:"current_spk_id"`
}

// PreKeyFileStore persists signed and one-time pre-key pairs on disk.
type PreKeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPreKeyFileStore returns a PreKeyFileStore rooted at dir.
func NewPreKeyFileStore(dir string) *PreKeyFileStore {
	return &PreKeyFileStore{dir: dir}
}

// SaveSignedPreKey adds or replaces a signed pre-key pair. Old pairs stay on
// disk until pruned; in-flight handshakes may still reference them.
func (s *PreKeyFileStore) SaveSignedPreKey(pair domain.SignedPreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	if err := readJSON(filepath.Join(s.dir, spkPairsFile), &m); err != nil {
		return err
	}
	m[pair.ID] = pair
	return writeJSON(filepath.Join(s.dir, spkPairsFile), m, 0o600)
}

// LoadSignedPreKey fetches a signed pre-key pair by id.
func (s *PreKeyFileStore) LoadSignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	if err := readJSON(filepath.Join(s.dir, spkPairsFile), &m); err != nil {
		return domain.SignedPreKeyPair{}, false, err
	}
	p, ok := m[id]
	return p, ok, nil
}

// SetCurrentSignedPreKeyID marks the pair used for new registrations and
// rotations.
func (s *PreKeyFileStore) SetCurrentSignedPreKeyID(id domain.SignedPreKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeJSON(filepath.Join(s.dir, metaFile), prekeyMeta{CurrentSPKID: id}, 0o600)
}

// CurrentSignedPreKey returns the pair the meta file points at.
func (s *PreKeyFileStore) CurrentSignedPreKey() (domain.SignedPreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta prekeyMeta
	if err := readJSON(filepath.Join(s.dir, metaFile), &meta); err != nil {
		return domain.SignedPreKeyPair{}, false, err
	}
	if meta.CurrentSPKID == "" {
		return domain.SignedPreKeyPair{}, false, nil
	}
	m := make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	if err := readJSON(filepath.Join(s.dir, spkPairsFile), &m); err != nil {
		return domain.SignedPreKeyPair{}, false, err
	}
	p, ok := m[meta.CurrentSPKID]
	return p, ok, nil
}

// SaveOneTimePreKeys adds a batch of one-time pairs.
func (s *PreKeyFileStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	if err := readJSON(filepath.Join(s.dir, opkPairsFile), &m); err != nil {
		return err
	}
	for _, p := range pairs {
		m[p.ID] = p
	}
	return writeJSON(filepath.Join(s.dir, opkPairsFile), m, 0o600)
}

// ConsumeOneTimePreKey deletes and returns the pair. A second consume of the
// same id reports not-found, which is what makes replayed initial messages
// degrade instead of silently reusing key material.
func (s *PreKeyFileStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	if err := readJSON(filepath.Join(s.dir, opkPairsFile), &m); err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	p, ok := m[id]
	if !ok {
		return domain.OneTimePreKeyPair{}, false, nil
	}
	delete(m, id)
	if err := writeJSON(filepath.Join(s.dir, opkPairsFile), m, 0o600); err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	return p, true, nil
}

// ListOneTimePreKeyPublics returns the remaining unconsumed publics.
func (s *PreKeyFileStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	if err := readJSON(filepath.Join(s.dir, opkPairsFile), &m); err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKeyPublic, 0, len(m))
	for id, p := range m {
		out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: p.Pub})
	}
	return out, nil
}

var _ domain.PreKeyStore = (*PreKeyFileStore)(nil)
