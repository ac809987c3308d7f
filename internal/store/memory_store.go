package store

import (
	"fmt"
	"sync"
	"time"

	"veil/internal/domain"
)

// MemoryKeyStore is the in-memory test double for domain.KeyStore. It keeps
// the same semantics as the file stores (single consume, most-recent lookup,
// atomic import) without touching disk.
type MemoryKeyStore struct {
	mu sync.Mutex

	identity      *domain.Identity
	identityPass  string
	spks          map[domain.SignedPreKeyID]domain.SignedPreKeyPair
	currentSPK    domain.SignedPreKeyID
	opks          map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair
	sessions      map[string]domain.SessionState
	remotes       map[domain.UserID]domain.RemoteIdentityRecord
	failNextWrite bool
}

// NewMemoryKeyStore returns an empty in-memory store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		spks:     make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair),
		opks:     make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair),
		sessions: make(map[string]domain.SessionState),
		remotes:  make(map[domain.UserID]domain.RemoteIdentityRecord),
	}
}

// FailNextWrite makes the next mutating call return ErrStorage, for tests
// exercising the storage failure paths.
func (s *MemoryKeyStore) FailNextWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextWrite = true
}

func (s *MemoryKeyStore) writeErr() error {
	if s.failNextWrite {
		s.failNextWrite = false
		return fmt.Errorf("injected failure: %w", domain.ErrStorage)
	}
	return nil
}

func (s *MemoryKeyStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	cp := id
	s.identity = &cp
	s.identityPass = passphrase
	return nil
}

func (s *MemoryKeyStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return domain.Identity{}, fmt.Errorf("no identity: %w", domain.ErrStorage)
	}
	if passphrase != s.identityPass {
		return domain.Identity{}, domain.ErrWrongPassphrase
	}
	return *s.identity, nil
}

func (s *MemoryKeyStore) HasIdentity() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity != nil, nil
}

func (s *MemoryKeyStore) SaveSignedPreKey(pair domain.SignedPreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.spks[pair.ID] = pair
	return nil
}

func (s *MemoryKeyStore) LoadSignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.spks[id]
	return p, ok, nil
}

func (s *MemoryKeyStore) SetCurrentSignedPreKeyID(id domain.SignedPreKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSPK = id
	return nil
}

func (s *MemoryKeyStore) CurrentSignedPreKey() (domain.SignedPreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.spks[s.currentSPK]
	return p, ok, nil
}

func (s *MemoryKeyStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	for _, p := range pairs {
		s.opks[p.ID] = p
	}
	return nil
}

func (s *MemoryKeyStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.opks[id]
	if !ok {
		return domain.OneTimePreKeyPair{}, false, nil
	}
	delete(s.opks, id)
	return p, true, nil
}

func (s *MemoryKeyStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OneTimePreKeyPublic, 0, len(s.opks))
	for id, p := range s.opks {
		out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: p.Pub})
	}
	return out, nil
}

func (s *MemoryKeyStore) SaveSession(sess domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.sessions[string(sess.PeerUser)+"/"+string(sess.PeerDevice)] = sess.Clone()
	return nil
}

func (s *MemoryKeyStore) LoadSession(user domain.UserID, device domain.DeviceID) (domain.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[string(user)+"/"+string(device)]
	if !ok {
		return domain.SessionState{}, false, nil
	}
	return sess.Clone(), true, nil
}

func (s *MemoryKeyStore) MostRecentSession(user domain.UserID) (domain.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.SessionState
	found := false
	for _, sess := range s.sessions {
		if sess.PeerUser != user {
			continue
		}
		if !found || sess.LastActiveUTC > best.LastActiveUTC {
			best = sess
			found = true
		}
	}
	if !found {
		return domain.SessionState{}, false, nil
	}
	return best.Clone(), true, nil
}

func (s *MemoryKeyStore) SaveRemoteIdentity(user domain.UserID, rec domain.RemoteIdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.remotes[user] = rec
	return nil
}

func (s *MemoryKeyStore) LoadRemoteIdentity(user domain.UserID) (domain.RemoteIdentityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.remotes[user]
	return rec, ok, nil
}

func (s *MemoryKeyStore) Export(passphrase string) (domain.KeyExport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return domain.KeyExport{}, fmt.Errorf("no identity: %w", domain.ErrStorage)
	}
	if passphrase != s.identityPass {
		return domain.KeyExport{}, domain.ErrWrongPassphrase
	}
	out := domain.KeyExport{
		Version:      exportFormatVersion,
		Identity:     *s.identity,
		CurrentSPKID: s.currentSPK,
		Remotes:      make(map[domain.UserID]domain.RemoteIdentityRecord, len(s.remotes)),
		CreatedUTC:   time.Now().Unix(),
	}
	for _, p := range s.spks {
		out.SignedPreKeys = append(out.SignedPreKeys, p)
	}
	for _, p := range s.opks {
		out.OneTimePreKeys = append(out.OneTimePreKeys, p)
	}
	for u, r := range s.remotes {
		out.Remotes[u] = r
	}
	return out, nil
}

func (s *MemoryKeyStore) Import(passphrase string, export domain.KeyExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	id := export.Identity
	s.identity = &id
	s.identityPass = passphrase
	s.spks = make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	for _, p := range export.SignedPreKeys {
		s.spks[p.ID] = p
	}
	s.currentSPK = export.CurrentSPKID
	s.opks = make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	for _, p := range export.OneTimePreKeys {
		s.opks[p.ID] = p
	}
	s.sessions = make(map[string]domain.SessionState)
	s.remotes = make(map[domain.UserID]domain.RemoteIdentityRecord, len(export.Remotes))
	for u, r := range export.Remotes {
		s.remotes[u] = r
	}
	return nil
}

func (s *MemoryKeyStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	s.identityPass = ""
	s.spks = make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	s.currentSPK = ""
	s.opks = make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	s.sessions = make(map[string]domain.SessionState)
	s.remotes = make(map[domain.UserID]domain.RemoteIdentityRecord)
	return nil
}

var _ domain.KeyStore = (*MemoryKeyStore)(nil)
