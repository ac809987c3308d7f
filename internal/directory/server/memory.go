package server

import (
	"fmt"
	"sync"
	"time"

	"veil/internal/crypto"
	"veil/internal/domain"
)

type deviceRecord struct {
	reg        domain.Registration
	spkID      domain.SignedPreKeyID
	spkPub     domain.X25519Public
	spkSig     []byte
	opks       []domain.OneTimePreKeyPublic
	seq        uint64
	lastActive int64
}

// MemoryStore is the single-node in-memory Store used by tests and
// development deployments.
type MemoryStore struct {
	mu      sync.Mutex
	nextSeq uint64
	devices map[domain.UserID]map[domain.DeviceID]*deviceRecord
	queues  map[string][]domain.EncryptedMessage
	backups map[domain.UserID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[domain.UserID]map[domain.DeviceID]*deviceRecord),
		queues:  make(map[string][]domain.EncryptedMessage),
		backups: make(map[domain.UserID][]byte),
	}
}

func queueKey(user domain.UserID, device domain.DeviceID) string {
	return string(user) + "/" + string(device)
}

func (s *MemoryStore) RegisterDevice(reg domain.Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDevice, ok := s.devices[reg.UserID]
	if !ok {
		byDevice = make(map[domain.DeviceID]*deviceRecord)
		s.devices[reg.UserID] = byDevice
	}
	if _, exists := byDevice[reg.DeviceID]; exists {
		return true, nil
	}
	s.nextSeq++
	byDevice[reg.DeviceID] = &deviceRecord{
		reg:        reg,
		spkID:      reg.SignedPreKeyID,
		spkPub:     reg.SignedPreKey,
		spkSig:     append([]byte(nil), reg.SignedPreKeySig...),
		opks:       append([]domain.OneTimePreKeyPublic(nil), reg.OneTimePreKeys...),
		seq:        s.nextSeq,
		lastActive: time.Now().Unix(),
	}
	return false, nil
}

func (s *MemoryStore) lookup(user domain.UserID, device domain.DeviceID) (*deviceRecord, domain.DeviceID, error) {
	byDevice := s.devices[user]
	if len(byDevice) == 0 {
		return nil, "", ErrNotFound
	}
	if device != "" {
		rec, ok := byDevice[device]
		if !ok {
			return nil, "", ErrNotFound
		}
		return rec, device, nil
	}
	// Oldest registration is the primary device.
	var bestID domain.DeviceID
	var best *deviceRecord
	for id, rec := range byDevice {
		if best == nil || rec.seq < best.seq {
			best, bestID = rec, id
		}
	}
	return best, bestID, nil
}

func (s *MemoryStore) ConsumeBundle(user domain.UserID, device domain.DeviceID) (domain.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, id, err := s.lookup(user, device)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	b := domain.PreKeyBundle{
		UserID:          user,
		DeviceID:        id,
		DeviceName:      rec.reg.DeviceName,
		RegistrationID:  rec.reg.RegistrationID,
		IdentityKey:     rec.reg.IdentityKey,
		SigningKey:      rec.reg.SigningKey,
		SignedPreKeyID:  rec.spkID,
		SignedPreKey:    rec.spkPub,
		SignedPreKeySig: append([]byte(nil), rec.spkSig...),
	}
	if len(rec.opks) > 0 {
		opk := rec.opks[0]
		rec.opks = rec.opks[1:]
		b.OneTimePreKey = &opk
	}
	return b, nil
}

func (s *MemoryStore) IdentityKey(user domain.UserID) (domain.X25519Public, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.lookup(user, "")
	if err != nil {
		return domain.X25519Public{}, err
	}
	return rec.reg.IdentityKey, nil
}

func (s *MemoryStore) CountOneTimePreKeys(user domain.UserID, device domain.DeviceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.lookup(user, device)
	if err != nil {
		return 0, err
	}
	return len(rec.opks), nil
}

func (s *MemoryStore) AddOneTimePreKeys(user domain.UserID, device domain.DeviceID, keys []domain.OneTimePreKeyPublic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.lookup(user, device)
	if err != nil {
		return err
	}
	rec.opks = append(rec.opks, keys...)
	return nil
}

func (s *MemoryStore) SetSignedPreKey(user domain.UserID, device domain.DeviceID, id domain.SignedPreKeyID, pub domain.X25519Public, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.lookup(user, device)
	if err != nil {
		return err
	}
	rec.spkID, rec.spkPub = id, pub
	rec.spkSig = append([]byte(nil), sig...)
	return nil
}

func (s *MemoryStore) TouchDevice(user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.lookup(user, device)
	if err != nil {
		return err
	}
	rec.lastActive = time.Now().Unix()
	return nil
}

func (s *MemoryStore) RemoveDevice(user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDevice := s.devices[user]
	if _, ok := byDevice[device]; !ok {
		return ErrNotFound
	}
	delete(byDevice, device)
	delete(s.queues, queueKey(user, device))
	return nil
}

func (s *MemoryStore) Devices(user domain.UserID) ([]domain.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.devices[user]) == 0 {
		return nil, ErrNotFound
	}
	out := make([]domain.DeviceInfo, 0, len(s.devices[user]))
	for id, rec := range s.devices[user] {
		out = append(out, domain.DeviceInfo{
			DeviceID:            id,
			DeviceName:          rec.reg.DeviceName,
			RegistrationID:      rec.reg.RegistrationID,
			IdentityFingerprint: crypto.Fingerprint(rec.reg.IdentityKey.Slice()),
			LastActiveUTC:       rec.lastActive,
		})
	}
	return out, nil
}

func (s *MemoryStore) EnqueueMessage(msg domain.EncryptedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := []domain.DeviceID{msg.ToDevice}
	if msg.ToDevice == "" {
		targets = targets[:0]
		for id := range s.devices[msg.To] {
			targets = append(targets, id)
		}
		if len(targets) == 0 {
			return fmt.Errorf("recipient %s: %w", msg.To, ErrNotFound)
		}
	}
	for _, dev := range targets {
		k := queueKey(msg.To, dev)
		s.queues[k] = append(s.queues[k], msg)
	}
	return nil
}

func (s *MemoryStore) Messages(user domain.UserID, device domain.DeviceID, limit int) ([]domain.EncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[queueKey(user, device)]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	out := make([]domain.EncryptedMessage, limit)
	copy(out, q[:limit])
	return out, nil
}

func (s *MemoryStore) AckMessages(user domain.UserID, device domain.DeviceID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := queueKey(user, device)
	q := s.queues[k]
	if count > len(q) {
		count = len(q)
	}
	s.queues[k] = q[count:]
	return nil
}

func (s *MemoryStore) PutBackup(user domain.UserID, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[user] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) GetBackup(user domain.UserID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[user]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) DeleteBackup(user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, user)
	return nil
}

func (s *MemoryStore) HasBackup(user domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.backups[user]
	return ok, nil
}

var _ Store = (*MemoryStore)(nil)
