package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"veil/internal/domain"
)

const idFilename = "identity.json.enc"

// IdentityFileStore persists the local identity to disk, sealed under the
// store passphrase.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

// SaveIdentity writes the encrypted identity to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	N, r, p := scryptParamsDefault()
	ct, err := encrypt(passphrase, raw, N, r, p)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), ct, 0o600)
}

// LoadIdentity reads and decrypts the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Identity{}, fmt.Errorf("no identity: %w", domain.ErrStorage)
		}
		return domain.Identity{}, fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	pt, err := decrypt(passphrase, b)
	if err != nil {
		return domain.Identity{}, err
	}
	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	return id, nil
}

// HasIdentity reports whether an identity file exists without decrypting it.
func (s *IdentityFileStore) HasIdentity() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(filepath.Join(s.dir, idFilename))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	return true, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
