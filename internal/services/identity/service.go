package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"veil/internal/crypto"
	"veil/internal/domain"
)

const minPassphraseLength = 8

// Service manages the local long-term identity.
//
// The identity holds an X25519 pair for Diffie-Hellman (X3DH and the ratchet)
// and an Ed25519 pair for signing pre-keys, plus a random registration id
// that distinguishes reinstalls of the same account.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// Generate creates a fresh identity, saves it encrypted under the passphrase,
// and returns it with a short fingerprint of the X25519 public key.
func (s *Service) Generate(passphrase string) (domain.Identity, domain.Fingerprint, error) {
	if len(passphrase) < minPassphraseLength {
		return domain.Identity{}, "", fmt.Errorf("passphrase must be at least %d characters: %w",
			minPassphraseLength, domain.ErrPassphraseTooShort)
	}

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return domain.Identity{}, "", err
	}

	id := domain.Identity{
		XPub:           xPub,
		XPriv:          xPriv,
		EdPub:          edPub,
		EdPriv:         edPriv,
		RegistrationID: regID,
	}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, "", err
	}
	return id, domain.Fingerprint(crypto.Fingerprint(id.XPub.Slice())), nil
}

// Load decrypts and returns the local identity.
func (s *Service) Load(passphrase string) (domain.Identity, error) {
	return s.store.LoadIdentity(passphrase)
}

// Exists reports whether an identity has been generated on this device.
func (s *Service) Exists() (bool, error) {
	return s.store.HasIdentity()
}

// Fingerprint returns a short fingerprint of the local X25519 public key.
func (s *Service) Fingerprint(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(id.XPub.Slice())), nil
}

func randomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	// Keep the id non-zero so an unset field is distinguishable.
	id := binary.BigEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}
