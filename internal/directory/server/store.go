package server

import (
	"errors"

	"veil/internal/domain"
)

// ErrNotFound is returned by stores for missing users, devices or backups.
var ErrNotFound = errors.New("not found")

// Store is the server-side persistence contract. ConsumeBundle must remove
// the returned one-time pre-key in the same atomic step that reads it, so
// two concurrent initiators can never receive the same one.
type Store interface {
	// RegisterDevice persists a registration. When the (user, device)
	// pair is already registered the stored registration wins and
	// existing is true; the new payload is discarded.
	RegisterDevice(reg domain.Registration) (existing bool, err error)

	// ConsumeBundle builds a bundle for the device (empty id selects the
	// oldest-registered device) and atomically removes one one-time
	// pre-key from the inventory, or returns a bundle without one when
	// exhausted.
	ConsumeBundle(user domain.UserID, device domain.DeviceID) (domain.PreKeyBundle, error)

	IdentityKey(user domain.UserID) (domain.X25519Public, error)
	CountOneTimePreKeys(user domain.UserID, device domain.DeviceID) (int, error)
	AddOneTimePreKeys(user domain.UserID, device domain.DeviceID, keys []domain.OneTimePreKeyPublic) error
	SetSignedPreKey(user domain.UserID, device domain.DeviceID, id domain.SignedPreKeyID, pub domain.X25519Public, sig []byte) error

	TouchDevice(user domain.UserID, device domain.DeviceID) error
	RemoveDevice(user domain.UserID, device domain.DeviceID) error
	Devices(user domain.UserID) ([]domain.DeviceInfo, error)

	// EnqueueMessage stores an envelope for later fetch. An empty target
	// device fans out to every registered device of the recipient.
	EnqueueMessage(msg domain.EncryptedMessage) error
	Messages(user domain.UserID, device domain.DeviceID, limit int) ([]domain.EncryptedMessage, error)
	AckMessages(user domain.UserID, device domain.DeviceID, count int) error

	PutBackup(user domain.UserID, blob []byte) error
	GetBackup(user domain.UserID) ([]byte, error)
	DeleteBackup(user domain.UserID) error
	HasBackup(user domain.UserID) (bool, error)
}
