package domain

import "context"

// IdentityStore persists the local long-term identity keys.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	LoadIdentity(passphrase string) (Identity, error)
	HasIdentity() (bool, error)
}

// PreKeyStore manages signed and one-time pre-key pairs.
type PreKeyStore interface {
	// Signed pre-keys
	SaveSignedPreKey(pair SignedPreKeyPair) error
	LoadSignedPreKey(id SignedPreKeyID) (SignedPreKeyPair, bool, error)
	SetCurrentSignedPreKeyID(id SignedPreKeyID) error
	CurrentSignedPreKey() (SignedPreKeyPair, bool, error)

	// One-time pre-keys. Consume deletes the pair; a second consume of the
	// same id reports not-found.
	SaveOneTimePreKeys(pairs []OneTimePreKeyPair) error
	ConsumeOneTimePreKey(id OneTimePreKeyID) (OneTimePreKeyPair, bool, error)
	ListOneTimePreKeyPublics() ([]OneTimePreKeyPublic, error)
}

// SessionStore persists ratchet sessions keyed by (peer user, peer device).
type SessionStore interface {
	SaveSession(s SessionState) error
	LoadSession(user UserID, device DeviceID) (SessionState, bool, error)
	// MostRecentSession returns the session with the newest LastActiveUTC
	// for the user, for inbound messages that omit a device id.
	MostRecentSession(user UserID) (SessionState, bool, error)
}

// TrustStore pins remote identity keys (TOFU) and their verification flag.
type TrustStore interface {
	SaveRemoteIdentity(user UserID, rec RemoteIdentityRecord) error
	LoadRemoteIdentity(user UserID) (RemoteIdentityRecord, bool, error)
}

// KeyStore aggregates the local stores plus wholesale export/import used by
// backups and sign-out.
type KeyStore interface {
	IdentityStore
	PreKeyStore
	SessionStore
	TrustStore

	Export(passphrase string) (KeyExport, error)
	// Import atomically replaces the store contents; a process killed
	// mid-import must not leave a mixed old/new state.
	Import(passphrase string, export KeyExport) error
	ClearAll() error
}

// DirectoryClient is the RPC surface to the directory/backup collaborator.
// Network errors are propagated; retries are the caller's decision.
type DirectoryClient interface {
	RegisterDevice(ctx context.Context, reg Registration) (RegisterResult, error)
	// FetchPreKeyBundle consumes exactly one one-time pre-key server-side
	// (atomically), or returns a bundle without one if the inventory is
	// exhausted. An empty device id selects the user's primary device.
	FetchPreKeyBundle(ctx context.Context, user UserID, device DeviceID) (PreKeyBundle, error)
	LookupIdentityKey(ctx context.Context, user UserID) (X25519Public, error)
	CountOneTimePreKeys(ctx context.Context, user UserID, device DeviceID) (int, error)
	UploadOneTimePreKeys(ctx context.Context, user UserID, device DeviceID, keys []OneTimePreKeyPublic) error
	UploadSignedPreKey(ctx context.Context, user UserID, device DeviceID, id SignedPreKeyID, pub X25519Public, sig []byte) error
	TouchDevice(ctx context.Context, user UserID, device DeviceID) error
	DeregisterDevice(ctx context.Context, user UserID, device DeviceID) error
	GetDevices(ctx context.Context, user UserID) ([]DeviceInfo, error)

	// Store-and-forward for encrypted envelopes.
	SendMessage(ctx context.Context, msg EncryptedMessage) error
	FetchMessages(ctx context.Context, user UserID, device DeviceID, limit int) ([]EncryptedMessage, error)
	AckMessages(ctx context.Context, user UserID, device DeviceID, count int) error

	// Encrypted key backups, opaque to the server.
	PutBackup(ctx context.Context, user UserID, blob []byte) error
	GetBackup(ctx context.Context, user UserID) ([]byte, error)
	DeleteBackup(ctx context.Context, user UserID) error
	HasBackup(ctx context.Context, user UserID) (bool, error)
}
