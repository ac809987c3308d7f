package domain

import "errors"

var (
	// ErrStorage reports a local key store I/O failure. Callers must not
	// swallow it for identity-material writes: a lost write makes future
	// messages undecryptable.
	ErrStorage = errors.New("key store failure")

	// ErrSignatureVerification means a bundle's signed pre-key signature
	// did not verify. No session is created.
	ErrSignatureVerification = errors.New("signed prekey signature verification failed")

	// ErrSignedPreKeyNotFound means an initial message references a signed
	// pre-key that has been rotated away. The message is permanently
	// undecryptable; the sender must re-handshake.
	ErrSignedPreKeyNotFound = errors.New("signed prekey not found")

	// ErrNoPreKeyBundle means the remote has never published keys.
	ErrNoPreKeyBundle = errors.New("no prekey bundle published")

	// ErrUndecryptableMessage means the message key is neither in the
	// current chain nor the skipped-key window, or was already consumed.
	ErrUndecryptableMessage = errors.New("message cannot be decrypted")

	// ErrMediaIntegrity means a file's recomputed hash does not match the
	// claimed hash, or a chunk failed authentication.
	ErrMediaIntegrity = errors.New("media integrity check failed")

	// ErrWrongPassphrase covers both a bad passphrase and a tampered blob;
	// the AEAD cannot distinguish them.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data")

	// ErrPassphraseTooShort gates backup creation.
	ErrPassphraseTooShort = errors.New("passphrase too short")

	// ErrDeviceLimit is returned when the per-user device cap is reached.
	ErrDeviceLimit = errors.New("device limit reached")

	// ErrNoSession means decryption was attempted with no established
	// session and no initial handshake payload to bootstrap one.
	ErrNoSession = errors.New("no session with peer")

	// ErrNoBackup means the directory holds no backup for the user.
	ErrNoBackup = errors.New("no backup found")

	// ErrNoRemoteIdentity means no identity key has been pinned for the
	// user yet, so there is nothing to verify.
	ErrNoRemoteIdentity = errors.New("no pinned identity for user")
)
