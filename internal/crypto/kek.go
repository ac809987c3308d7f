package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"veil/internal/util/memzero"
)

const (
	KeyBytes   = 32
	SaltBytes  = 16
	NonceBytes = chacha20poly1305.NonceSize
)

// DeriveKEK derives a key-encryption key from a passphrase and salt using
// Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1<<16, 8, 1, KeyBytes)
}

// SealSecret encrypts plaintext with a KEK derived from the passphrase and
// salt. The caller owns salt generation so the same salt can be stored next
// to the ciphertext.
func SealSecret(passphrase string, plaintext, salt []byte) (nonce, ciphertext []byte, err error) {
	if len(salt) != SaltBytes {
		return nil, nil, errors.New("invalid salt size")
	}
	kek := DeriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, salt)
	return nonce, ct, nil
}

// OpenSecret decrypts a ciphertext sealed by SealSecret.
func OpenSecret(passphrase string, salt, nonce, ciphertext []byte) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errors.New("invalid salt size")
	}
	kek := DeriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, salt)
}
