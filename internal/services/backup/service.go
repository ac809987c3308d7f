package backup

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"unicode"

	"veil/internal/crypto"
	"veil/internal/domain"
)

const (
	blobVersion         = 1
	minPassphraseLength = 8
)

// Strength buckets for the passphrase meter.
const (
	StrengthTooShort = "tooShort"
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)

// Service exports the key store under a passphrase-derived wrapping key and
// parks the sealed blob with the directory. The blob is opaque to the
// server.
type Service struct {
	keys domain.KeyStore
	dir  domain.DirectoryClient
	user domain.UserID
}

func New(keys domain.KeyStore, dir domain.DirectoryClient, user domain.UserID) *Service {
	return &Service{keys: keys, dir: dir, user: user}
}

// sealedBlob is the wire format of a backup. The salt doubles as AAD so a
// spliced salt fails authentication rather than deriving a wrong key.
type sealedBlob struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Cipher  []byte `json:"cipher"`
}

// Create exports the local keys, seals them under the backup passphrase, and
// uploads the blob, replacing any previous backup.
func (s *Service) Create(ctx context.Context, storePassphrase, backupPassphrase string) error {
	if len(backupPassphrase) < minPassphraseLength {
		return fmt.Errorf("backup passphrase must be at least %d characters: %w",
			minPassphraseLength, domain.ErrPassphraseTooShort)
	}

	export, err := s.keys.Export(storePassphrase)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(export)
	if err != nil {
		return err
	}

	salt := make([]byte, crypto.SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce, cipher, err := crypto.SealSecret(backupPassphrase, plaintext, salt)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(sealedBlob{
		Version: blobVersion,
		Salt:    salt,
		Nonce:   nonce,
		Cipher:  cipher,
	})
	if err != nil {
		return err
	}
	if err := s.dir.PutBackup(ctx, s.user, blob); err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}
	return nil
}

// Restore downloads the backup, opens it with the backup passphrase, and
// atomically replaces the local key store contents. A wrong passphrase
// leaves the store untouched.
func (s *Service) Restore(ctx context.Context, storePassphrase, backupPassphrase string) error {
	raw, err := s.dir.GetBackup(ctx, s.user)
	if err != nil {
		return err
	}

	var blob sealedBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("malformed backup blob: %w", domain.ErrWrongPassphrase)
	}
	if blob.Version != blobVersion {
		return fmt.Errorf("unsupported backup version %d", blob.Version)
	}

	plaintext, err := crypto.OpenSecret(backupPassphrase, blob.Salt, blob.Nonce, blob.Cipher)
	if err != nil {
		return fmt.Errorf("open backup: %w", domain.ErrWrongPassphrase)
	}
	var export domain.KeyExport
	if err := json.Unmarshal(plaintext, &export); err != nil {
		return fmt.Errorf("malformed backup payload: %w", domain.ErrWrongPassphrase)
	}

	return s.keys.Import(storePassphrase, export)
}

// Delete removes the uploaded backup blob.
func (s *Service) Delete(ctx context.Context) error {
	return s.dir.DeleteBackup(ctx, s.user)
}

// Has reports whether the directory holds a backup for the user.
func (s *Service) Has(ctx context.Context) (bool, error) {
	return s.dir.HasBackup(ctx, s.user)
}

// EvaluatePassphraseStrength buckets a candidate backup passphrase for the
// UI meter. It never rejects; Create enforces the hard minimum.
func EvaluatePassphraseStrength(passphrase string) string {
	if len(passphrase) < minPassphraseLength {
		return StrengthTooShort
	}
	var classes int
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	for _, b := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if b {
			classes++
		}
	}
	switch {
	case len(passphrase) >= 16 && classes >= 3:
		return StrengthStrong
	case len(passphrase) >= 12 && classes >= 2:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}
