package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"veil/internal/domain"
)

// exportFormatVersion tags KeyExport structures produced by Export.
const exportFormatVersion = 1

// FileKeyStore aggregates the file-backed stores under one directory and
// adds the wholesale operations used by backup and sign-out.
type FileKeyStore struct {
	*IdentityFileStore
	*PreKeyFileStore
	*SessionFileStore
	*TrustFileStore

	dir string
}

// NewFileKeyStore creates the directory if needed and returns the aggregate
// store.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	return &FileKeyStore{
		IdentityFileStore: NewIdentityFileStore(dir),
		PreKeyFileStore:   NewPreKeyFileStore(dir),
		SessionFileStore:  NewSessionFileStore(dir),
		TrustFileStore:    NewTrustFileStore(dir),
		dir:               dir,
	}, nil
}

// Export gathers the long-lived key material for backup. Sessions are
// deliberately excluded: ratchet state is device-bound and restoring stale
// chains would only produce undecryptable messages.
func (s *FileKeyStore) Export(passphrase string) (domain.KeyExport, error) {
	id, err := s.LoadIdentity(passphrase)
	if err != nil {
		return domain.KeyExport{}, err
	}

	spks := make(map[domain.SignedPreKeyID]domain.SignedPreKeyPair)
	if err := readJSON(filepath.Join(s.dir, spkPairsFile), &spks); err != nil {
		return domain.KeyExport{}, err
	}
	var meta prekeyMeta
	if err := readJSON(filepath.Join(s.dir, metaFile), &meta); err != nil {
		return domain.KeyExport{}, err
	}
	opks := make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)
	if err := readJSON(filepath.Join(s.dir, opkPairsFile), &opks); err != nil {
		return domain.KeyExport{}, err
	}
	trust := map[domain.UserID]domain.RemoteIdentityRecord{}
	if err := readJSON(filepath.Join(s.dir, trustFilename), &trust); err != nil {
		return domain.KeyExport{}, err
	}

	out := domain.KeyExport{
		Version:      exportFormatVersion,
		Identity:     id,
		CurrentSPKID: meta.CurrentSPKID,
		Remotes:      trust,
		CreatedUTC:   time.Now().Unix(),
	}
	for _, p := range spks {
		out.SignedPreKeys = append(out.SignedPreKeys, p)
	}
	for _, p := range opks {
		out.OneTimePreKeys = append(out.OneTimePreKeys, p)
	}
	return out, nil
}

// Import atomically replaces the store contents with the export. The new
// state is staged into a sibling directory and swapped in with renames, so
// a crash mid-import leaves either the old state or the new one, never a
// mix.
func (s *FileKeyStore) Import(passphrase string, export domain.KeyExport) error {
	staging := s.dir + ".import"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	ids := NewIdentityFileStore(staging)
	if err := ids.SaveIdentity(passphrase, export.Identity); err != nil {
		return err
	}
	pks := NewPreKeyFileStore(staging)
	for _, p := range export.SignedPreKeys {
		if err := pks.SaveSignedPreKey(p); err != nil {
			return err
		}
	}
	if export.CurrentSPKID != "" {
		if err := pks.SetCurrentSignedPreKeyID(export.CurrentSPKID); err != nil {
			return err
		}
	}
	if err := pks.SaveOneTimePreKeys(export.OneTimePreKeys); err != nil {
		return err
	}
	trust := NewTrustFileStore(staging)
	for user, rec := range export.Remotes {
		if err := trust.SaveRemoteIdentity(user, rec); err != nil {
			return err
		}
	}

	old := s.dir + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	if err := os.Rename(s.dir, old); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	if err := os.Rename(staging, s.dir); err != nil {
		// Put the old state back; the rename away succeeded so this
		// target is free.
		_ = os.Rename(old, s.dir)
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	_ = os.RemoveAll(old)
	return nil
}

// ClearAll wipes every file in the store directory. Used on sign-out.
func (s *FileKeyStore) ClearAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrStorage)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrStorage)
		}
	}
	return nil
}

var _ domain.KeyStore = (*FileKeyStore)(nil)
