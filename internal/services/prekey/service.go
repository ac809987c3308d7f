package prekey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veil/internal/crypto"
	"veil/internal/domain"
)

const (
	// OneTimeBatchSize is how many one-time pre-keys are generated per
	// upload.
	OneTimeBatchSize = 100
	// ReplenishThreshold triggers a new batch when the server-side
	// inventory falls below it.
	ReplenishThreshold = 20
	// SignedPreKeyMaxAge forces a rotation once the current signed pre-key
	// is older than this.
	SignedPreKeyMaxAge = 48 * time.Hour
)

// Service manages pre-key pairs locally and mirrors the public halves to the
// directory.
type Service struct {
	ids domain.IdentityStore
	ps  domain.PreKeyStore
	dir domain.DirectoryClient
	log *zap.Logger
}

func New(ids domain.IdentityStore, ps domain.PreKeyStore, dir domain.DirectoryClient, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ids: ids, ps: ps, dir: dir, log: log}
}

// GenerateSignedPreKey creates a signed pre-key pair, stores it, and marks it
// current. Older pairs stay in the store so in-flight handshakes that
// reference them still complete.
func (s *Service) GenerateSignedPreKey(id domain.Identity) (domain.SignedPreKeyPair, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	pair := domain.SignedPreKeyPair{
		ID:         domain.SignedPreKeyID("spk-" + uuid.NewString()),
		Priv:       priv,
		Pub:        pub,
		Sig:        crypto.SignEd25519(id.EdPriv, pub.Slice()),
		CreatedUTC: time.Now().UTC().Unix(),
	}
	if err := s.ps.SaveSignedPreKey(pair); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	if err := s.ps.SetCurrentSignedPreKeyID(pair.ID); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	return pair, nil
}

// GenerateOneTimePreKeys creates n one-time pairs and stores them. The
// returned publics are ready for upload.
func (s *Service) GenerateOneTimePreKeys(n int) ([]domain.OneTimePreKeyPublic, error) {
	pairs := make([]domain.OneTimePreKeyPair, 0, n)
	publics := make([]domain.OneTimePreKeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		id := domain.OneTimePreKeyID("opk-" + uuid.NewString())
		pairs = append(pairs, domain.OneTimePreKeyPair{ID: id, Priv: priv, Pub: pub})
		publics = append(publics, domain.OneTimePreKeyPublic{ID: id, Pub: pub})
	}
	if err := s.ps.SaveOneTimePreKeys(pairs); err != nil {
		return nil, err
	}
	return publics, nil
}

// BuildRegistration assembles the first-run registration payload from a fresh
// signed pre-key and one-time batch.
func (s *Service) BuildRegistration(
	id domain.Identity,
	user domain.UserID,
	device domain.DeviceID,
	deviceName string,
) (domain.Registration, error) {
	spk, err := s.GenerateSignedPreKey(id)
	if err != nil {
		return domain.Registration{}, err
	}
	opks, err := s.GenerateOneTimePreKeys(OneTimeBatchSize)
	if err != nil {
		return domain.Registration{}, err
	}
	return domain.Registration{
		UserID:          user,
		DeviceID:        device,
		DeviceName:      deviceName,
		RegistrationID:  id.RegistrationID,
		IdentityKey:     id.XPub,
		SigningKey:      id.EdPub,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.Pub,
		SignedPreKeySig: spk.Sig,
		OneTimePreKeys:  opks,
	}, nil
}

// ReplenishOneTimePreKeys tops up the server-side inventory when it has
// fallen below the threshold. It reports how many keys were uploaded.
func (s *Service) ReplenishOneTimePreKeys(ctx context.Context, user domain.UserID, device domain.DeviceID) (int, error) {
	n, err := s.dir.CountOneTimePreKeys(ctx, user, device)
	if err != nil {
		return 0, fmt.Errorf("count one-time pre-keys: %w", err)
	}
	if n >= ReplenishThreshold {
		return 0, nil
	}
	publics, err := s.GenerateOneTimePreKeys(OneTimeBatchSize)
	if err != nil {
		return 0, err
	}
	if err := s.dir.UploadOneTimePreKeys(ctx, user, device, publics); err != nil {
		return 0, fmt.Errorf("upload one-time pre-keys: %w", err)
	}
	s.log.Info("replenished one-time pre-keys",
		zap.Int("remaining", n),
		zap.Int("uploaded", len(publics)))
	return len(publics), nil
}

// RotateSignedPreKey replaces the current signed pre-key when it is older
// than SignedPreKeyMaxAge. It reports whether a rotation happened.
func (s *Service) RotateSignedPreKey(ctx context.Context, passphrase string, user domain.UserID, device domain.DeviceID) (bool, error) {
	current, ok, err := s.ps.CurrentSignedPreKey()
	if err != nil {
		return false, err
	}
	if ok && time.Since(time.Unix(current.CreatedUTC, 0)) < SignedPreKeyMaxAge {
		return false, nil
	}

	id, err := s.ids.LoadIdentity(passphrase)
	if err != nil {
		return false, err
	}
	pair, err := s.GenerateSignedPreKey(id)
	if err != nil {
		return false, err
	}
	if err := s.dir.UploadSignedPreKey(ctx, user, device, pair.ID, pair.Pub, pair.Sig); err != nil {
		return false, fmt.Errorf("upload signed pre-key: %w", err)
	}
	s.log.Info("rotated signed pre-key", zap.String("id", string(pair.ID)))
	return true, nil
}
