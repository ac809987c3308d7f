package trust

import (
	"context"
	"time"

	"veil/internal/domain"
	"veil/internal/protocol/safety"
)

// Service pins remote identity keys on first contact and classifies later
// sightings against the pinned record.
type Service struct {
	ts  domain.TrustStore
	ids domain.IdentityStore
	dir domain.DirectoryClient
}

func New(ts domain.TrustStore, ids domain.IdentityStore, dir domain.DirectoryClient) *Service {
	return &Service{ts: ts, ids: ids, dir: dir}
}

// CheckIdentityKey classifies the observed key for a user. First contact
// pins the key. A differing key is recorded as pending rather than replacing
// the pin; the status stays changed until AcceptKeyChange moves the pin,
// which also revokes any earlier manual verification.
func (s *Service) CheckIdentityKey(user domain.UserID, key domain.X25519Public) (domain.TrustStatus, error) {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil {
		return domain.TrustUnknown, err
	}
	if !ok {
		rec = domain.RemoteIdentityRecord{
			Key:          key,
			FirstSeenUTC: time.Now().UTC().Unix(),
		}
		if err := s.ts.SaveRemoteIdentity(user, rec); err != nil {
			return domain.TrustUnknown, err
		}
		return domain.TrustUnknown, nil
	}
	if rec.Key == key {
		if rec.PendingKey != nil {
			// The old key reappeared; drop the unaccepted change.
			rec.PendingKey = nil
			if err := s.ts.SaveRemoteIdentity(user, rec); err != nil {
				return domain.TrustTrusted, err
			}
		}
		if rec.Verified {
			return domain.TrustVerified, nil
		}
		return domain.TrustTrusted, nil
	}
	pending := key
	rec.PendingKey = &pending
	if err := s.ts.SaveRemoteIdentity(user, rec); err != nil {
		return domain.TrustChanged, err
	}
	return domain.TrustChanged, nil
}

// AcceptKeyChange moves the pin to the pending key after the user has
// acknowledged the change. Manual verification does not carry over.
func (s *Service) AcceptKeyChange(user domain.UserID) error {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNoRemoteIdentity
	}
	if rec.PendingKey == nil {
		return nil
	}
	rec.Key = *rec.PendingKey
	rec.PendingKey = nil
	rec.Verified = false
	rec.FirstSeenUTC = time.Now().UTC().Unix()
	return s.ts.SaveRemoteIdentity(user, rec)
}

// Status reports the pinned state for a user without observing a new key.
func (s *Service) Status(user domain.UserID) (domain.TrustStatus, error) {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil {
		return domain.TrustUnknown, err
	}
	if !ok {
		return domain.TrustUnknown, nil
	}
	if rec.PendingKey != nil {
		return domain.TrustChanged, nil
	}
	if rec.Verified {
		return domain.TrustVerified, nil
	}
	return domain.TrustTrusted, nil
}

// MarkVerified records that the user compared safety numbers out of band.
func (s *Service) MarkVerified(user domain.UserID) error {
	return s.setVerified(user, true)
}

// MarkUnverified clears the manual verification flag.
func (s *Service) MarkUnverified(user domain.UserID) error {
	return s.setVerified(user, false)
}

// IsVerified reports the manual verification flag for a pinned key.
func (s *Service) IsVerified(user domain.UserID) (bool, error) {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil || !ok {
		return false, err
	}
	return rec.Verified, nil
}

// SafetyNumber computes the 60-digit comparison string for the local user
// and a remote peer. The remote key comes from the pinned record when
// present, otherwise from a directory lookup (which also pins it).
func (s *Service) SafetyNumber(
	ctx context.Context,
	passphrase string,
	localUser, remoteUser domain.UserID,
) (string, error) {
	id, err := s.ids.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	remoteKey, err := s.remoteKey(ctx, remoteUser)
	if err != nil {
		return "", err
	}
	return safety.Number(localUser, id.XPub, remoteUser, remoteKey), nil
}

func (s *Service) remoteKey(ctx context.Context, user domain.UserID) (domain.X25519Public, error) {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil {
		return domain.X25519Public{}, err
	}
	if ok {
		return rec.Key, nil
	}
	key, err := s.dir.LookupIdentityKey(ctx, user)
	if err != nil {
		return domain.X25519Public{}, err
	}
	if _, err := s.CheckIdentityKey(user, key); err != nil {
		return domain.X25519Public{}, err
	}
	return key, nil
}

func (s *Service) setVerified(user domain.UserID, v bool) error {
	rec, ok, err := s.ts.LoadRemoteIdentity(user)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNoRemoteIdentity
	}
	rec.Verified = v
	return s.ts.SaveRemoteIdentity(user, rec)
}
