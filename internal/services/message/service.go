package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veil/internal/cache"
	"veil/internal/domain"
	"veil/internal/protocol/ratchet"
	"veil/internal/protocol/x3dh"
	"veil/internal/services/trust"
)

// Service is the encryption orchestrator. It resolves or bootstraps a
// session for a peer device, runs the ratchet over the payload, and keeps
// the session cache and the key store in step.
//
// High-level flow:
//   - Encrypt: no session yet means we are the initiator; fetch the peer's
//     bundle, run X3DH, and attach a PreKeyMessage so the receiver can
//     mirror the derivation. The PreKeyMessage is echoed on every outgoing
//     message until the first inbound message proves the peer caught up.
//   - Decrypt: no session plus an attached PreKeyMessage means we are the
//     responder; consume the referenced pre-keys and mirror X3DH. Ratchet
//     state only advances when decryption succeeds.
type Service struct {
	keys  domain.KeyStore
	dir   domain.DirectoryClient
	trust *trust.Service
	cache *cache.Sessions
	log   *zap.Logger

	localUser   domain.UserID
	localDevice domain.DeviceID

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the orchestrator for one local device.
func New(
	keys domain.KeyStore,
	dir domain.DirectoryClient,
	trustSvc *trust.Service,
	sessions *cache.Sessions,
	log *zap.Logger,
	localUser domain.UserID,
	localDevice domain.DeviceID,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		keys:        keys,
		dir:         dir,
		trust:       trustSvc,
		cache:       sessions,
		log:         log,
		localUser:   localUser,
		localDevice: localDevice,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Encrypt protects content for a peer device and returns the wire envelope.
// An empty device id targets the peer's most recent session, or the primary
// device when no session exists yet. The returned envelope has not been
// sent; see Send.
func (s *Service) Encrypt(
	ctx context.Context,
	passphrase string,
	to domain.UserID,
	toDevice domain.DeviceID,
	content domain.DecryptedContent,
) (domain.EncryptedMessage, error) {
	id, err := s.keys.LoadIdentity(passphrase)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}

	if toDevice == "" {
		if sess, ok, err := s.keys.MostRecentSession(to); err != nil {
			return domain.EncryptedMessage{}, err
		} else if ok {
			toDevice = sess.PeerDevice
		}
	}

	var sess domain.SessionState
	if toDevice != "" {
		lock := s.sessionLock(to, toDevice)
		lock.Lock()
		defer lock.Unlock()
		var ok bool
		sess, ok, err = s.loadSession(to, toDevice)
		if err != nil {
			return domain.EncryptedMessage{}, err
		}
		if !ok {
			sess, err = s.establishOutbound(ctx, id, to, toDevice)
			if err != nil {
				return domain.EncryptedMessage{}, err
			}
		}
	} else {
		// First contact with an unknown device: the bundle fetch resolves
		// the primary device, so the lock can only be taken afterwards. A
		// concurrent call may have established the session in the
		// meantime; the stored one wins then.
		sess, err = s.establishOutbound(ctx, id, to, "")
		if err != nil {
			return domain.EncryptedMessage{}, err
		}
		toDevice = sess.PeerDevice
		lock := s.sessionLock(to, toDevice)
		lock.Lock()
		defer lock.Unlock()
		if cur, ok, err := s.loadSession(to, toDevice); err != nil {
			return domain.EncryptedMessage{}, err
		} else if ok {
			sess = cur
		}
	}

	if content.Type == "" {
		content.Type = domain.MessageTypeText
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}

	ad := associatedData(id.XPub, sess.PeerIdentityKey)
	header, ct, err := ratchet.Encrypt(&sess.Ratchet, ad, plaintext)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}

	// Persist before handing the envelope out so a crash cannot reuse a
	// message key.
	sess.LastActiveUTC = time.Now().UTC().Unix()
	if err := s.saveSession(sess); err != nil {
		return domain.EncryptedMessage{}, err
	}

	return domain.EncryptedMessage{
		ID:         uuid.NewString(),
		From:       s.localUser,
		FromDevice: s.localDevice,
		To:         to,
		ToDevice:   toDevice,
		Type:       content.Type,
		Header:     header,
		Cipher:     ct,
		PreKey:     sess.PendingPreKey,
		Timestamp:  time.Now().UTC().Unix(),
	}, nil
}

// Send encrypts content and posts the envelope to the directory's
// store-and-forward queue.
func (s *Service) Send(
	ctx context.Context,
	passphrase string,
	to domain.UserID,
	toDevice domain.DeviceID,
	content domain.DecryptedContent,
) (domain.EncryptedMessage, error) {
	msg, err := s.Encrypt(ctx, passphrase, to, toDevice, content)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	if err := s.dir.SendMessage(ctx, msg); err != nil {
		return domain.EncryptedMessage{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Decrypt resolves the session for an inbound envelope and returns the
// plaintext content. A failed decrypt leaves the stored session untouched.
func (s *Service) Decrypt(
	ctx context.Context,
	passphrase string,
	msg domain.EncryptedMessage,
) (domain.DecryptedContent, error) {
	if len(msg.Header.DHPub) != 32 {
		return domain.DecryptedContent{}, fmt.Errorf("malformed ratchet header: %w", domain.ErrUndecryptableMessage)
	}
	id, err := s.keys.LoadIdentity(passphrase)
	if err != nil {
		return domain.DecryptedContent{}, err
	}

	from, fromDevice := msg.From, msg.FromDevice
	if fromDevice == "" {
		// Some transports strip the device id; fall back to the most
		// recently active session for the user. This only resolves the
		// device, the authoritative load happens under the lock.
		recent, ok, err := s.keys.MostRecentSession(from)
		if err != nil {
			return domain.DecryptedContent{}, err
		}
		if ok {
			fromDevice = recent.PeerDevice
		}
	}

	lock := s.sessionLock(from, fromDevice)
	lock.Lock()
	defer lock.Unlock()
	sess, ok, err := s.loadSession(from, fromDevice)
	if err != nil {
		return domain.DecryptedContent{}, err
	}

	if !ok {
		if msg.PreKey == nil {
			return domain.DecryptedContent{}, fmt.Errorf("inbound from %q: %w", from, domain.ErrNoSession)
		}
		sess, err = s.establishInbound(id, from, fromDevice, msg)
		if err != nil {
			return domain.DecryptedContent{}, err
		}
	}

	work := sess.Clone()
	ad := associatedData(id.XPub, work.PeerIdentityKey)
	plaintext, err := ratchet.Decrypt(&work.Ratchet, ad, msg.Header, msg.Cipher)
	if err != nil {
		return domain.DecryptedContent{}, err
	}

	// First successful inbound proves the peer completed the handshake.
	work.PendingPreKey = nil
	work.LastActiveUTC = time.Now().UTC().Unix()
	if err := s.saveSession(work); err != nil {
		return domain.DecryptedContent{}, err
	}

	var content domain.DecryptedContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return domain.DecryptedContent{}, fmt.Errorf("unmarshal content: %w", err)
	}
	return content, nil
}

// Received pairs an inbound envelope with its decryption outcome.
type Received struct {
	Message domain.EncryptedMessage
	Content domain.DecryptedContent
	Err     error
}

// Receive fetches queued envelopes for the local device, decrypts each, and
// acknowledges the batch. Per-message decryption failures are reported in
// the result rather than aborting the batch.
func (s *Service) Receive(ctx context.Context, passphrase string, limit int) ([]Received, error) {
	msgs, err := s.dir.FetchMessages(ctx, s.localUser, s.localDevice, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	out := make([]Received, 0, len(msgs))
	for _, m := range msgs {
		content, err := s.Decrypt(ctx, passphrase, m)
		if err != nil {
			s.log.Warn("message failed to decrypt",
				zap.String("id", m.ID),
				zap.String("from", string(m.From)),
				zap.Error(err))
		}
		out = append(out, Received{Message: m, Content: content, Err: err})
	}
	if len(msgs) > 0 {
		if err := s.dir.AckMessages(ctx, s.localUser, s.localDevice, len(msgs)); err != nil {
			return out, fmt.Errorf("ack messages: %w", err)
		}
	}
	return out, nil
}

// establishOutbound runs the initiator side of X3DH against a fetched
// bundle and builds the new session.
func (s *Service) establishOutbound(
	ctx context.Context,
	id domain.Identity,
	to domain.UserID,
	toDevice domain.DeviceID,
) (domain.SessionState, error) {
	bundle, err := s.dir.FetchPreKeyBundle(ctx, to, toDevice)
	if err != nil {
		return domain.SessionState{}, err
	}
	status, err := s.trust.CheckIdentityKey(to, bundle.IdentityKey)
	if err != nil {
		return domain.SessionState{}, err
	}
	if status == domain.TrustChanged {
		s.log.Warn("peer identity key changed", zap.String("user", string(to)))
	}

	root, spkID, opkID, ephPub, err := x3dh.InitiatorRoot(id, bundle)
	if err != nil {
		return domain.SessionState{}, err
	}
	st, err := ratchet.InitAsInitiator(root, bundle.IdentityKey)
	if err != nil {
		return domain.SessionState{}, err
	}

	now := time.Now().UTC().Unix()
	return domain.SessionState{
		PeerUser:        to,
		PeerDevice:      bundle.DeviceID,
		PeerIdentityKey: bundle.IdentityKey,
		Ratchet:         st,
		PendingPreKey: &domain.PreKeyMessage{
			InitiatorIdentityKey: id.XPub,
			EphemeralKey:         ephPub,
			SignedPreKeyID:       spkID,
			OneTimePreKeyID:      opkID,
		},
		CreatedUTC:    now,
		LastActiveUTC: now,
	}, nil
}

// establishInbound mirrors X3DH from the attached PreKeyMessage and builds
// the responder-side session.
func (s *Service) establishInbound(
	id domain.Identity,
	from domain.UserID,
	fromDevice domain.DeviceID,
	msg domain.EncryptedMessage,
) (domain.SessionState, error) {
	pm := *msg.PreKey

	spk, found, err := s.keys.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return domain.SessionState{}, err
	}
	if !found {
		return domain.SessionState{}, fmt.Errorf("initial message references %q: %w",
			pm.SignedPreKeyID, domain.ErrSignedPreKeyNotFound)
	}

	var opkPriv *domain.X25519Private
	if pm.OneTimePreKeyID != "" {
		pair, found, err := s.keys.ConsumeOneTimePreKey(pm.OneTimePreKeyID)
		if err != nil {
			return domain.SessionState{}, err
		}
		if found {
			opkPriv = &pair.Priv
		} else {
			// Already consumed, likely a redelivered initial message.
			// The derivation degrades to three DH terms and decryption
			// fails naturally if the key was genuinely required.
			s.log.Warn("one-time pre-key not found",
				zap.String("id", string(pm.OneTimePreKeyID)))
		}
	}

	root, err := x3dh.ResponderRoot(id, spk.Priv, opkPriv, pm)
	if err != nil {
		return domain.SessionState{}, err
	}
	st, err := ratchet.InitAsResponder(root, id.XPriv, domain.MustX25519Public(msg.Header.DHPub))
	if err != nil {
		return domain.SessionState{}, err
	}

	status, err := s.trust.CheckIdentityKey(from, pm.InitiatorIdentityKey)
	if err != nil {
		return domain.SessionState{}, err
	}
	if status == domain.TrustChanged {
		s.log.Warn("peer identity key changed", zap.String("user", string(from)))
	}

	now := time.Now().UTC().Unix()
	return domain.SessionState{
		PeerUser:        from,
		PeerDevice:      fromDevice,
		PeerIdentityKey: pm.InitiatorIdentityKey,
		Ratchet:         st,
		CreatedUTC:      now,
		LastActiveUTC:   now,
	}, nil
}

// loadSession consults the cache first and falls back to storage, which is
// authoritative after an eviction.
func (s *Service) loadSession(user domain.UserID, device domain.DeviceID) (domain.SessionState, bool, error) {
	if sess, ok := s.cache.Get(user, device); ok {
		return sess, true, nil
	}
	sess, ok, err := s.keys.LoadSession(user, device)
	if err != nil || !ok {
		return domain.SessionState{}, false, err
	}
	s.cache.Put(sess)
	return sess, true, nil
}

func (s *Service) saveSession(sess domain.SessionState) error {
	if err := s.keys.SaveSession(sess); err != nil {
		return err
	}
	s.cache.Put(sess)
	return nil
}

func (s *Service) sessionLock(user domain.UserID, device domain.DeviceID) *sync.Mutex {
	key := string(user) + "/" + string(device)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// associatedData binds both identity keys to every ciphertext. The keys are
// ordered by byte value so both sides derive the same bytes regardless of
// who initiated.
func associatedData(a, b domain.X25519Public) []byte {
	out := make([]byte, 0, 64)
	if bytes.Compare(a.Slice(), b.Slice()) <= 0 {
		out = append(out, a.Slice()...)
		return append(out, b.Slice()...)
	}
	out = append(out, b.Slice()...)
	return append(out, a.Slice()...)
}
