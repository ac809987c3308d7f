package domain

// UserID identifies an account across all of its devices.
type UserID string

// DeviceID identifies one registered device of a user.
type DeviceID string

// SignedPreKeyID names a published signed pre-key.
type SignedPreKeyID string

// OneTimePreKeyID names a published one-time pre-key.
type OneTimePreKeyID string

// Fingerprint is a short hex digest of a public key for display.
type Fingerprint string

// Identity holds the long-term keys stored locally. It is created once per
// device and never rotated.
type Identity struct {
	XPub   X25519Public
	XPriv  X25519Private
	EdPub  Ed25519Public
	EdPriv Ed25519Private

	RegistrationID uint32
}

// SignedPreKeyPair is a medium-term pre-key with its signature by the
// identity signing key. Rotated periodically; old pairs are retained until no
// in-flight handshake references them.
type SignedPreKeyPair struct {
	ID         SignedPreKeyID `json:"id"`
	Priv       X25519Private  `json:"priv"`
	Pub        X25519Public   `json:"pub"`
	Sig        []byte         `json:"sig"`
	CreatedUTC int64          `json:"created_utc"`
}

// OneTimePreKeyPair is consumed by exactly one initiator.
type OneTimePreKeyPair struct {
	ID   OneTimePreKeyID `json:"id"`
	Priv X25519Private   `json:"priv"`
	Pub  X25519Public    `json:"pub"`
}

// OneTimePreKeyPublic is the published half of a one-time pre-key.
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PreKeyBundle is a device's published key material, served by the directory.
// The one-time pre-key, when present, has been atomically removed from the
// server-side inventory.
type PreKeyBundle struct {
	UserID          UserID               `json:"user_id"`
	DeviceID        DeviceID             `json:"device_id"`
	DeviceName      string               `json:"device_name"`
	RegistrationID  uint32               `json:"registration_id"`
	IdentityKey     X25519Public         `json:"identity_key"`
	SigningKey      Ed25519Public        `json:"signing_key"`
	SignedPreKeyID  SignedPreKeyID       `json:"signed_prekey_id"`
	SignedPreKey    X25519Public         `json:"signed_prekey"`
	SignedPreKeySig []byte               `json:"signed_prekey_sig"`
	OneTimePreKey   *OneTimePreKeyPublic `json:"one_time_prekey,omitempty"`
}

// Registration is the payload a device publishes when it first registers.
type Registration struct {
	UserID          UserID                `json:"user_id"`
	DeviceID        DeviceID              `json:"device_id"`
	DeviceName      string                `json:"device_name"`
	RegistrationID  uint32                `json:"registration_id"`
	IdentityKey     X25519Public          `json:"identity_key"`
	SigningKey      Ed25519Public         `json:"signing_key"`
	SignedPreKeyID  SignedPreKeyID        `json:"signed_prekey_id"`
	SignedPreKey    X25519Public          `json:"signed_prekey"`
	SignedPreKeySig []byte                `json:"signed_prekey_sig"`
	OneTimePreKeys  []OneTimePreKeyPublic `json:"one_time_prekeys"`
}

// RegisterResult reports whether the directory already held a registration
// for the same (user, device). A second registration never overwrites the
// first, so a race between two app instances cannot lose keys.
type RegisterResult struct {
	Existing bool `json:"existing"`
}

// RatchetHeader accompanies each ciphertext.
type RatchetHeader struct {
	DHPub []byte `json:"dh_pub"` // 32 bytes
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// PreKeyMessage is attached to initial messages so the responder can mirror
// the X3DH computation.
type PreKeyMessage struct {
	InitiatorIdentityKey X25519Public    `json:"initiator_identity_key"`
	EphemeralKey         X25519Public    `json:"ephemeral_key"`
	SignedPreKeyID       SignedPreKeyID  `json:"signed_prekey_id"`
	OneTimePreKeyID      OneTimePreKeyID `json:"one_time_prekey_id,omitempty"`
}

// MessageType tags the application payload carried by an envelope.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeMedia MessageType = "media"
)

// EncryptedMessage is the wire record for a protected message. Immutable
// once transmitted.
type EncryptedMessage struct {
	ID         string         `json:"id"`
	From       UserID         `json:"from"`
	FromDevice DeviceID       `json:"from_device"`
	To         UserID         `json:"to"`
	ToDevice   DeviceID       `json:"to_device,omitempty"`
	Type       MessageType    `json:"type"`
	Header     RatchetHeader  `json:"header"`
	Cipher     []byte         `json:"cipher"`
	PreKey     *PreKeyMessage `json:"prekey,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// DecryptedContent is the application plaintext. It exists only in memory.
// For media messages the body is accompanied by the envelope-protected file
// key material.
type DecryptedContent struct {
	Type         MessageType `json:"type"`
	Body         string      `json:"body,omitempty"`
	MediaKey     string      `json:"media_key,omitempty"`
	MediaHash    []byte      `json:"media_hash,omitempty"`
	ThumbnailKey string      `json:"thumbnail_key,omitempty"`
}

// RatchetState holds Double Ratchet state for one session.
type RatchetState struct {
	RootKey []byte        `json:"root_key"`
	DHPriv  X25519Private `json:"dh_priv"`
	DHPub   X25519Public  `json:"dh_pub"`

	PeerDHPub X25519Public `json:"peer_dh_pub"`

	SendCK []byte `json:"send_ck,omitempty"`
	RecvCK []byte `json:"recv_ck,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	// Skipped message keys, keyed by ratchet pub || counter. SkipOrder
	// tracks insertion order so the oldest key is dropped when the window
	// overflows.
	Skipped   map[string][]byte `json:"skipped,omitempty"`
	SkipOrder []string          `json:"skip_order,omitempty"`
}

// Clone deep-copies the state so a failed decrypt cannot leave half-advanced
// chains behind.
func (st RatchetState) Clone() RatchetState {
	out := st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendCK = append([]byte(nil), st.SendCK...)
	out.RecvCK = append([]byte(nil), st.RecvCK...)
	if st.Skipped != nil {
		out.Skipped = make(map[string][]byte, len(st.Skipped))
		for k, v := range st.Skipped {
			out.Skipped[k] = append([]byte(nil), v...)
		}
	}
	out.SkipOrder = append([]string(nil), st.SkipOrder...)
	return out
}

// SessionState is the ratchet state for one (local device, remote device)
// pair plus bookkeeping. Persisted after every mutation.
type SessionState struct {
	PeerUser        UserID       `json:"peer_user"`
	PeerDevice      DeviceID     `json:"peer_device"`
	PeerIdentityKey X25519Public `json:"peer_identity_key"`

	Ratchet RatchetState `json:"ratchet"`

	// PendingPreKey is echoed on every outgoing message until the first
	// inbound message confirms the peer completed the handshake.
	PendingPreKey *PreKeyMessage `json:"pending_prekey,omitempty"`

	CreatedUTC    int64 `json:"created_utc"`
	LastActiveUTC int64 `json:"last_active_utc"`
}

// Clone deep-copies the session for safe speculative mutation.
func (s SessionState) Clone() SessionState {
	out := s
	out.Ratchet = s.Ratchet.Clone()
	if s.PendingPreKey != nil {
		pk := *s.PendingPreKey
		out.PendingPreKey = &pk
	}
	return out
}

// RemoteIdentityRecord pins a remote user's identity key (TOFU). When a
// different key is observed it lands in PendingKey; the pin only moves after
// the user explicitly accepts the change.
type RemoteIdentityRecord struct {
	Key          X25519Public  `json:"key"`
	PendingKey   *X25519Public `json:"pending_key,omitempty"`
	Verified     bool          `json:"verified"`
	FirstSeenUTC int64         `json:"first_seen_utc"`
}

// TrustStatus classifies a remote identity key against the pinned record.
type TrustStatus string

const (
	TrustUnknown  TrustStatus = "unknown"  // first contact, nothing pinned
	TrustTrusted  TrustStatus = "trusted"  // matches the pinned key
	TrustChanged  TrustStatus = "changed"  // differs from the pinned key
	TrustVerified TrustStatus = "verified" // matches and was manually verified
)

// DeviceInfo is the directory-visible view of a registered device.
type DeviceInfo struct {
	DeviceID            DeviceID `json:"device_id"`
	DeviceName          string   `json:"device_name"`
	RegistrationID      uint32   `json:"registration_id"`
	IdentityFingerprint string   `json:"identity_fingerprint"`
	IsCurrentDevice     bool     `json:"is_current_device"`
	LastActiveUTC       int64    `json:"last_active_utc"`
}

// KeyExport is the versioned structure written by backups.
type KeyExport struct {
	Version        int                             `json:"version"`
	Identity       Identity                        `json:"identity"`
	SignedPreKeys  []SignedPreKeyPair              `json:"signed_prekeys"`
	CurrentSPKID   SignedPreKeyID                  `json:"current_spk_id"`
	OneTimePreKeys []OneTimePreKeyPair             `json:"one_time_prekeys"`
	Remotes        map[UserID]RemoteIdentityRecord `json:"remotes"`
	CreatedUTC     int64                           `json:"created_utc"`
}
