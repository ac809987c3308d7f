package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"veil/internal/crypto"
	"veil/internal/domain"
	"veil/internal/util/memzero"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// maxSkipped bounds the out-of-order window per session. Keys beyond
	// it evict the oldest skipped key.
	maxSkipped = 64
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// InitAsInitiator seeds the sending chain from the X3DH root key using a
// fresh ratchet key pair and the peer's identity public key.
func InitAsInitiator(root []byte, peerIdentity domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until the first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from the X3DH root key using our
// identity private key and the sender's ratchet public key from the first
// message header.
func InitAsResponder(root []byte, ourIDPriv domain.X25519Private, senderRatchetPub domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	dh, err := crypto.DH(ourIDPriv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt advances the sending chain by one message key, produces a header
// and ciphertext, and deletes the message key. The responder's first send
// triggers a DH ratchet step because its sending chain is still empty.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := stepSendingChain(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt resolves the message key for the header (current chain, skipped
// window, or a DH ratchet step for a new remote ratchet pub) and opens the
// ciphertext. Every message key is deleted after use, so re-delivering the
// same ciphertext fails.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("bad ratchet header: %w", domain.ErrUndecryptableMessage)
	}

	// The skipped window is keyed by the ratchet pub that was current when
	// the key was parked, so it resolves late messages from the current
	// chain and from chains already closed by a ratchet step alike.
	var headerPub domain.X25519Public
	copy(headerPub[:], header.DHPub)
	if keyID := skippedKeyID(headerPub, header.N); st.Skipped[keyID] != nil {
		mk := st.Skipped[keyID]
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			// Keep the key: a tampered copy must not burn the
			// slot for the genuine ciphertext.
			return nil, fmt.Errorf("skipped key open: %w", domain.ErrUndecryptableMessage)
		}
		memzero.Zero(mk)
		dropSkipped(st, keyID)
		return pt, nil
	}

	if equal32(st.PeerDHPub[:], header.DHPub) {
		// A counter behind the receiving chain can only be served from
		// the skipped window; its chain key is gone.
		if header.N < st.Nr {
			return nil, fmt.Errorf("message key %d already consumed: %w", header.N, domain.ErrUndecryptableMessage)
		}
	} else {
		// New remote ratchet pub: close out the old receiving chain,
		// then advance both chains from a fresh root.
		skipUntil(st, header.PN)
		if err := stepReceivingChain(st, header); err != nil {
			return nil, err
		}
	}

	skipUntil(st, header.N)
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrUndecryptableMessage)
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, fmt.Errorf("open: %w", domain.ErrUndecryptableMessage)
	}
	st.Nr = header.N + 1
	return pt, nil
}

// stepSendingChain performs a DH ratchet step on the sending side: a fresh
// ratchet key pair, a new root, and a new sending chain.
func stepSendingChain(st *domain.RatchetState) error {
	st.PN = st.Ns
	st.Ns = 0

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(newPriv, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRK, sendCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	st.RootKey = newRK
	st.DHPriv, st.DHPub = newPriv, newPub
	st.SendCK = sendCK
	return nil
}

// stepReceivingChain performs the DH ratchet step triggered by a new remote
// ratchet pub: new receiving chain from the incoming pub, then a new sending
// chain from a fresh local pair.
func stepReceivingChain(st *domain.RatchetState, header domain.RatchetHeader) error {
	var newPeer domain.X25519Public
	copy(newPeer[:], header.DHPub)

	dh, err := crypto.DH(st.DHPriv, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, newPeer)
	if err != nil {
		return err
	}
	rk3, sendCK := kdfRK(rk2, dh2[:])
	memzero.Zero(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk3
	st.DHPriv, st.DHPub = newPriv, newPub
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

// --- AEAD helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(append([]byte(nil), ad...), headerBytes(header)...)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(append([]byte(nil), ad...), headerBytes(header)...))
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// --- chain KDFs ---

func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

// --- skipped-key window ---

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// skipUntil derives and stores message keys up to n, evicting the oldest
// entry when the window is full.
func skipUntil(st *domain.RatchetState, n uint32) {
	if len(st.RecvCK) == 0 {
		return
	}
	for st.Nr < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkipped && len(st.SkipOrder) > 0 {
			oldest := st.SkipOrder[0]
			st.SkipOrder = st.SkipOrder[1:]
			delete(st.Skipped, oldest)
		}
		id := skippedKeyID(st.PeerDHPub, st.Nr)
		st.Skipped[id] = mk
		st.SkipOrder = append(st.SkipOrder, id)
		st.Nr++
	}
}

func dropSkipped(st *domain.RatchetState, id string) {
	delete(st.Skipped, id)
	for i, v := range st.SkipOrder {
		if v == id {
			st.SkipOrder = append(st.SkipOrder[:i], st.SkipOrder[i+1:]...)
			break
		}
	}
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
