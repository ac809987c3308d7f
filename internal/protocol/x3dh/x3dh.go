package x3dh

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"veil/internal/crypto"
	"veil/internal/domain"
	"veil/internal/util/memzero"
)

// kdfInfo labels the HKDF expansion so the root key is bound to this
// protocol and cannot be confused with other derivations of the same DH
// output.
var kdfInfo = []byte("veil-x3dh-v1")

// InitiatorRoot runs X3DH against a fetched bundle.
//
// It verifies the signed pre-key signature, generates a fresh ephemeral key
// pair, computes
//
//	DH1 = DH(IK_A,  SPK_B)
//	DH2 = DH(EK_A,  IK_B)
//	DH3 = DH(EK_A,  SPK_B)
//	DH4 = DH(EK_A,  OPK_B)   (only if the bundle carried a one-time pre-key)
//
// and derives the 32-byte root key from the concatenation. It returns the
// root key, the pre-key ids used, and the ephemeral public key the responder
// needs to mirror the computation.
func InitiatorRoot(
	id domain.Identity,
	bundle domain.PreKeyBundle,
) (
	root []byte,
	spkID domain.SignedPreKeyID,
	opkID domain.OneTimePreKeyID,
	ephPub domain.X25519Public,
	err error,
) {
	if !crypto.VerifyEd25519(bundle.SigningKey, bundle.SignedPreKey.Slice(), bundle.SignedPreKeySig) {
		err = fmt.Errorf("bundle for %q: %w", bundle.UserID, domain.ErrSignatureVerification)
		return
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return
	}

	dh1, err := crypto.DH(id.XPriv, bundle.SignedPreKey)
	if err != nil {
		return
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey)
	if err != nil {
		return
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey)
	if err != nil {
		return
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if bundle.OneTimePreKey != nil {
		var dh4 [32]byte
		dh4, err = crypto.DH(ephPriv, bundle.OneTimePreKey.Pub)
		if err != nil {
			return
		}
		concat = append(concat, dh4[:]...)
		opkID = bundle.OneTimePreKey.ID
	}

	root = deriveRoot(concat)
	memzero.Zero(concat)
	memzero.Zero(ephPriv[:])
	spkID = bundle.SignedPreKeyID
	return
}

// ResponderRoot mirrors the initiator's DH set from a received pre-key
// message. opkPriv is nil when the referenced one-time pre-key was already
// consumed; the derivation then degrades to three DH terms, matching an
// initiator that found no one-time pre-key.
func ResponderRoot(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	pm domain.PreKeyMessage,
) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, pm.InitiatorIdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.XPriv, pm.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, pm.EphemeralKey)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if opkPriv != nil {
		dh4, err := crypto.DH(*opkPriv, pm.EphemeralKey)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}

	root := deriveRoot(concat)
	memzero.Zero(concat)
	return root, nil
}

func deriveRoot(ikm []byte) []byte {
	r := hkdf.New(sha256.New, ikm, nil, kdfInfo)
	root := make([]byte, 32)
	_, _ = io.ReadFull(r, root)
	return root
}
