package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ------------- X25519 -------------

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (k X25519Private) Slice() []byte { return k[:] }
func (k X25519Public) Slice() []byte  { return k[:] }

func MustX25519Private(b []byte) X25519Private {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 private: want 32 bytes, got %d", len(b)))
	}
	var out X25519Private
	copy(out[:], b)
	return out
}

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// ParseX25519Public converts stored bytes with a length check, for callers
// that must not panic on corrupted input.
func ParseX25519Public(b []byte) (X25519Public, error) {
	if len(b) != 32 {
		return X25519Public{}, fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b))
	}
	var out X25519Public
	copy(out[:], b)
	return out, nil
}

// ------------- Ed25519 -------------

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (k Ed25519Private) Slice() []byte { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }

func MustEd25519Private(b []byte) Ed25519Private {
	if len(b) != 64 {
		panic(fmt.Errorf("Ed25519 private: want 64 bytes, got %d", len(b)))
	}
	var out Ed25519Private
	copy(out[:], b)
	return out
}

func MustEd25519Public(b []byte) Ed25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b)))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out
}

// ParseEd25519Public is the non-panicking counterpart of MustEd25519Public.
func ParseEd25519Public(b []byte) (Ed25519Public, error) {
	if len(b) != 32 {
		return Ed25519Public{}, fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out, nil
}

// ------------- JSON -------------

// Keys travel Base64-encoded inside JSON envelopes and store files.

func (k X25519Private) MarshalJSON() ([]byte, error)  { return marshalKey(k[:]) }
func (k X25519Public) MarshalJSON() ([]byte, error)   { return marshalKey(k[:]) }
func (k Ed25519Private) MarshalJSON() ([]byte, error) { return marshalKey(k[:]) }
func (k Ed25519Public) MarshalJSON() ([]byte, error)  { return marshalKey(k[:]) }

func (k *X25519Private) UnmarshalJSON(data []byte) error  { return unmarshalKey(data, k[:]) }
func (k *X25519Public) UnmarshalJSON(data []byte) error   { return unmarshalKey(data, k[:]) }
func (k *Ed25519Private) UnmarshalJSON(data []byte) error { return unmarshalKey(data, k[:]) }
func (k *Ed25519Public) UnmarshalJSON(data []byte) error  { return unmarshalKey(data, k[:]) }

func marshalKey(b []byte) ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func unmarshalKey(data, dst []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key: want %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
