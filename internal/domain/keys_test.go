package domain_test

import (
	"bytes"
	"testing"

	"veil/internal/domain"
)

func TestParsePublicKeyLengths(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)

	k, err := domain.ParseX25519Public(raw)
	if err != nil {
		t.Fatalf("ParseX25519Public: %v", err)
	}
	if !bytes.Equal(k.Slice(), raw) {
		t.Fatal("parsed key differs from input")
	}
	e, err := domain.ParseEd25519Public(raw)
	if err != nil {
		t.Fatalf("ParseEd25519Public: %v", err)
	}
	if !bytes.Equal(e.Slice(), raw) {
		t.Fatal("parsed key differs from input")
	}

	// Truncated rows must surface as errors, not panics.
	for _, n := range []int{0, 16, 31} {
		if _, err := domain.ParseX25519Public(raw[:n]); err == nil {
			t.Fatalf("ParseX25519Public accepted %d bytes", n)
		}
	}
	if _, err := domain.ParseX25519Public(append(raw, 0)); err == nil {
		t.Fatal("ParseX25519Public accepted 33 bytes")
	}
	if _, err := domain.ParseEd25519Public(raw[:31]); err == nil {
		t.Fatal("ParseEd25519Public accepted 31 bytes")
	}
}
