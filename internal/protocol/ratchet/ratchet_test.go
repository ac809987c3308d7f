package ratchet_test

import (
	"bytes"
	"errors"
	"testing"

	"veil/internal/crypto"
	"veil/internal/domain"
	"veil/internal/protocol/ratchet"
)

// makePair returns a paired initiator/responder state sharing one root key,
// simulating the X3DH handshake.
func makePair(t *testing.T) (a, b domain.RatchetState) {
	t.Helper()
	root := bytes.Repeat([]byte{0x42}, 32)

	bIDPriv, bIDPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	a, err = ratchet.InitAsInitiator(root, bIDPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	b, err = ratchet.InitAsResponder(root, bIDPriv, a.DHPub)
	if err != nil {
		t.Fatalf("InitAsResponder: %v", err)
	}
	return a, b
}

func TestRoundTrip(t *testing.T) {
	a, b := makePair(t)

	header, ct, err := ratchet.Encrypt(&a, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := ratchet.Decrypt(&b, nil, header, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hi" {
		t.Fatalf("got %q, want %q", pt, "hi")
	}
}

func TestAssociatedDataMismatchFails(t *testing.T) {
	a, b := makePair(t)

	header, ct, err := ratchet.Encrypt(&a, []byte("ad-1"), []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(&b, []byte("ad-2"), header, ct); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("got %v, want ErrUndecryptableMessage", err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b := makePair(t)

	type env struct {
		h  domain.RatchetHeader
		ct []byte
	}
	var msgs []env
	for _, body := range []string{"one", "two", "three"} {
		h, ct, err := ratchet.Encrypt(&a, nil, []byte(body))
		if err != nil {
			t.Fatalf("Encrypt %q: %v", body, err)
		}
		msgs = append(msgs, env{h, ct})
	}

	// Deliver 2, 1, 3 to a fresh-session receiver.
	for _, i := range []int{1, 0, 2} {
		want := []string{"one", "two", "three"}[i]
		pt, err := ratchet.Decrypt(&b, nil, msgs[i].h, msgs[i].ct)
		if err != nil {
			t.Fatalf("Decrypt msg %d: %v", i, err)
		}
		if string(pt) != want {
			t.Fatalf("msg %d: got %q, want %q", i, pt, want)
		}
	}
}

func TestReplayFails(t *testing.T) {
	a, b := makePair(t)

	header, ct, err := ratchet.Encrypt(&a, nil, []byte("once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(&b, nil, header, ct); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(&b, nil, header, ct); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("replay: got %v, want ErrUndecryptableMessage", err)
	}
}

func TestSkippedKeySurvivesTamperedCopy(t *testing.T) {
	a, b := makePair(t)

	h1, ct1, err := ratchet.Encrypt(&a, nil, []byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	h2, ct2, err := ratchet.Encrypt(&a, nil, []byte("second"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Receiving the second message first parks the first message key in
	// the skipped window.
	if _, err := ratchet.Decrypt(&b, nil, h2, ct2); err != nil {
		t.Fatalf("Decrypt second: %v", err)
	}

	// A tampered copy of the first must not burn the slot.
	bad := append([]byte(nil), ct1...)
	bad[0] ^= 0x01
	if _, err := ratchet.Decrypt(&b, nil, h1, bad); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("tampered: got %v, want ErrUndecryptableMessage", err)
	}
	pt, err := ratchet.Decrypt(&b, nil, h1, ct1)
	if err != nil {
		t.Fatalf("genuine after tampered: %v", err)
	}
	if string(pt) != "first" {
		t.Fatalf("got %q, want %q", pt, "first")
	}
}

func TestLateMessageAcrossRatchetStep(t *testing.T) {
	a, b := makePair(t)

	h1, ct1, err := ratchet.Encrypt(&a, nil, []byte("m1"))
	if err != nil {
		t.Fatalf("Encrypt m1: %v", err)
	}
	h2, ct2, err := ratchet.Encrypt(&a, nil, []byte("m2"))
	if err != nil {
		t.Fatalf("Encrypt m2: %v", err)
	}
	if _, err := ratchet.Decrypt(&b, nil, h1, ct1); err != nil {
		t.Fatalf("Decrypt m1: %v", err)
	}

	// b replies before m2 arrives, then a's next send starts a new chain.
	hr, ctr, err := ratchet.Encrypt(&b, nil, []byte("reply"))
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	if _, err := ratchet.Decrypt(&a, nil, hr, ctr); err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	h3, ct3, err := ratchet.Encrypt(&a, nil, []byte("m3"))
	if err != nil {
		t.Fatalf("Encrypt m3: %v", err)
	}

	// Decrypting m3 closes a's old chain and parks m2's key in the
	// skipped window under the old ratchet pub.
	if pt, err := ratchet.Decrypt(&b, nil, h3, ct3); err != nil || string(pt) != "m3" {
		t.Fatalf("Decrypt m3: %q, %v", pt, err)
	}

	// The late m2 still carries the old pub and must resolve from the
	// window.
	pt, err := ratchet.Decrypt(&b, nil, h2, ct2)
	if err != nil {
		t.Fatalf("Decrypt late m2: %v", err)
	}
	if string(pt) != "m2" {
		t.Fatalf("got %q, want %q", pt, "m2")
	}

	// Its key is gone afterwards.
	if _, err := ratchet.Decrypt(&b, nil, h2, ct2); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("replayed m2: got %v, want ErrUndecryptableMessage", err)
	}
}

func TestTwoWayConversationRatchetSteps(t *testing.T) {
	a, b := makePair(t)

	send := func(from, to *domain.RatchetState, body string) {
		t.Helper()
		h, ct, err := ratchet.Encrypt(from, nil, []byte(body))
		if err != nil {
			t.Fatalf("Encrypt %q: %v", body, err)
		}
		pt, err := ratchet.Decrypt(to, nil, h, ct)
		if err != nil {
			t.Fatalf("Decrypt %q: %v", body, err)
		}
		if string(pt) != body {
			t.Fatalf("got %q, want %q", pt, body)
		}
	}

	// Alternating directions forces a DH ratchet step on every turn.
	send(&a, &b, "a1")
	send(&b, &a, "b1")
	send(&a, &b, "a2")
	send(&a, &b, "a3")
	send(&b, &a, "b2")
	send(&a, &b, "a4")
}
