package message_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"veil/internal/cache"
	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/identity"
	"veil/internal/services/message"
	"veil/internal/services/prekey"
	"veil/internal/services/trust"
	"veil/internal/store"
)

const pass = "orange-crow-battery"

type endpoint struct {
	keys *store.MemoryKeyStore
	dir  *directory.Client
	msgs *message.Service
	user domain.UserID
}

// newEndpoint provisions a fresh identity, registers it with the directory,
// and wires an orchestrator for it.
func newEndpoint(t *testing.T, base string, user domain.UserID, device domain.DeviceID) *endpoint {
	t.Helper()
	keys := store.NewMemoryKeyStore()
	dir := directory.NewClient(base, nil)

	id, _, err := identity.New(keys).Generate(pass)
	if err != nil {
		t.Fatalf("generate identity for %s: %v", user, err)
	}
	reg, err := prekey.New(keys, keys, dir, nil).BuildRegistration(id, user, device, "test")
	if err != nil {
		t.Fatalf("build registration for %s: %v", user, err)
	}
	if _, err := dir.RegisterDevice(context.Background(), reg); err != nil {
		t.Fatalf("register %s: %v", user, err)
	}

	trustSvc := trust.New(keys, keys, dir)
	return &endpoint{
		keys: keys,
		dir:  dir,
		msgs: message.New(keys, dir, trustSvc, cache.NewSessions(4), nil, user, device),
		user: user,
	}
}

func newConversation(t *testing.T) (*endpoint, *endpoint) {
	t.Helper()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	t.Cleanup(srv.Close)
	alice := newEndpoint(t, srv.URL, "alice", "phone")
	bob := newEndpoint(t, srv.URL, "bob", "phone")
	return alice, bob
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := newConversation(t)

	env, err := alice.msgs.Send(ctx, pass, "bob", "", domain.DecryptedContent{Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if env.Type != domain.MessageTypeText {
		t.Fatalf("default type = %q, want %q", env.Type, domain.MessageTypeText)
	}
	if env.PreKey == nil {
		t.Fatal("initial message carries no prekey attachment")
	}

	got, err := bob.msgs.Receive(ctx, pass, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].Err != nil {
		t.Fatalf("decrypt: %v", got[0].Err)
	}
	if got[0].Content.Body != "hello" {
		t.Fatalf("body = %q, want %q", got[0].Content.Body, "hello")
	}

	// Bob replies over the session established inbound; no new handshake.
	reply, err := alice.collect(t, ctx, bob, "hi yourself")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Message.PreKey != nil {
		t.Fatal("reply should not carry a prekey attachment")
	}
	if reply.Content.Body != "hi yourself" {
		t.Fatalf("reply body = %q", reply.Content.Body)
	}

	// Alice saw an inbound message, so her prekey echo stops.
	env2, err := alice.msgs.Send(ctx, pass, "bob", "", domain.DecryptedContent{Body: "again"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if env2.PreKey != nil {
		t.Fatal("prekey attachment still echoed after handshake completed")
	}
	if got, err := bob.msgs.Receive(ctx, pass, 0); err != nil || len(got) != 1 || got[0].Err != nil {
		t.Fatalf("second receive: %v / %+v", err, got)
	}
}

// collect has bob send one message and alice receive it.
func (e *endpoint) collect(t *testing.T, ctx context.Context, from *endpoint, body string) (message.Received, error) {
	t.Helper()
	if _, err := from.msgs.Send(ctx, pass, e.user, "", domain.DecryptedContent{Body: body}); err != nil {
		return message.Received{}, err
	}
	got, err := e.msgs.Receive(ctx, pass, 0)
	if err != nil {
		return message.Received{}, err
	}
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	return got[0], nil
}

func TestDecryptFailureLeavesSessionUsable(t *testing.T) {
	ctx := context.Background()
	alice, bob := newConversation(t)

	// Complete the handshake first so the tampered copy exercises an
	// established session rather than a fresh prekey derivation.
	if _, err := alice.msgs.Send(ctx, pass, "bob", "", domain.DecryptedContent{Body: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, err := bob.msgs.Receive(ctx, pass, 0); err != nil || len(got) != 1 || got[0].Err != nil {
		t.Fatalf("receive: %v / %+v", err, got)
	}

	env, err := alice.msgs.Encrypt(ctx, pass, "bob", "", domain.DecryptedContent{Body: "intact"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := env
	tampered.Cipher = append([]byte(nil), env.Cipher...)
	tampered.Cipher[0] ^= 0x01

	if _, err := bob.msgs.Decrypt(ctx, pass, tampered); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
	// The genuine copy must still decrypt; a failed attempt may not burn
	// ratchet state.
	content, err := bob.msgs.Decrypt(ctx, pass, env)
	if err != nil {
		t.Fatalf("genuine copy after tampered attempt: %v", err)
	}
	if content.Body != "intact" {
		t.Fatalf("body = %q", content.Body)
	}
}

func TestConcurrentFirstContactSends(t *testing.T) {
	ctx := context.Background()
	alice, bob := newConversation(t)

	// Racing first sends with an unresolved device id must converge on one
	// session; every envelope has to decrypt at the receiver.
	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = alice.msgs.Send(ctx, pass, "bob", "",
				domain.DecryptedContent{Body: fmt.Sprintf("msg-%d", i)})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	got, err := bob.msgs.Receive(ctx, pass, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != n {
		t.Fatalf("received %d messages, want %d", len(got), n)
	}
	bodies := make(map[string]bool, n)
	for _, r := range got {
		if r.Err != nil {
			t.Fatalf("decrypt %s: %v", r.Message.ID, r.Err)
		}
		bodies[r.Content.Body] = true
	}
	for i := 0; i < n; i++ {
		if !bodies[fmt.Sprintf("msg-%d", i)] {
			t.Fatalf("missing msg-%d in %v", i, bodies)
		}
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	_, bob := newConversation(t)

	msg := domain.EncryptedMessage{
		From:       "mallory",
		FromDevice: "phone",
		Header:     domain.RatchetHeader{DHPub: make([]byte, 32)},
		Cipher:     []byte("junk"),
	}
	if _, err := bob.msgs.Decrypt(ctx, pass, msg); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestMalformedHeaderRejected(t *testing.T) {
	ctx := context.Background()
	_, bob := newConversation(t)

	msg := domain.EncryptedMessage{
		From:   "alice",
		Header: domain.RatchetHeader{DHPub: []byte{1, 2, 3}},
	}
	if _, err := bob.msgs.Decrypt(ctx, pass, msg); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("err = %v, want ErrUndecryptableMessage", err)
	}
}

func TestUnknownSignedPreKeyFails(t *testing.T) {
	ctx := context.Background()
	alice, bob := newConversation(t)

	env, err := alice.msgs.Encrypt(ctx, pass, "bob", "", domain.DecryptedContent{Body: "hi"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pk := *env.PreKey
	pk.SignedPreKeyID = "spk-gone"
	env.PreKey = &pk

	if _, err := bob.msgs.Decrypt(ctx, pass, env); !errors.Is(err, domain.ErrSignedPreKeyNotFound) {
		t.Fatalf("err = %v, want ErrSignedPreKeyNotFound", err)
	}
}

func TestConsumedOneTimePreKeyDegrades(t *testing.T) {
	ctx := context.Background()
	alice, bob := newConversation(t)

	env, err := alice.msgs.Encrypt(ctx, pass, "bob", "", domain.DecryptedContent{Body: "hi"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env.PreKey.OneTimePreKeyID == "" {
		t.Fatal("bundle consumed no one-time prekey")
	}
	// Burn the referenced one-time key before delivery. The responder
	// derivation then runs without it and disagrees with the initiator's.
	if _, found, err := bob.keys.ConsumeOneTimePreKey(env.PreKey.OneTimePreKeyID); err != nil || !found {
		t.Fatalf("consume: %v found=%v", err, found)
	}
	if _, err := bob.msgs.Decrypt(ctx, pass, env); err == nil {
		t.Fatal("decrypt succeeded despite missing one-time prekey")
	}
}
