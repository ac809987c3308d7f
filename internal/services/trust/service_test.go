package trust_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"veil/internal/crypto"
	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/identity"
	"veil/internal/services/prekey"
	"veil/internal/services/trust"
	"veil/internal/store"
)

const pass = "quiet-harbor-lantern"

func newKey(t *testing.T) domain.X25519Public {
	t.Helper()
	_, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}

func newService(t *testing.T) (*trust.Service, *store.MemoryKeyStore) {
	t.Helper()
	keys := store.NewMemoryKeyStore()
	return trust.New(keys, keys, nil), keys
}

func TestFirstContactPinsKey(t *testing.T) {
	svc, _ := newService(t)
	k := newKey(t)

	if st, err := svc.CheckIdentityKey("bob", k); err != nil || st != domain.TrustUnknown {
		t.Fatalf("first contact = %v, %v; want unknown", st, err)
	}
	if st, err := svc.CheckIdentityKey("bob", k); err != nil || st != domain.TrustTrusted {
		t.Fatalf("repeat contact = %v, %v; want trusted", st, err)
	}
	if st, err := svc.Status("bob"); err != nil || st != domain.TrustTrusted {
		t.Fatalf("status = %v, %v; want trusted", st, err)
	}
}

func TestKeyChangeRequiresAcceptance(t *testing.T) {
	svc, _ := newService(t)
	k1, k2 := newKey(t), newKey(t)

	svc.CheckIdentityKey("bob", k1)
	if st, _ := svc.CheckIdentityKey("bob", k2); st != domain.TrustChanged {
		t.Fatalf("new key = %v, want changed", st)
	}
	// The pin has not moved; status stays changed until acceptance.
	if st, _ := svc.Status("bob"); st != domain.TrustChanged {
		t.Fatalf("status before acceptance = %v, want changed", st)
	}
	if st, _ := svc.CheckIdentityKey("bob", k2); st != domain.TrustChanged {
		t.Fatalf("re-observing new key = %v, want changed", st)
	}

	if err := svc.AcceptKeyChange("bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if st, _ := svc.CheckIdentityKey("bob", k2); st != domain.TrustTrusted {
		t.Fatalf("after acceptance = %v, want trusted", st)
	}
	if st, _ := svc.CheckIdentityKey("bob", k1); st != domain.TrustChanged {
		t.Fatalf("old key after acceptance = %v, want changed", st)
	}
}

func TestOldKeyReappearingDropsPendingChange(t *testing.T) {
	svc, _ := newService(t)
	k1, k2 := newKey(t), newKey(t)

	svc.CheckIdentityKey("bob", k1)
	svc.CheckIdentityKey("bob", k2)
	if st, _ := svc.CheckIdentityKey("bob", k1); st != domain.TrustTrusted {
		t.Fatalf("old key = %v, want trusted", st)
	}
	if st, _ := svc.Status("bob"); st != domain.TrustTrusted {
		t.Fatalf("status = %v, want trusted", st)
	}
}

func TestAcceptanceRevokesVerification(t *testing.T) {
	svc, _ := newService(t)
	k1, k2 := newKey(t), newKey(t)

	svc.CheckIdentityKey("bob", k1)
	if err := svc.MarkVerified("bob"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st, _ := svc.CheckIdentityKey("bob", k1); st != domain.TrustVerified {
		t.Fatalf("verified key = %v, want verified", st)
	}

	svc.CheckIdentityKey("bob", k2)
	if err := svc.AcceptKeyChange("bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ok, _ := svc.IsVerified("bob"); ok {
		t.Fatal("verification survived a key change")
	}
	if st, _ := svc.CheckIdentityKey("bob", k2); st != domain.TrustTrusted {
		t.Fatalf("after acceptance = %v, want trusted", st)
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.MarkVerified("nobody"); !errors.Is(err, domain.ErrNoRemoteIdentity) {
		t.Fatalf("err = %v, want ErrNoRemoteIdentity", err)
	}
	if err := svc.AcceptKeyChange("nobody"); !errors.Is(err, domain.ErrNoRemoteIdentity) {
		t.Fatalf("err = %v, want ErrNoRemoteIdentity", err)
	}
}

func TestAcceptWithoutPendingIsNoop(t *testing.T) {
	svc, _ := newService(t)
	k := newKey(t)
	svc.CheckIdentityKey("bob", k)
	if err := svc.AcceptKeyChange("bob"); err != nil {
		t.Fatalf("accept with nothing pending: %v", err)
	}
	if st, _ := svc.CheckIdentityKey("bob", k); st != domain.TrustTrusted {
		t.Fatalf("status = %v, want trusted", st)
	}
}

func TestSafetyNumberMatchesBetweenPeers(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	defer srv.Close()

	type party struct {
		keys *store.MemoryKeyStore
		svc  *trust.Service
	}
	newParty := func(user domain.UserID) party {
		keys := store.NewMemoryKeyStore()
		dir := directory.NewClient(srv.URL, nil)
		id, _, err := identity.New(keys).Generate(pass)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		reg, err := prekey.New(keys, keys, dir, nil).BuildRegistration(id, user, "phone", "test")
		if err != nil {
			t.Fatalf("registration: %v", err)
		}
		if _, err := dir.RegisterDevice(ctx, reg); err != nil {
			t.Fatalf("register: %v", err)
		}
		return party{keys: keys, svc: trust.New(keys, keys, dir)}
	}
	alice, bob := newParty("alice"), newParty("bob")

	na, err := alice.svc.SafetyNumber(ctx, pass, "alice", "bob")
	if err != nil {
		t.Fatalf("alice safety number: %v", err)
	}
	nb, err := bob.svc.SafetyNumber(ctx, pass, "bob", "alice")
	if err != nil {
		t.Fatalf("bob safety number: %v", err)
	}
	if na != nb {
		t.Fatalf("safety numbers differ:\n%s\n%s", na, nb)
	}
	if len(na) != 60 || strings.ContainsFunc(na, func(r rune) bool { return r < '0' || r > '9' }) {
		t.Fatalf("malformed safety number %q", na)
	}

	// The lookup pinned bob's key on alice's side.
	if st, err := alice.svc.Status("bob"); err != nil || st != domain.TrustTrusted {
		t.Fatalf("status after lookup = %v, %v; want trusted", st, err)
	}
}
