package prekey_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/identity"
	"veil/internal/services/prekey"
	"veil/internal/store"
)

const pass = "prekey-test-passphrase"

func newFixture(t *testing.T) (*prekey.Service, *store.MemoryKeyStore, *directory.Client, domain.Identity) {
	t.Helper()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	t.Cleanup(srv.Close)
	keys := store.NewMemoryKeyStore()
	dir := directory.NewClient(srv.URL, nil)
	id, _, err := identity.New(keys).Generate(pass)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return prekey.New(keys, keys, dir, nil), keys, dir, id
}

func register(t *testing.T, svc *prekey.Service, dir *directory.Client, id domain.Identity) {
	t.Helper()
	reg, err := svc.BuildRegistration(id, "alice", "phone", "test")
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if _, err := dir.RegisterDevice(context.Background(), reg); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestGenerateSignedPreKeyBecomesCurrent(t *testing.T) {
	svc, keys, _, id := newFixture(t)

	first, err := svc.GenerateSignedPreKey(id)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := svc.GenerateSignedPreKey(id)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	current, ok, err := keys.CurrentSignedPreKey()
	if err != nil || !ok {
		t.Fatalf("current: %v ok=%v", err, ok)
	}
	if current.ID != second.ID {
		t.Fatalf("current = %s, want %s", current.ID, second.ID)
	}
	// The previous pair stays loadable for in-flight handshakes.
	if _, found, err := keys.LoadSignedPreKey(first.ID); err != nil || !found {
		t.Fatalf("previous pair gone: %v found=%v", err, found)
	}
}

func TestRegistrationCarriesFullBatch(t *testing.T) {
	svc, _, _, id := newFixture(t)

	reg, err := svc.BuildRegistration(id, "alice", "phone", "test")
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if len(reg.OneTimePreKeys) != prekey.OneTimeBatchSize {
		t.Fatalf("batch size = %d, want %d", len(reg.OneTimePreKeys), prekey.OneTimeBatchSize)
	}
	if reg.SignedPreKeyID == "" || len(reg.SignedPreKeySig) == 0 {
		t.Fatal("registration missing signed pre-key material")
	}
}

func TestReplenishSkipsHealthyInventory(t *testing.T) {
	ctx := context.Background()
	svc, _, dir, id := newFixture(t)
	register(t, svc, dir, id)

	n, err := svc.ReplenishOneTimePreKeys(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if n != 0 {
		t.Fatalf("uploaded %d keys with a full inventory", n)
	}
}

func TestReplenishTopsUpLowInventory(t *testing.T) {
	ctx := context.Background()
	svc, _, dir, id := newFixture(t)
	register(t, svc, dir, id)

	// Drain the inventory below the threshold.
	drain := prekey.OneTimeBatchSize - prekey.ReplenishThreshold + 1
	for i := 0; i < drain; i++ {
		if _, err := dir.FetchPreKeyBundle(ctx, "alice", "phone"); err != nil {
			t.Fatalf("bundle %d: %v", i, err)
		}
	}

	n, err := svc.ReplenishOneTimePreKeys(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if n != prekey.OneTimeBatchSize {
		t.Fatalf("uploaded %d keys, want %d", n, prekey.OneTimeBatchSize)
	}
	count, err := dir.CountOneTimePreKeys(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if want := prekey.OneTimeBatchSize - drain + prekey.OneTimeBatchSize; count != want {
		t.Fatalf("inventory = %d, want %d", count, want)
	}
}

func TestRotateSkipsFreshKey(t *testing.T) {
	ctx := context.Background()
	svc, _, dir, id := newFixture(t)
	register(t, svc, dir, id)

	rotated, err := svc.RotateSignedPreKey(ctx, pass, "alice", "phone")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated {
		t.Fatal("rotated a fresh signed pre-key")
	}
}

func TestRotateReplacesAgedKey(t *testing.T) {
	ctx := context.Background()
	svc, keys, dir, id := newFixture(t)
	register(t, svc, dir, id)

	// Age the current pair past the rotation window.
	current, ok, err := keys.CurrentSignedPreKey()
	if err != nil || !ok {
		t.Fatalf("current: %v ok=%v", err, ok)
	}
	aged := current
	aged.CreatedUTC = time.Now().Add(-prekey.SignedPreKeyMaxAge - time.Hour).Unix()
	if err := keys.SaveSignedPreKey(aged); err != nil {
		t.Fatalf("save aged: %v", err)
	}

	rotated, err := svc.RotateSignedPreKey(ctx, pass, "alice", "phone")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatal("aged signed pre-key was not rotated")
	}

	// The directory now serves the replacement.
	bundle, err := dir.FetchPreKeyBundle(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.SignedPreKeyID == current.ID {
		t.Fatal("bundle still serves the aged signed pre-key")
	}
}
