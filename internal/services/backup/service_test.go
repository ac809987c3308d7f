package backup_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/backup"
	"veil/internal/services/identity"
	"veil/internal/store"
)

const (
	storePass  = "local-store-passphrase"
	backupPass = "Backup-Passphrase-2042!"
)

func newFixture(t *testing.T) (*backup.Service, *store.MemoryKeyStore, *directory.Client) {
	t.Helper()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	t.Cleanup(srv.Close)
	keys := store.NewMemoryKeyStore()
	dir := directory.NewClient(srv.URL, nil)
	return backup.New(keys, dir, "alice"), keys, dir
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, keys, dir := newFixture(t)

	if _, _, err := identity.New(keys).Generate(storePass); err != nil {
		t.Fatalf("generate: %v", err)
	}
	want, err := keys.LoadIdentity(storePass)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := svc.Create(ctx, storePass, backupPass); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := svc.Has(ctx); err != nil || !ok {
		t.Fatalf("has = %v, %v; want true", ok, err)
	}

	// Restore into a fresh store, as a new install would.
	fresh := store.NewMemoryKeyStore()
	restore := backup.New(fresh, dir, "alice")
	if err := restore.Restore(ctx, storePass, backupPass); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := fresh.LoadIdentity(storePass)
	if err != nil {
		t.Fatalf("load restored: %v", err)
	}
	if got != want {
		t.Fatal("restored identity differs from the original")
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	svc, keys, dir := newFixture(t)

	if _, _, err := identity.New(keys).Generate(storePass); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := svc.Create(ctx, storePass, backupPass); err != nil {
		t.Fatalf("create: %v", err)
	}

	fresh := store.NewMemoryKeyStore()
	restore := backup.New(fresh, dir, "alice")
	if err := restore.Restore(ctx, storePass, "not-the-backup-pass"); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
	// The failed restore must not have written anything.
	if ok, err := fresh.HasIdentity(); err != nil || ok {
		t.Fatalf("store written after failed restore: %v, %v", ok, err)
	}
}

func TestCreateRejectsShortPassphrase(t *testing.T) {
	ctx := context.Background()
	svc, keys, _ := newFixture(t)
	if _, _, err := identity.New(keys).Generate(storePass); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := svc.Create(ctx, storePass, "short"); !errors.Is(err, domain.ErrPassphraseTooShort) {
		t.Fatalf("err = %v, want ErrPassphraseTooShort", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, keys, _ := newFixture(t)
	if _, _, err := identity.New(keys).Generate(storePass); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := svc.Create(ctx, storePass, backupPass); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := svc.Has(ctx); err != nil || ok {
		t.Fatalf("has after delete = %v, %v; want false", ok, err)
	}
	if err := svc.Restore(ctx, storePass, backupPass); !errors.Is(err, domain.ErrNoBackup) {
		t.Fatalf("restore after delete = %v, want ErrNoBackup", err)
	}
}

func TestEvaluatePassphraseStrength(t *testing.T) {
	cases := []struct {
		pass string
		want string
	}{
		{"", backup.StrengthTooShort},
		{"short1!", backup.StrengthTooShort},
		{"aaaaaaaaaa", backup.StrengthWeak},
		{"lowercase1234", backup.StrengthModerate},
		{"Correct-Horse-Battery-7", backup.StrengthStrong},
	}
	for _, c := range cases {
		if got := backup.EvaluatePassphraseStrength(c.pass); got != c.want {
			t.Errorf("strength(%q) = %q, want %q", c.pass, got, c.want)
		}
	}
}
