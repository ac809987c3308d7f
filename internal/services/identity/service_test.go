package identity_test

import (
	"errors"
	"testing"

	"veil/internal/domain"
	"veil/internal/services/identity"
	"veil/internal/store"
)

const pass = "identity-test-passphrase"

func TestGenerateRoundTrip(t *testing.T) {
	svc := identity.New(store.NewMemoryKeyStore())

	if ok, err := svc.Exists(); err != nil || ok {
		t.Fatalf("exists before generate = %v, %v", ok, err)
	}
	id, fp, err := svc.Generate(pass)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fp == "" {
		t.Fatal("empty fingerprint")
	}
	if id.RegistrationID == 0 {
		t.Fatal("zero registration id")
	}

	if ok, err := svc.Exists(); err != nil || !ok {
		t.Fatalf("exists after generate = %v, %v", ok, err)
	}
	loaded, err := svc.Load(pass)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != id {
		t.Fatal("loaded identity differs from what generate returned")
	}
	if fp2, err := svc.Fingerprint(pass); err != nil || fp2 != fp {
		t.Fatalf("fingerprint = %q, %v; want %q", fp2, err, fp)
	}
}

func TestGenerateRejectsShortPassphrase(t *testing.T) {
	svc := identity.New(store.NewMemoryKeyStore())
	if _, _, err := svc.Generate("short"); !errors.Is(err, domain.ErrPassphraseTooShort) {
		t.Fatalf("err = %v, want ErrPassphraseTooShort", err)
	}
	if ok, err := svc.Exists(); err != nil || ok {
		t.Fatalf("store written after rejected passphrase: %v, %v", ok, err)
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	svc := identity.New(store.NewMemoryKeyStore())
	if _, _, err := svc.Generate(pass); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Load("not-the-passphrase"); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}
