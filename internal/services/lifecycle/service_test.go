package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"veil/internal/cache"
	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/device"
	"veil/internal/services/identity"
	"veil/internal/services/lifecycle"
	"veil/internal/services/prekey"
	"veil/internal/store"
)

const pass = "lifecycle-test-passphrase"

type fixture struct {
	svc  *lifecycle.Service
	keys *store.MemoryKeyStore
	dir  *directory.Client
}

func newFixture(t *testing.T, base string, dev domain.DeviceID) fixture {
	t.Helper()
	keys := store.NewMemoryKeyStore()
	dir := directory.NewClient(base, nil)
	ids := identity.New(keys)
	pks := prekey.New(keys, keys, dir, nil)
	devs := device.New(dir, "alice", dev)
	svc := lifecycle.New(ids, pks, devs, keys, dir, cache.NewSessions(4), nil,
		"alice", dev, "test device")
	return fixture{svc: svc, keys: keys, dir: dir}
}

func newServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFirstRunRegistersDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newServer(t), "phone")

	if err := f.svc.Initialize(ctx, pass); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if has, err := f.keys.HasIdentity(); err != nil || !has {
		t.Fatalf("identity not created: %v, %v", has, err)
	}
	bundle, err := f.dir.FetchPreKeyBundle(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("bundle after init: %v", err)
	}
	if bundle.OneTimePreKey == nil {
		t.Fatal("registration uploaded no one-time pre-keys")
	}

	// A second run is maintenance, not re-registration.
	if err := f.svc.Initialize(ctx, pass); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	devices, err := f.dir.GetDevices(ctx, "alice")
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices = %v, %v; want exactly one", devices, err)
	}
}

func TestInitializeHonorsDeviceCap(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)

	for i := 0; i < device.MaxDevices; i++ {
		f := newFixture(t, base, domain.DeviceID(fmt.Sprintf("dev-%d", i)))
		if err := f.svc.Initialize(ctx, pass); err != nil {
			t.Fatalf("initialize dev-%d: %v", i, err)
		}
	}

	extra := newFixture(t, base, "dev-extra")
	if err := extra.svc.Initialize(ctx, pass); !errors.Is(err, domain.ErrDeviceLimit) {
		t.Fatalf("err = %v, want ErrDeviceLimit", err)
	}
	if has, err := extra.keys.HasIdentity(); err != nil || has {
		t.Fatalf("identity created despite device cap: %v, %v", has, err)
	}
}

func TestMaintainReportsPerStepErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newServer(t), "phone")
	if err := f.svc.Initialize(ctx, pass); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	report := f.svc.Maintain(ctx, pass)
	if report.Failed() {
		t.Fatalf("healthy maintenance failed: %+v", report)
	}
	if report.OneTimePreKeysUploaded != 0 || report.SignedPreKeyRotated {
		t.Fatalf("fresh device needed work: %+v", report)
	}
}

func TestMaintainCollectsErrorsWithoutAborting(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	f := newFixture(t, base, "phone")
	if err := f.svc.Initialize(ctx, pass); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Point a second wiring at a dead endpoint; every step should error and
	// every error should be collected.
	ids := identity.New(f.keys)
	deadDir := directory.NewClient("http://127.0.0.1:1", nil)
	pks := prekey.New(f.keys, f.keys, deadDir, nil)
	devs := device.New(deadDir, "alice", "phone")
	offline := lifecycle.New(ids, pks, devs, f.keys, deadDir, cache.NewSessions(4), nil,
		"alice", "phone", "test device")

	report := offline.Maintain(ctx, pass)
	if !report.Failed() {
		t.Fatal("offline maintenance reported success")
	}
	if report.ReplenishErr == nil || report.TouchErr == nil {
		t.Fatalf("missing step errors: %+v", report)
	}
}

func TestCleanupWipesAfterDeregistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newServer(t), "phone")
	if err := f.svc.Initialize(ctx, pass); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := f.svc.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if has, err := f.keys.HasIdentity(); err != nil || has {
		t.Fatalf("identity survived cleanup: %v, %v", has, err)
	}
	if _, err := f.dir.GetDevices(ctx, "alice"); err == nil {
		t.Fatal("device still registered after cleanup")
	}
}
