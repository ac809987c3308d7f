package device_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"veil/internal/directory"
	"veil/internal/directory/server"
	"veil/internal/domain"
	"veil/internal/services/device"
	"veil/internal/services/identity"
	"veil/internal/services/prekey"
	"veil/internal/store"
)

const pass = "device-test-passphrase"

// newAccount registers n devices for "alice" and returns a client plus a
// service bound to the first device.
func newAccount(t *testing.T, n int) (*device.Service, *directory.Client) {
	t.Helper()
	srv := httptest.NewServer(server.New(server.NewMemoryStore(), nil).Router())
	t.Cleanup(srv.Close)
	dir := directory.NewClient(srv.URL, nil)

	for i := 0; i < n; i++ {
		keys := store.NewMemoryKeyStore()
		id, _, err := identity.New(keys).Generate(pass)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		devID := domain.DeviceID(fmt.Sprintf("dev-%d", i))
		reg, err := prekey.New(keys, keys, dir, nil).BuildRegistration(id, "alice", devID, "device")
		if err != nil {
			t.Fatalf("registration: %v", err)
		}
		if _, err := dir.RegisterDevice(context.Background(), reg); err != nil {
			t.Fatalf("register %s: %v", devID, err)
		}
	}
	return device.New(dir, "alice", "dev-0"), dir
}

func TestListMarksCurrentDevice(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAccount(t, 3)

	devices, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("listed %d devices, want 3", len(devices))
	}
	for _, d := range devices {
		want := d.DeviceID == "dev-0"
		if d.IsCurrentDevice != want {
			t.Errorf("%s marked current=%v, want %v", d.DeviceID, d.IsCurrentDevice, want)
		}
	}
}

func TestDeviceCap(t *testing.T) {
	ctx := context.Background()

	svc, _ := newAccount(t, device.MaxDevices-1)
	if err := svc.CanRegisterMoreDevices(ctx); err != nil {
		t.Fatalf("below cap: %v", err)
	}

	full, _ := newAccount(t, device.MaxDevices)
	if err := full.CanRegisterMoreDevices(ctx); !errors.Is(err, domain.ErrDeviceLimit) {
		t.Fatalf("at cap = %v, want ErrDeviceLimit", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAccount(t, 2)

	if err := svc.Revoke(ctx, "dev-0"); !errors.Is(err, device.ErrCurrentDevice) {
		t.Fatalf("revoking self = %v, want ErrCurrentDevice", err)
	}
	if err := svc.Revoke(ctx, "dev-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if n, err := svc.Count(ctx); err != nil || n != 1 {
		t.Fatalf("count after revoke = %d, %v; want 1", n, err)
	}
}

func TestRevokeAllOtherDevices(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAccount(t, 4)

	n, err := svc.RevokeAllOtherDevices(ctx)
	if err != nil {
		t.Fatalf("revoke others: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked %d, want 3", n)
	}
	devices, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "dev-0" {
		t.Fatalf("remaining devices = %+v", devices)
	}
}
