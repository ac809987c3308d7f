package device

import (
	"context"
	"errors"
	"fmt"

	"veil/internal/domain"
)

// MaxDevices caps how many devices a single account may register.
const MaxDevices = 5

// ErrCurrentDevice is returned when a revoke targets the device issuing the
// call; sign-out is the supported path for that.
var ErrCurrentDevice = errors.New("cannot revoke the current device")

// Service exposes the device-management surface over the directory.
type Service struct {
	dir    domain.DirectoryClient
	user   domain.UserID
	device domain.DeviceID
}

func New(dir domain.DirectoryClient, user domain.UserID, device domain.DeviceID) *Service {
	return &Service{dir: dir, user: user, device: device}
}

// List returns the account's registered devices with the caller marked.
func (s *Service) List(ctx context.Context) ([]domain.DeviceInfo, error) {
	devices, err := s.dir.GetDevices(ctx, s.user)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].IsCurrentDevice = devices[i].DeviceID == s.device
	}
	return devices, nil
}

// Count returns the number of registered devices.
func (s *Service) Count(ctx context.Context) (int, error) {
	devices, err := s.dir.GetDevices(ctx, s.user)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

// CanRegisterMoreDevices checks the account against the device cap.
func (s *Service) CanRegisterMoreDevices(ctx context.Context) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if n >= MaxDevices {
		return fmt.Errorf("%d of %d devices registered: %w", n, MaxDevices, domain.ErrDeviceLimit)
	}
	return nil
}

// Revoke deregisters another device of the account.
func (s *Service) Revoke(ctx context.Context, device domain.DeviceID) error {
	if device == s.device {
		return ErrCurrentDevice
	}
	return s.dir.DeregisterDevice(ctx, s.user, device)
}

// RevokeAllOtherDevices deregisters every device except the caller.
func (s *Service) RevokeAllOtherDevices(ctx context.Context) (int, error) {
	devices, err := s.dir.GetDevices(ctx, s.user)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, d := range devices {
		if d.DeviceID == s.device {
			continue
		}
		if err := s.dir.DeregisterDevice(ctx, s.user, d.DeviceID); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
