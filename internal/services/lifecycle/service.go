package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"veil/internal/cache"
	"veil/internal/domain"
	"veil/internal/services/device"
	"veil/internal/services/identity"
	"veil/internal/services/prekey"
)

// Service bootstraps the device on first run and keeps published key
// material fresh afterwards.
type Service struct {
	ids      *identity.Service
	prekeys  *prekey.Service
	devices  *device.Service
	keys     domain.KeyStore
	dir      domain.DirectoryClient
	sessions *cache.Sessions
	log      *zap.Logger

	user       domain.UserID
	device     domain.DeviceID
	deviceName string
}

func New(
	ids *identity.Service,
	prekeys *prekey.Service,
	devices *device.Service,
	keys domain.KeyStore,
	dir domain.DirectoryClient,
	sessions *cache.Sessions,
	log *zap.Logger,
	user domain.UserID,
	dev domain.DeviceID,
	deviceName string,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ids:        ids,
		prekeys:    prekeys,
		devices:    devices,
		keys:       keys,
		dir:        dir,
		sessions:   sessions,
		log:        log,
		user:       user,
		device:     dev,
		deviceName: deviceName,
	}
}

// MaintenanceReport carries the outcome of each maintenance step. Transient
// directory failures land here instead of aborting the run, so connectivity
// loss never blocks normal use.
type MaintenanceReport struct {
	OneTimePreKeysUploaded int
	ReplenishErr           error

	SignedPreKeyRotated bool
	RotateErr           error

	TouchErr error
}

// Failed reports whether any maintenance step errored.
func (r MaintenanceReport) Failed() bool {
	return r.ReplenishErr != nil || r.RotateErr != nil || r.TouchErr != nil
}

// Initialize performs first-run setup when no identity exists yet, or runs
// maintenance on an established device. First run generates the identity
// and initial pre-keys and registers the device.
func (s *Service) Initialize(ctx context.Context, passphrase string) error {
	has, err := s.ids.Exists()
	if err != nil {
		return err
	}
	if has {
		report := s.Maintain(ctx, passphrase)
		s.logReport(report)
		return nil
	}

	if err := s.checkDeviceCap(ctx); err != nil {
		return err
	}

	id, fp, err := s.ids.Generate(passphrase)
	if err != nil {
		return err
	}
	reg, err := s.prekeys.BuildRegistration(id, s.user, s.device, s.deviceName)
	if err != nil {
		return err
	}
	res, err := s.dir.RegisterDevice(ctx, reg)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if res.Existing {
		s.log.Warn("directory already held a registration for this device",
			zap.String("device", string(s.device)))
	}
	s.log.Info("device initialized",
		zap.String("user", string(s.user)),
		zap.String("device", string(s.device)),
		zap.String("fingerprint", string(fp)))
	return nil
}

// Maintain replenishes one-time pre-keys, rotates the signed pre-key when
// due, and touches the device's last-active marker. Errors are collected
// per step; the caller decides whether to log or propagate.
func (s *Service) Maintain(ctx context.Context, passphrase string) MaintenanceReport {
	var report MaintenanceReport
	report.OneTimePreKeysUploaded, report.ReplenishErr =
		s.prekeys.ReplenishOneTimePreKeys(ctx, s.user, s.device)
	report.SignedPreKeyRotated, report.RotateErr =
		s.prekeys.RotateSignedPreKey(ctx, passphrase, s.user, s.device)
	report.TouchErr = s.dir.TouchDevice(ctx, s.user, s.device)
	return report
}

// Cleanup signs the device out: deregisters it, wipes the local key store,
// and drops cached sessions. The wipe only happens after a successful
// deregistration so a failed call can be retried.
func (s *Service) Cleanup(ctx context.Context) error {
	if err := s.dir.DeregisterDevice(ctx, s.user, s.device); err != nil {
		return fmt.Errorf("deregister device: %w", err)
	}
	if err := s.keys.ClearAll(); err != nil {
		return err
	}
	s.sessions.Purge()
	s.log.Info("device signed out", zap.String("device", string(s.device)))
	return nil
}

func (s *Service) logReport(r MaintenanceReport) {
	if r.ReplenishErr != nil {
		s.log.Warn("pre-key replenishment failed", zap.Error(r.ReplenishErr))
	} else if r.OneTimePreKeysUploaded > 0 {
		s.log.Info("one-time pre-keys uploaded", zap.Int("count", r.OneTimePreKeysUploaded))
	}
	if r.RotateErr != nil {
		s.log.Warn("signed pre-key rotation failed", zap.Error(r.RotateErr))
	} else if r.SignedPreKeyRotated {
		s.log.Info("signed pre-key rotated")
	}
	if r.TouchErr != nil {
		s.log.Warn("device touch failed", zap.Error(r.TouchErr))
	}
}

func (s *Service) checkDeviceCap(ctx context.Context) error {
	err := s.devices.CanRegisterMoreDevices(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDeviceLimit):
		return err
	default:
		// An unknown account has no device list yet; registration itself
		// will surface real connectivity problems.
		s.log.Debug("device cap check skipped", zap.Error(err))
		return nil
	}
}
