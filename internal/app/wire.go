package app

import (
	"net/http"

	"go.uber.org/zap"

	"veil/internal/cache"
	"veil/internal/directory"
	"veil/internal/domain"
	"veil/internal/store"

	backupsvc "veil/internal/services/backup"
	devicesvc "veil/internal/services/device"
	identitysvc "veil/internal/services/identity"
	lifecyclesvc "veil/internal/services/lifecycle"
	messagesvc "veil/internal/services/message"
	prekeysvc "veil/internal/services/prekey"
	trustsvc "veil/internal/services/trust"
)

// Wire bundles the stores, services, and clients for the CLI.
type Wire struct {
	Keys      domain.KeyStore
	Directory domain.DirectoryClient
	Sessions  *cache.Sessions

	Identity  *identitysvc.Service
	PreKeys   *prekeysvc.Service
	Trust     *trustsvc.Service
	Messages  *messagesvc.Service
	Backup    *backupsvc.Service
	Devices   *devicesvc.Service
	Lifecycle *lifecyclesvc.Service
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config, log *zap.Logger) (*Wire, error) {
	if log == nil {
		log = zap.NewNop()
	}

	keys, err := store.NewFileKeyStore(cfg.Home)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	dir := directory.NewClient(cfg.DirectoryURL, httpClient)
	sessions := cache.NewSessions(cache.DefaultCapacity)

	user := domain.UserID(cfg.User)
	device := domain.DeviceID(cfg.Device)

	identitySvc := identitysvc.New(keys)
	prekeySvc := prekeysvc.New(keys, keys, dir, log)
	trustSvc := trustsvc.New(keys, keys, dir)
	messageSvc := messagesvc.New(keys, dir, trustSvc, sessions, log, user, device)
	backupSvc := backupsvc.New(keys, dir, user)
	deviceSvc := devicesvc.New(dir, user, device)
	lifecycleSvc := lifecyclesvc.New(
		identitySvc, prekeySvc, deviceSvc, keys, dir, sessions, log,
		user, device, cfg.DeviceName,
	)

	return &Wire{
		Keys:      keys,
		Directory: dir,
		Sessions:  sessions,
		Identity:  identitySvc,
		PreKeys:   prekeySvc,
		Trust:     trustSvc,
		Messages:  messageSvc,
		Backup:    backupSvc,
		Devices:   deviceSvc,
		Lifecycle: lifecycleSvc,
	}, nil
}
