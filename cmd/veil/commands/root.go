package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"veil/internal/app"
)

var (
	home       string
	configPath string
	passphrase string
	dirURL     string
	user       string
	device     string
	deviceName string
	verbose    bool

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "veil",
		Short: "End-to-end encryption engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config{}
			if configPath != "" {
				if err := app.LoadConfig(configPath, &cfg); err != nil {
					return err
				}
			}
			// Flags override config file values.
			if home != "" {
				cfg.Home = home
			}
			if dirURL != "" {
				cfg.DirectoryURL = dirURL
			}
			if user != "" {
				cfg.User = user
			}
			if device != "" {
				cfg.Device = device
			}
			if deviceName != "" {
				cfg.DeviceName = deviceName
			}
			if cfg.Home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				cfg.Home = filepath.Join(dir, ".veil")
			}
			if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
				return err
			}
			if cfg.Device == "" {
				cfg.Device = "primary"
			}
			if cfg.User == "" {
				return fmt.Errorf("--user required (or set user in the config file)")
			}

			log := zap.NewNop()
			if verbose {
				var err error
				log, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
			}

			var err error
			wire, err = app.NewWire(cfg, log)
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "key store dir (default ~/.veil)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the key store")
	root.PersistentFlags().StringVar(&dirURL, "directory", "", "directory base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&user, "user", "", "your account id")
	root.PersistentFlags().StringVar(&device, "device", "", "this device's id (default primary)")
	root.PersistentFlags().StringVar(&deviceName, "device-name", "", "human-readable device label")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log wiring and maintenance detail")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		sendCmd(),
		recvCmd(),
		safetyCmd(),
		trustCmd(),
		backupCmd(),
		devicesCmd(),
		signoutCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}
