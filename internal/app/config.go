package app

import (
	"fmt"
	"net/http"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home         string `toml:"home"`          // key store directory, e.g. $HOME/.veil
	DirectoryURL string `toml:"directory_url"` // directory base URL
	User         string `toml:"user"`          // local account id
	Device       string `toml:"device"`        // local device id
	DeviceName   string `toml:"device_name"`   // human-readable device label

	HTTP *http.Client `toml:"-"` // optional; defaults to http.DefaultClient
}

// LoadConfig reads a TOML config file into cfg. Missing file is not an
// error; flag values then stand alone.
func LoadConfig(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
