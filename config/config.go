// Package config loads server configuration from an optional TOML file.
//
// Defaults are usable out of the box; a config file overrides them and
// command-line flags (wired in cmd/server) override the file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"` // ":memory:" for an in-memory database
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{
			Path: "coin-engine.db",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
