// Package config loads the CLI harness's boot/device configuration
// from TOML, the same shape dh-cli's internal/config loads its own
// ~/.dh/config.toml from (config.go's Load/Save pair), retargeted from
// version-manager preferences to disk-image/cache parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config describes one backing disk image and the runtime budgets the
// page cache and write-ahead log are built with.
type Config struct {
	Disk      Disk      `toml:"disk"`
	PageCache PageCache `toml:"pagecache"`
}

// Disk names the backing file and its size in whole blocks.
type Disk struct {
	Path   string `toml:"path"`
	Blocks int    `toml:"blocks"`
}

// PageCache bounds the in-memory cache and write-ahead log.
type PageCache struct {
	MaxPages int `toml:"max_pages"`
	LogBlocks int `toml:"log_blocks"`
	Inodes    int `toml:"inodes"`
}

// Default returns the configuration used when no config file is
// present, sized for a small local test image.
func Default() *Config {
	return &Config{
		Disk:      Disk{Path: "rvcore.img", Blocks: 4096},
		PageCache: PageCache{MaxPages: 256, LogBlocks: 32, Inodes: 512},
	}
}

// configDirOverride is set by the CLI's --config-dir flag, the same
// indirection dh-cli's SetConfigDir/DH_HOME pair provides.
var configDirOverride string

// SetConfigDir overrides the directory Path resolves config.toml
// against.
func SetConfigDir(dir string) { configDirOverride = dir }

func configDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("RVCORE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rvcore")
	}
	return filepath.Join(home, ".rvcore")
}

// Path returns the full path to config.toml.
func Path() string {
	return filepath.Join(configDir(), "config.toml")
}

// Load reads config.toml, falling back to Default when it does not
// exist.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes cfg back to config.toml, creating its directory if
// needed.
func Save(cfg *Config) error {
	if err := os.MkdirAll(configDir(), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(), data, 0o644)
}
