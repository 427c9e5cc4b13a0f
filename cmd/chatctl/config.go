package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk chatctl configuration.
type Config struct {
	// APIURL is the REST base, no trailing slash.
	APIURL string `yaml:"api_url"`
	// StreamURL is the push-stream WebSocket endpoint.
	StreamURL string `yaml:"stream_url"`
	// Database is the local cache path.
	Database string `yaml:"database"`
	LogLevel string `yaml:"log_level"`
	// SyncInterval is the delta-sync period. Zero selects the default.
	SyncInterval time.Duration `yaml:"sync_interval"`

	Encryption EncryptionConfig `yaml:"encryption"`

	// UserID is filled in by login.
	UserID string `yaml:"user_id"`

	path string
}

// EncryptionConfig selects the content cipher.
type EncryptionConfig struct {
	// Mode is "aes" or "legacy".
	Mode   string `yaml:"mode"`
	Secret string `yaml:"secret"`
}

func defaultConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatctl", "config.yaml")
}

func defaultDatabasePath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatctl", "chatsync.db")
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		APIURL:    "https://dev.v1.terracrypt.cc",
		StreamURL: "wss://dev.v1.terracrypt.cc/ws",
		Database:  defaultDatabasePath(),
		LogLevel:  "info",
		Encryption: EncryptionConfig{
			Mode: "aes",
		},
		path: path,
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

func (cfg *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(cfg.path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.path, data, 0600)
}
