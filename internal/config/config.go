package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	Storage   StorageConfig   `json:"storage" mapstructure:"storage"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Sync      SyncConfig      `json:"sync" mapstructure:"sync"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Log       LogConfig       `json:"log" mapstructure:"log"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir"`           // default vault directory
	StateDir     string `json:"state_dir" mapstructure:"state_dir"`         // sync metadata
	RegistryFile string `json:"registry_file" mapstructure:"registry_file"` // vault registry
	CredsFile    string `json:"creds_file" mapstructure:"creds_file"`       // provider credential store (bbolt)
}

// SessionConfig for the in-memory session manager.
type SessionConfig struct {
	TTL               time.Duration `json:"ttl" mapstructure:"ttl"`
	PlatformKeyMaxAge time.Duration `json:"platform_key_max_age" mapstructure:"platform_key_max_age"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	RetryAttempts int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	StateBackend  string        `json:"state_backend" mapstructure:"state_backend"` // "json" or "sqlite"
}

// ProvidersConfig for sync backend specifics that are not per-account
// secrets. Credentials live in the encrypted store, not here.
type ProvidersConfig struct {
	LocalDirRoot string `json:"localdir_root" mapstructure:"localdir_root"` // localdir provider target
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // empty = stderr
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".keyfold"

	return &Config{
		Storage: StorageConfig{
			DataDir:      filepath.Join(dataDir, "vaults"),
			StateDir:     filepath.Join(dataDir, "state"),
			RegistryFile: filepath.Join(dataDir, "registry.json"),
			CredsFile:    filepath.Join(dataDir, "credentials.db"),
		},
		Session: SessionConfig{
			TTL:               5 * time.Minute,
			PlatformKeyMaxAge: 90 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			Timeout:       30 * time.Second,
			StateBackend:  "json",
		},
		Providers: ProvidersConfig{
			LocalDirRoot: filepath.Join(dataDir, "remote"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Storage.RegistryFile == "" {
		return errors.New("storage.registry_file is required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Sync.RetryAttempts < 0 {
		return errors.New("sync.retry_attempts cannot be negative")
	}
	if c.Sync.Timeout <= 0 {
		return errors.New("sync.timeout must be positive")
	}

	switch c.Sync.StateBackend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("invalid sync.state_backend: %s", c.Sync.StateBackend)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
		filepath.Dir(c.Storage.RegistryFile),
		filepath.Dir(c.Storage.CredsFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
