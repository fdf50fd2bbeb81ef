package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file plus KEYFOLD_*
// environment overrides, layered over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	defaults := DefaultConfig()
	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	v.SetDefault("storage.state_dir", defaults.Storage.StateDir)
	v.SetDefault("storage.registry_file", defaults.Storage.RegistryFile)
	v.SetDefault("storage.creds_file", defaults.Storage.CredsFile)
	v.SetDefault("session.ttl", defaults.Session.TTL)
	v.SetDefault("session.platform_key_max_age", defaults.Session.PlatformKeyMaxAge)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay", defaults.Sync.RetryDelay)
	v.SetDefault("sync.timeout", defaults.Sync.Timeout)
	v.SetDefault("sync.state_backend", defaults.Sync.StateBackend)
	v.SetDefault("providers.localdir_root", defaults.Providers.LocalDirRoot)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("log.file", defaults.Log.File)

	v.SetEnvPrefix("KEYFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		for _, path := range defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
				break
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func defaultPaths() []string {
	paths := []string{
		"keyfold.json",
		".keyfold.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "keyfold", "config.json"),
			filepath.Join(homeDir, ".keyfold", "config.json"),
		)
	}

	return paths
}

// ErrNoConfig reports that no config file was found at any default path.
var ErrNoConfig = errors.New("no config file found")
