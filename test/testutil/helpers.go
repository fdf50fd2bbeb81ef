package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/client"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/events"
)

// TestConfig returns a config rooted under a fresh temp dir.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(base, "vaults")
	cfg.Storage.StateDir = filepath.Join(base, "state")
	cfg.Storage.RegistryFile = filepath.Join(base, "registry.json")
	cfg.Storage.CredsFile = filepath.Join(base, "credentials.db")
	cfg.Providers.LocalDirRoot = filepath.Join(base, "remote")
	cfg.Session.TTL = time.Hour
	cfg.Sync.RetryDelay = time.Millisecond
	return cfg
}

// NewClient builds a client over TestConfig, closed at test end.
func NewClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	c, err := client.New(cfg, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// SkipIfShort skips the test under -short.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping in short mode: %s", reason)
	}
}
