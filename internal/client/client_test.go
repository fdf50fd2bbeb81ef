package client_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/client"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	syncengine "github.com/keyfold/keyfold/internal/sync"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(base, "vaults")
	cfg.Storage.StateDir = filepath.Join(base, "state")
	cfg.Storage.RegistryFile = filepath.Join(base, "registry.json")
	cfg.Storage.CredsFile = filepath.Join(base, "credentials.db")
	cfg.Providers.LocalDirRoot = filepath.Join(base, "remote")
	cfg.Session.TTL = time.Hour
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	c, err := client.New(cfg, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func unlockedVault(t *testing.T, c *client.Client) string {
	t.Helper()
	vaultID, err := c.CreateVault("personal", "pass-123")
	require.NoError(t, err)
	_, err = c.Unlock(vaultID, "pass-123")
	require.NoError(t, err)
	return vaultID
}

func TestCreateUnlockAndEntries(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	unlockedVault(t, c)

	id, err := c.AddEntry(models.Entry{Title: "Mail", Username: "alice", Secret: "hunter2"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := c.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Mail", entries[0].Title)
	assert.False(t, entries[0].CreatedAt.IsZero())

	entry, err := c.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", entry.Secret)

	// the access was recorded
	entry, err = c.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.UsageCount)
}

func TestEntryOpsRequireSession(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	unlockedVault(t, c)
	c.Lock()

	_, err := c.ListEntries()
	assert.ErrorIs(t, err, models.ErrSessionLocked)
	_, err = c.AddEntry(models.Entry{Title: "x"})
	assert.ErrorIs(t, err, models.ErrSessionLocked)
}

func TestRemoveEntry(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	unlockedVault(t, c)

	id, err := c.AddEntry(models.Entry{Title: "Old", Secret: "s"})
	require.NoError(t, err)

	require.NoError(t, c.RemoveEntry(id))
	assert.ErrorIs(t, c.RemoveEntry(id), client.ErrEntryNotFound)

	entries, err := c.ListEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntryCode(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	unlockedVault(t, c)

	id, err := c.AddEntry(models.Entry{
		Title:     "Mail",
		Secret:    "hunter2",
		OTPSecret: "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)

	code, err := c.EntryCode(id)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, code.Value)

	plain, err := c.AddEntry(models.Entry{Title: "No OTP", Secret: "s"})
	require.NoError(t, err)
	_, err = c.EntryCode(plain)
	assert.Error(t, err)
}

func TestWrongPassword(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	vaultID, err := c.CreateVault("personal", "pass-123")
	require.NoError(t, err)

	_, err = c.Unlock(vaultID, "wrong")
	assert.ErrorIs(t, err, models.ErrWrongPassword)
}

func TestChangePassword(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	vaultID, err := c.CreateVault("personal", "pass-123")
	require.NoError(t, err)

	require.NoError(t, c.ChangePassword(vaultID, "pass-123", "pass-456"))
	assert.ErrorIs(t, c.ChangePassword(vaultID, "pass-123", "pass-789"), models.ErrWrongPassword)

	_, err = c.Unlock(vaultID, "pass-456")
	require.NoError(t, err)
}

func TestRotateKeyset(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	unlockedVault(t, c)

	_, err := c.AddEntry(models.Entry{Title: "Mail", Secret: "hunter2"})
	require.NoError(t, err)

	require.NoError(t, c.RotateKeyset())

	entries, err := c.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hunter2", entries[0].Secret)
}

func TestLocalDirSync(t *testing.T) {
	cfg := testConfig(t)
	c := newTestClient(t, cfg)
	vaultID := unlockedVault(t, c)

	res, err := c.SyncVault(context.Background(), vaultID, "localdir")
	require.NoError(t, err)
	assert.Equal(t, syncengine.OutcomeUploaded, res.Outcome)

	remotePath := filepath.Join(cfg.Providers.LocalDirRoot, vaultID+vaultfile.FileExt)
	_, err = os.Stat(remotePath)
	require.NoError(t, err)

	res, err = c.SyncVault(context.Background(), vaultID, "localdir")
	require.NoError(t, err)
	assert.Equal(t, syncengine.OutcomeUpToDate, res.Outcome)
}

func TestSyncRequiresSession(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	vaultID := unlockedVault(t, c)
	c.Lock()

	_, err := c.SyncVault(context.Background(), vaultID, "localdir")
	assert.ErrorIs(t, err, models.ErrSessionLocked)
}

func TestProviderAccounts(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	require.NoError(t, c.SetProviderAccount(&models.ProviderAccount{
		Provider: "webdav",
		Config:   []byte(`{"base_url":"https://dav.example.com"}`),
	}))

	providers, err := c.ListProviderAccounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"webdav"}, providers)

	require.NoError(t, c.RemoveProviderAccount("webdav"))
	providers, err = c.ListProviderAccounts()
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestDeleteVault(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	vaultID := unlockedVault(t, c)

	require.NoError(t, c.DeleteVault(vaultID))
	assert.False(t, c.Session.Unlocked())

	listings, err := c.ListVaults()
	require.NoError(t, err)
	for _, l := range listings {
		assert.NotEqual(t, vaultID, l.ID)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	first, err := client.New(cfg, events.Discard())
	require.NoError(t, err)
	vaultID, err := first.CreateVault("personal", "pass-123")
	require.NoError(t, err)
	_, err = first.Unlock(vaultID, "pass-123")
	require.NoError(t, err)
	_, err = first.AddEntry(models.Entry{Title: "Mail", Secret: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, first.SetProviderAccount(&models.ProviderAccount{Provider: "webdav", Token: "tok"}))
	require.NoError(t, first.Close())

	second := newTestClient(t, cfg)
	payload, err := second.Unlock(vaultID, "pass-123")
	require.NoError(t, err)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "hunter2", payload.Entries[0].Secret)

	providers, err := second.ListProviderAccounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"webdav"}, providers)
}
