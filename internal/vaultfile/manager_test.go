package vaultfile_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

func newTestManager(t *testing.T) (*vaultfile.Manager, string) {
	t.Helper()
	dir := t.TempDir()

	registry, err := vaultfile.OpenRegistry(filepath.Join(dir, "registry.json"), events.Discard())
	require.NoError(t, err)

	mgr, err := vaultfile.NewManager(filepath.Join(dir, "vaults"), registry, events.Discard())
	require.NoError(t, err)

	return mgr, dir
}

func TestManager_CreateAndOpen(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "master-password")
	require.NoError(t, err)
	assert.NotEmpty(t, vaultID)
	assert.FileExists(t, path)

	payload, key, err := mgr.OpenVault(vaultID, "master-password")
	require.NoError(t, err)
	assert.Empty(t, payload.Entries)
	assert.Len(t, key, 32)
}

func TestManager_OpenWrongPassword(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, _, err := mgr.CreateVault("personal", "master-password")
	require.NoError(t, err)

	_, _, err = mgr.OpenVault(vaultID, "not-the-password")
	assert.ErrorIs(t, err, models.ErrWrongPassword)
}

func TestManager_OpenUnknownVault(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, _, err := mgr.OpenVault("no-such-vault", "pw")
	assert.ErrorIs(t, err, models.ErrVaultNotFound)
}

func TestManager_OpenCorruptFile(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"header":{`), 0600))

	_, _, err = mgr.OpenVault(vaultID, "pw")
	assert.ErrorIs(t, err, models.ErrCorruptVault)
}

func TestManager_SaveRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, _, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	payload, key, err := mgr.OpenVault(vaultID, "pw")
	require.NoError(t, err)

	now := time.Now().UTC()
	payload.Entries = append(payload.Entries, models.Entry{
		ID:         "e1",
		Title:      "example.com",
		Username:   "alice",
		Secret:     "s3cret",
		CreatedAt:  now,
		ModifiedAt: now,
	})

	require.NoError(t, mgr.SaveVault(vaultID, payload, key))

	reopened, _, err := mgr.OpenVault(vaultID, "pw")
	require.NoError(t, err)
	require.Len(t, reopened.Entries, 1)
	assert.Equal(t, "alice", reopened.Entries[0].Username)
	assert.Equal(t, "s3cret", reopened.Entries[0].Secret)
}

func TestManager_SaveCreatesBackup(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	original, err := os.ReadFile(path)
	require.NoError(t, err)

	payload, key, err := mgr.OpenVault(vaultID, "pw")
	require.NoError(t, err)
	require.NoError(t, mgr.SaveVault(vaultID, payload, key))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, original, backup)
}

func TestManager_SaveWrongKeyLeavesFileIntact(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	err = mgr.SaveVault(vaultID, models.NewVaultPayload(), wrongKey)
	assert.ErrorIs(t, err, models.ErrWrongPassword)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed save must not touch the vault file")
}

func TestManager_ChangePassword(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, _, err := mgr.CreateVault("personal", "old-password")
	require.NoError(t, err)

	payload, key, err := mgr.OpenVault(vaultID, "old-password")
	require.NoError(t, err)
	payload.Entries = append(payload.Entries, models.Entry{ID: "e1", Title: "t", Secret: "s"})
	require.NoError(t, mgr.SaveVault(vaultID, payload, key))

	require.NoError(t, mgr.ChangePassword(vaultID, "old-password", "new-password"))

	_, _, err = mgr.OpenVault(vaultID, "old-password")
	assert.ErrorIs(t, err, models.ErrWrongPassword)

	reopened, _, err := mgr.OpenVault(vaultID, "new-password")
	require.NoError(t, err)
	assert.Len(t, reopened.Entries, 1)
}

func TestManager_ChangePasswordWrongOldLeavesFileIntact(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = mgr.ChangePassword(vaultID, "wrong", "whatever")
	assert.ErrorIs(t, err, models.ErrWrongPassword)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestManager_RotateKeyset(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, _, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	payload, key, err := mgr.OpenVault(vaultID, "pw")
	require.NoError(t, err)
	payload.Entries = append(payload.Entries, models.Entry{ID: "e1", Title: "t", Secret: "s"})
	require.NoError(t, mgr.SaveVault(vaultID, payload, key))

	require.NoError(t, mgr.RotateKeyset(vaultID, key))

	reopened, _, err := mgr.OpenVault(vaultID, "pw")
	require.NoError(t, err)
	assert.Len(t, reopened.Entries, 1)
}

func TestManager_UnsupportedFutureVersion(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	container, err := vaultfile.ParseContainer(data)
	require.NoError(t, err)
	container.Header.FormatVersion = vaultfile.FormatVersion + 1

	raw, err := container.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, _, err = mgr.OpenVault(vaultID, "pw")
	assert.ErrorIs(t, err, models.ErrUnsupportedVersion)
}

func TestManager_DeleteVault(t *testing.T) {
	mgr, _ := newTestManager(t)

	vaultID, path, err := mgr.CreateVault("personal", "pw")
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteVault(vaultID))
	assert.NoFileExists(t, path)

	_, _, err = mgr.OpenVault(vaultID, "pw")
	assert.ErrorIs(t, err, models.ErrVaultNotFound)
}
