package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/state"
)

func TestJSONStore(t *testing.T) {
	store, err := state.NewJSONStore(t.TempDir(), events.Discard())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := state.NewSQLiteStore(dbPath, events.Discard())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestMockStore(t *testing.T) {
	store := state.NewMockStore()
	defer store.Close()

	testStoreOperations(t, store)
}

func testStoreOperations(t *testing.T, store state.Store) {
	vaultID := "vault-123"

	t.Run("load non-existent", func(t *testing.T) {
		_, err := store.Load(vaultID)
		assert.ErrorIs(t, err, state.ErrStateNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		meta := &models.SyncMetadata{
			VaultID:            vaultID,
			Provider:           "webdav",
			RemoteID:           "vaults/vault-123.kfv",
			RemoteEtag:         "etag-1",
			LastSyncedChecksum: "sum-1",
			LastSyncTime:       time.Now().UTC().Truncate(time.Second),
		}

		require.NoError(t, store.Save(vaultID, meta))

		loaded, err := store.Load(vaultID)
		require.NoError(t, err)

		assert.Equal(t, meta.Provider, loaded.Provider)
		assert.Equal(t, meta.RemoteID, loaded.RemoteID)
		assert.Equal(t, meta.RemoteEtag, loaded.RemoteEtag)
		assert.Equal(t, meta.LastSyncedChecksum, loaded.LastSyncedChecksum)
		assert.Equal(t, meta.LastSyncTime.Unix(), loaded.LastSyncTime.Unix())
	})

	t.Run("update existing", func(t *testing.T) {
		require.NoError(t, store.Save(vaultID, &models.SyncMetadata{
			VaultID: vaultID, Provider: "webdav", RemoteEtag: "etag-1",
		}))
		require.NoError(t, store.Save(vaultID, &models.SyncMetadata{
			VaultID: vaultID, Provider: "webdav", RemoteEtag: "etag-2", LastError: "timeout",
		}))

		loaded, err := store.Load(vaultID)
		require.NoError(t, err)
		assert.Equal(t, "etag-2", loaded.RemoteEtag)
		assert.Equal(t, "timeout", loaded.LastError)
	})

	t.Run("load returns a copy", func(t *testing.T) {
		require.NoError(t, store.Save(vaultID, &models.SyncMetadata{
			VaultID: vaultID, RemoteEtag: "etag-3",
		}))

		first, err := store.Load(vaultID)
		require.NoError(t, err)
		first.RemoteEtag = "mutated"

		second, err := store.Load(vaultID)
		require.NoError(t, err)
		assert.Equal(t, "etag-3", second.RemoteEtag)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, store.Save("vault-a", &models.SyncMetadata{VaultID: "vault-a"}))
		require.NoError(t, store.Save("vault-b", &models.SyncMetadata{VaultID: "vault-b"}))

		ids, err := store.List()
		require.NoError(t, err)
		assert.Contains(t, ids, "vault-a")
		assert.Contains(t, ids, "vault-b")
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Save("vault-gone", &models.SyncMetadata{VaultID: "vault-gone"}))
		require.NoError(t, store.Delete("vault-gone"))

		_, err := store.Load("vault-gone")
		assert.ErrorIs(t, err, state.ErrStateNotFound)
	})
}

func TestJSONStoreCorruptFileFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewJSONStore(dir, events.Discard())
	require.NoError(t, err)
	defer store.Close()

	meta := &models.SyncMetadata{VaultID: "vault-1", RemoteEtag: "etag-1"}
	require.NoError(t, store.Save("vault-1", meta))

	// Second save creates a backup of the first file.
	meta.RemoteEtag = "etag-2"
	require.NoError(t, store.Save("vault-1", meta))

	// Corrupt the live file; load should recover from the backup.
	path := filepath.Join(dir, "vault-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	loaded, err := store.Load("vault-1")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", loaded.RemoteEtag)
}

func TestJSONStoreCorruptWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewJSONStore(dir, events.Discard())
	require.NoError(t, err)
	defer store.Close()

	path := filepath.Join(dir, "vault-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err = store.Load("vault-1")
	assert.ErrorIs(t, err, state.ErrStateCorrupt)
}

func TestMigrateJSONToSQLite(t *testing.T) {
	src, err := state.NewJSONStore(t.TempDir(), events.Discard())
	require.NoError(t, err)
	defer src.Close()

	dst, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), events.Discard())
	require.NoError(t, err)
	defer dst.Close()

	for _, id := range []string{"vault-a", "vault-b"} {
		require.NoError(t, src.Save(id, &models.SyncMetadata{
			VaultID: id, Provider: "localdir", RemoteEtag: "etag-" + id,
		}))
	}

	require.NoError(t, src.Migrate(dst))

	for _, id := range []string{"vault-a", "vault-b"} {
		meta, err := dst.Load(id)
		require.NoError(t, err)
		assert.Equal(t, "etag-"+id, meta.RemoteEtag)
	}
}
