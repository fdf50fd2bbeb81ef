package state

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// SQLiteStore implements SQLite-based metadata storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sync_metadata (
        vault_id TEXT PRIMARY KEY,
        provider TEXT NOT NULL DEFAULT '',
        remote_id TEXT NOT NULL DEFAULT '',
        remote_etag TEXT NOT NULL DEFAULT '',
        last_synced_checksum TEXT NOT NULL DEFAULT '',
        last_sync_time TIMESTAMP,
        last_error TEXT,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Load retrieves metadata from the database.
func (s *SQLiteStore) Load(vaultID string) (*models.SyncMetadata, error) {
	s.logger.WithField("vault_id", vaultID).Debug("Loading sync metadata from SQLite")

	var meta models.SyncMetadata
	var lastSyncTime sql.NullTime
	var lastError sql.NullString

	err := s.db.QueryRow(`
        SELECT provider, remote_id, remote_etag, last_synced_checksum, last_sync_time, last_error
        FROM sync_metadata
        WHERE vault_id = ?
    `, vaultID).Scan(&meta.Provider, &meta.RemoteID, &meta.RemoteEtag,
		&meta.LastSyncedChecksum, &lastSyncTime, &lastError)

	if err == sql.ErrNoRows {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}

	meta.VaultID = vaultID
	if lastSyncTime.Valid {
		meta.LastSyncTime = lastSyncTime.Time
	}
	if lastError.Valid {
		meta.LastError = lastError.String
	}

	return &meta, nil
}

// Save persists metadata to the database.
func (s *SQLiteStore) Save(vaultID string, meta *models.SyncMetadata) error {
	s.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"provider": meta.Provider,
		"etag":     meta.RemoteEtag,
	}).Debug("Saving sync metadata to SQLite")

	_, err := s.db.Exec(`
        INSERT INTO sync_metadata (vault_id, provider, remote_id, remote_etag,
            last_synced_checksum, last_sync_time, last_error, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(vault_id) DO UPDATE SET
            provider = excluded.provider,
            remote_id = excluded.remote_id,
            remote_etag = excluded.remote_etag,
            last_synced_checksum = excluded.last_synced_checksum,
            last_sync_time = excluded.last_sync_time,
            last_error = excluded.last_error,
            updated_at = CURRENT_TIMESTAMP
    `, vaultID, meta.Provider, meta.RemoteID, meta.RemoteEtag,
		meta.LastSyncedChecksum, meta.LastSyncTime, meta.LastError)

	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

// Delete removes metadata for a vault.
func (s *SQLiteStore) Delete(vaultID string) error {
	s.logger.WithField("vault_id", vaultID).Info("Deleting sync metadata from SQLite")

	if _, err := s.db.Exec("DELETE FROM sync_metadata WHERE vault_id = ?", vaultID); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// List returns all vault IDs.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT vault_id FROM sync_metadata ORDER BY vault_id")
	if err != nil {
		return nil, fmt.Errorf("query vaults: %w", err)
	}
	defer rows.Close()

	var vaultIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vault ID: %w", err)
		}
		vaultIDs = append(vaultIDs, id)
	}

	return vaultIDs, rows.Err()
}

// Migrate transfers all metadata to another store.
func (s *SQLiteStore) Migrate(target Store) error {
	vaultIDs, err := s.List()
	if err != nil {
		return fmt.Errorf("list vaults: %w", err)
	}

	for _, vaultID := range vaultIDs {
		meta, err := s.Load(vaultID)
		if err != nil {
			s.logger.WithError(err).WithField("vault_id", vaultID).Error("Failed to load metadata")
			continue
		}
		if err := target.Save(vaultID, meta); err != nil {
			return fmt.Errorf("save vault %s: %w", vaultID, err)
		}
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
