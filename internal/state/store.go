// Package state persists per-vault sync metadata: the remote object id,
// the etag observed at the last successful sync, and the local payload
// checksum at that moment. The engine's conflict detection is built on
// these three values surviving restarts.
package state

import (
	"errors"
	"time"

	"github.com/keyfold/keyfold/internal/models"
)

// Store manages sync metadata persistence.
type Store interface {
	// Load retrieves the sync metadata for a vault.
	Load(vaultID string) (*models.SyncMetadata, error)

	// Save persists the sync metadata for a vault.
	Save(vaultID string, meta *models.SyncMetadata) error

	// Delete removes all metadata for a vault.
	Delete(vaultID string) error

	// List returns all known vault IDs.
	List() ([]string, error)

	// Migrate transfers metadata to another store.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateCorrupt  = errors.New("state file is corrupt")
)

// record wraps metadata with store bookkeeping for the JSON backend.
type record struct {
	*models.SyncMetadata

	SchemaVersion int       `json:"schema_version"`
	SavedAt       time.Time `json:"saved_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
