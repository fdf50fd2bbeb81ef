package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// JSONStore implements file-based metadata storage, one file per vault.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
	}, nil
}

// Load reads metadata from its JSON file.
func (s *JSONStore) Load(vaultID string) (*models.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(vaultID)

	s.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"path":     path,
	}).Debug("Loading sync metadata")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		if meta, berr := s.loadBackup(vaultID); berr == nil {
			s.logger.Warn("Loaded sync metadata from backup due to corruption")
			return meta, nil
		}
		return nil, ErrStateCorrupt
	}

	if rec.Checksum != "" {
		verification := record{
			SyncMetadata:  rec.SyncMetadata,
			SchemaVersion: rec.SchemaVersion,
			SavedAt:       rec.SavedAt,
		}
		verifyData, _ := json.Marshal(verification)
		hash := sha256.Sum256(verifyData)
		if hex.EncodeToString(hash[:]) != rec.Checksum {
			s.logger.WithField("vault_id", vaultID).Error("Sync metadata checksum mismatch")
			if meta, berr := s.loadBackup(vaultID); berr == nil {
				return meta, nil
			}
			return nil, ErrStateCorrupt
		}
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", rec.SchemaVersion).Warn("Sync metadata schema version mismatch")
	}

	return rec.SyncMetadata, nil
}

// Save writes metadata to its JSON file atomically.
func (s *JSONStore) Save(vaultID string, meta *models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.statePath(vaultID)

	s.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"provider": meta.Provider,
		"etag":     meta.RemoteEtag,
	}).Debug("Saving sync metadata")

	rec := record{
		SyncMetadata:  meta,
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now(),
	}

	checksumData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal metadata for checksum: %w", err)
	}
	hash := sha256.Sum256(checksumData)
	rec.Checksum = hex.EncodeToString(hash[:])

	jsonData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Best-effort backup of the prior file
	if _, err := os.Stat(path); err == nil {
		if err := s.copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Delete removes metadata for a vault.
func (s *JSONStore) Delete(vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("vault_id", vaultID).Info("Deleting sync metadata")

	path := s.statePath(vaultID)
	_ = os.Remove(path)
	_ = os.Remove(path + ".backup")
	return nil
}

// List returns all vault IDs with stored metadata.
func (s *JSONStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var vaultIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".json" && !strings.HasSuffix(name, ".backup") {
			vaultIDs = append(vaultIDs, strings.TrimSuffix(name, ".json"))
		}
	}

	return vaultIDs, nil
}

// Migrate transfers all metadata to another store.
func (s *JSONStore) Migrate(target Store) error {
	vaultIDs, err := s.List()
	if err != nil {
		return fmt.Errorf("list vaults: %w", err)
	}

	s.logger.WithField("count", len(vaultIDs)).Info("Migrating sync metadata")

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

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) statePath(vaultID string) string {
	return filepath.Join(s.baseDir, vaultID+".json")
}

func (s *JSONStore) loadBackup(vaultID string) (*models.SyncMetadata, error) {
	data, err := os.ReadFile(s.statePath(vaultID) + ".backup")
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.SyncMetadata, nil
}

func (s *JSONStore) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
