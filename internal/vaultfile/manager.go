package vaultfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// Manager owns vault container persistence: creation, open/save under a
// derived key, password changes, and the vault registry.
type Manager struct {
	dataDir  string
	registry *Registry
	logger   *events.Logger
}

// VaultListing describes a known vault, present or missing.
type VaultListing struct {
	ID         string
	Name       string
	Path       string
	IsExternal bool
	IsMissing  bool
}

// NewManager creates a vault file manager rooted at dataDir.
func NewManager(dataDir string, registry *Registry, logger *events.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return &Manager{
		dataDir:  dataDir,
		registry: registry,
		logger:   logger.WithField("component", "vaultfile"),
	}, nil
}

// CreateVault builds a fresh vault: new keyset, random salt, empty
// payload, one atomic write. Returns the vault id and file path.
func (m *Manager) CreateVault(name, password string) (string, string, error) {
	vaultID := uuid.NewString()
	path := filepath.Join(m.dataDir, vaultID+FileExt)

	params, err := crypto.DefaultKDFParams()
	if err != nil {
		return "", "", err
	}

	key, err := crypto.DeriveKey([]byte(password), params)
	if err != nil {
		return "", "", err
	}
	defer crypto.Zero(key)

	engine, err := crypto.NewEngine()
	if err != nil {
		return "", "", err
	}
	defer engine.Close()

	container, err := m.buildContainer(vaultID, name, params, engine, key, models.NewVaultPayload(), time.Now().UTC())
	if err != nil {
		return "", "", err
	}

	data, err := container.Marshal()
	if err != nil {
		return "", "", err
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return "", "", fmt.Errorf("write vault: %w", err)
	}

	if err := m.registry.Put(vaultID, RegistryEntry{Path: path, Name: name}); err != nil {
		return "", "", err
	}

	m.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"path":     path,
	}).Info("Created vault")

	return vaultID, path, nil
}

// OpenVault decrypts a vault with the master password. The returned key
// is the derived wrapping key; callers hand it to the session manager and
// own its erasure. Integrity failure during unwrap or decrypt reports
// wrong password, nothing more specific.
func (m *Manager) OpenVault(vaultID, password string) (*models.VaultPayload, []byte, error) {
	container, _, err := m.loadContainer(vaultID)
	if err != nil {
		return nil, nil, err
	}

	key, err := crypto.DeriveKey([]byte(password), container.Header.KDF)
	if err != nil {
		return nil, nil, err
	}

	payload, err := m.decryptPayload(container, key)
	if err != nil {
		crypto.Zero(key)
		return nil, nil, err
	}

	return payload, key, nil
}

// OpenWithKey decrypts a vault with an already-derived key (session
// renewal, biometric unlock path).
func (m *Manager) OpenWithKey(vaultID string, key []byte) (*models.VaultPayload, error) {
	container, _, err := m.loadContainer(vaultID)
	if err != nil {
		return nil, err
	}
	return m.decryptPayload(container, key)
}

// SaveVault re-encrypts the full payload and atomically replaces the
// container file. The previous file is copied to a .bak sibling first;
// backup failure logs and continues.
func (m *Manager) SaveVault(vaultID string, payload *models.VaultPayload, key []byte) error {
	container, path, err := m.loadContainer(vaultID)
	if err != nil {
		return err
	}

	engine, err := crypto.ImportKeyset(container.Keyset, key)
	if err != nil {
		if errors.Is(err, models.ErrIntegrity) {
			return models.ErrWrongPassword
		}
		return err
	}
	defer engine.Close()

	updated, err := m.buildContainer(vaultID, container.Header.Name, container.Header.KDF, engine, key, payload, container.Header.CreatedAt)
	if err != nil {
		return err
	}
	updated.Header.KeyFileHash = container.Header.KeyFileHash
	updated.Header.PlatformUnlockBlob = container.Header.PlatformUnlockBlob
	updated.Header.FormatVersion = container.Header.FormatVersion

	data, err := updated.Marshal()
	if err != nil {
		return err
	}

	if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).WithField("vault_id", vaultID).Warn("Backup before save failed")
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}

	m.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"entries":  len(payload.Entries),
	}).Debug("Saved vault")

	return nil
}

// ChangePassword re-wraps the vault under a brand new keyset and salt.
// Everything happens in memory first; the on-disk file is replaced only
// after encryption under the new password succeeded.
func (m *Manager) ChangePassword(vaultID, oldPassword, newPassword string) error {
	container, path, err := m.loadContainer(vaultID)
	if err != nil {
		return err
	}

	oldKey, err := crypto.DeriveKey([]byte(oldPassword), container.Header.KDF)
	if err != nil {
		return err
	}
	defer crypto.Zero(oldKey)

	payload, err := m.decryptPayload(container, oldKey)
	if err != nil {
		return err
	}

	newParams, err := crypto.DefaultKDFParams()
	if err != nil {
		return err
	}
	newKey, err := crypto.DeriveKey([]byte(newPassword), newParams)
	if err != nil {
		return err
	}
	defer crypto.Zero(newKey)

	newEngine, err := crypto.NewEngine()
	if err != nil {
		return err
	}
	defer newEngine.Close()

	updated, err := m.buildContainer(vaultID, container.Header.Name, newParams, newEngine, newKey, payload, container.Header.CreatedAt)
	if err != nil {
		return err
	}

	data, err := updated.Marshal()
	if err != nil {
		return err
	}

	if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).Warn("Backup before password change failed")
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}

	m.logger.WithField("vault_id", vaultID).Info("Changed vault password")
	return nil
}

// RotateKeyset appends a fresh primary key to the vault keyset and
// re-encrypts the payload under it.
func (m *Manager) RotateKeyset(vaultID string, key []byte) error {
	container, path, err := m.loadContainer(vaultID)
	if err != nil {
		return err
	}

	engine, err := crypto.ImportKeyset(container.Keyset, key)
	if err != nil {
		if errors.Is(err, models.ErrIntegrity) {
			return models.ErrWrongPassword
		}
		return err
	}
	defer engine.Close()

	raw, err := engine.Decrypt(container.Payload, payloadAD(vaultID))
	if err != nil {
		return models.ErrWrongPassword
	}

	var payload models.VaultPayload
	if jsonErr := json.Unmarshal(raw, &payload); jsonErr != nil {
		crypto.Zero(raw)
		return fmt.Errorf("%w: %v", models.ErrCorruptVault, jsonErr)
	}
	crypto.Zero(raw)

	if _, err := engine.Rotate(); err != nil {
		return err
	}

	updated, err := m.buildContainer(vaultID, container.Header.Name, container.Header.KDF, engine, key, &payload, container.Header.CreatedAt)
	if err != nil {
		return err
	}
	updated.Header.KeyFileHash = container.Header.KeyFileHash
	updated.Header.PlatformUnlockBlob = container.Header.PlatformUnlockBlob

	data, err := updated.Marshal()
	if err != nil {
		return err
	}

	if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).Warn("Backup before rotation failed")
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}

	m.logger.WithField("vault_id", vaultID).Info("Rotated vault keyset")
	return nil
}

// ExportRaw returns the container file bytes and the payload content
// checksum recorded in its header. Sync moves these bytes as-is; it
// never needs the plaintext.
func (m *Manager) ExportRaw(vaultID string) ([]byte, string, error) {
	container, path, err := m.loadContainer(vaultID)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read vault: %w", err)
	}
	return data, container.Header.ContentChecksum, nil
}

// ReplaceRaw atomically replaces the local container file with bytes
// downloaded from a remote. The bytes must parse as a container for the
// same vault; the previous file is kept as a .bak sibling.
func (m *Manager) ReplaceRaw(vaultID string, data []byte) error {
	container, err := ParseContainer(data)
	if err != nil {
		return err
	}
	if container.Header.VaultID != vaultID {
		return fmt.Errorf("%w: remote file holds vault %s", models.ErrCorruptVault, container.Header.VaultID)
	}

	path := filepath.Join(m.dataDir, vaultID+FileExt)
	if entry, ok := m.registry.Get(vaultID); ok {
		path = entry.Path
	}

	if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).WithField("vault_id", vaultID).Warn("Backup before replace failed")
	}

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}

	if _, ok := m.registry.Get(vaultID); !ok {
		if err := m.registry.Put(vaultID, RegistryEntry{Path: path, Name: container.Header.Name}); err != nil {
			return err
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"size":     len(data),
	}).Info("Replaced vault from remote")
	return nil
}

// DeleteVault removes the container file and registry entry.
func (m *Manager) DeleteVault(vaultID string) error {
	entry, ok := m.registry.Get(vaultID)
	if !ok {
		return models.ErrVaultNotFound
	}

	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove vault file: %w", err)
	}
	_ = os.Remove(entry.Path + ".bak")

	return m.registry.Remove(vaultID)
}

// RegisterExternal adds a vault file living outside the default storage
// directory to the registry.
func (m *Manager) RegisterExternal(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		return "", models.ErrVaultNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read vault: %w", err)
	}

	container, err := ParseContainer(data)
	if err != nil {
		return "", err
	}

	id := container.Header.VaultID
	if err := m.registry.Put(id, RegistryEntry{
		Path:       absPath,
		Name:       container.Header.Name,
		IsExternal: true,
	}); err != nil {
		return "", err
	}

	m.logger.WithFields(map[string]interface{}{
		"vault_id": id,
		"path":     absPath,
	}).Info("Registered external vault")

	return id, nil
}

// ListVaults merges the registry with a scan of the default directory.
// Unregistered files found by the scan are auto-registered. Registry
// entries whose backing file is gone are listed with IsMissing set so
// the user can see and resolve the discrepancy.
func (m *Manager) ListVaults() ([]VaultListing, error) {
	if err := m.scanUnregistered(); err != nil {
		m.logger.WithError(err).Warn("Vault directory scan failed")
	}

	var listings []VaultListing
	for id, entry := range m.registry.All() {
		listing := VaultListing{
			ID:         id,
			Name:       entry.Name,
			Path:       entry.Path,
			IsExternal: entry.IsExternal,
		}
		if _, err := os.Stat(entry.Path); os.IsNotExist(err) {
			listing.IsMissing = true
		}
		listings = append(listings, listing)
	}

	return listings, nil
}

// scanUnregistered auto-registers vault files found in the default
// directory that the registry does not know yet.
func (m *Manager) scanUnregistered() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, e := range m.registry.All() {
		known[e.Path] = true
	}

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), FileExt) {
			continue
		}
		path := filepath.Join(m.dataDir, de.Name())
		if known[path] {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		container, err := ParseContainer(data)
		if err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable vault file")
			continue
		}

		if _, ok := m.registry.Get(container.Header.VaultID); ok {
			continue
		}

		if err := m.registry.Put(container.Header.VaultID, RegistryEntry{
			Path: path,
			Name: container.Header.Name,
		}); err != nil {
			return err
		}
		m.logger.WithField("vault_id", container.Header.VaultID).Info("Auto-registered vault")
	}

	return nil
}

// loadContainer resolves a vault id to its parsed container and path.
func (m *Manager) loadContainer(vaultID string) (*Container, string, error) {
	path := filepath.Join(m.dataDir, vaultID+FileExt)
	if entry, ok := m.registry.Get(vaultID); ok {
		path = entry.Path
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, "", models.ErrVaultNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read vault: %w", err)
	}

	container, err := ParseContainer(data)
	if err != nil {
		return nil, "", err
	}
	if container.Header.VaultID != vaultID {
		return nil, "", fmt.Errorf("%w: file holds vault %s", models.ErrCorruptVault, container.Header.VaultID)
	}

	return container, path, nil
}

// decryptPayload unwraps the keyset and opens the payload. Any AEAD
// failure is reported as wrong password; no oracle distinguishes
// tampering from a bad key.
func (m *Manager) decryptPayload(container *Container, key []byte) (*models.VaultPayload, error) {
	engine, err := crypto.ImportKeyset(container.Keyset, key)
	if err != nil {
		if errors.Is(err, models.ErrIntegrity) {
			return nil, models.ErrWrongPassword
		}
		return nil, err
	}
	defer engine.Close()

	raw, err := engine.Decrypt(container.Payload, payloadAD(container.Header.VaultID))
	if err != nil {
		if errors.Is(err, models.ErrIntegrity) {
			return nil, models.ErrWrongPassword
		}
		return nil, err
	}
	defer crypto.Zero(raw)

	var payload models.VaultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptVault, err)
	}

	if container.Header.ContentChecksum != "" {
		sum, err := payload.Checksum()
		if err != nil {
			return nil, err
		}
		if sum != container.Header.ContentChecksum {
			return nil, fmt.Errorf("%w: content checksum mismatch", models.ErrCorruptVault)
		}
	}

	return &payload, nil
}

// buildContainer encrypts a payload and assembles a complete container.
func (m *Manager) buildContainer(
	vaultID, name string,
	params crypto.KDFParams,
	engine *crypto.Engine,
	key []byte,
	payload *models.VaultPayload,
	createdAt time.Time,
) (*Container, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	defer crypto.Zero(raw)

	ct, err := engine.Encrypt(raw, payloadAD(vaultID))
	if err != nil {
		return nil, err
	}

	keysetBlob, err := engine.ExportKeyset(key)
	if err != nil {
		return nil, err
	}

	sum, err := payload.Checksum()
	if err != nil {
		return nil, err
	}

	return &Container{
		Header: Header{
			Magic:           Magic,
			FormatVersion:   FormatVersion,
			VaultID:         vaultID,
			Name:            name,
			CreatedAt:       createdAt,
			ModifiedAt:      time.Now().UTC(),
			ContentChecksum: sum,
			KDF:             params,
		},
		Keyset:  keysetBlob,
		Payload: ct,
	}, nil
}
