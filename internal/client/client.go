// Package client wires the engine together and exposes the operations
// embedding applications call. Only typed errors from internal/models
// cross this boundary.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/credstore"
	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/importer"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/providers"
	"github.com/keyfold/keyfold/internal/services/totp"
	"github.com/keyfold/keyfold/internal/session"
	"github.com/keyfold/keyfold/internal/state"
	syncengine "github.com/keyfold/keyfold/internal/sync"
	"github.com/keyfold/keyfold/internal/transport"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// ErrEntryNotFound indicates no entry with the requested id in the
// unlocked vault.
var ErrEntryNotFound = errors.New("entry not found")

// Client is the high-level engine facade.
type Client struct {
	Vaults  *vaultfile.Manager
	Session *session.Manager
	Sync    *syncengine.Engine
	Creds   *credstore.Store
	State   state.Store
	TOTP    *totp.Service

	cfg      *config.Config
	logger   *events.Logger
	importer *importer.Importer
}

// New builds a client from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	registry, err := vaultfile.OpenRegistry(cfg.Storage.RegistryFile, logger)
	if err != nil {
		return nil, err
	}
	vaults, err := vaultfile.NewManager(cfg.Storage.DataDir, registry, logger)
	if err != nil {
		return nil, err
	}

	stateStore, err := openStateStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	credsKey, err := loadOrCreateKey(credsKeyPath(cfg))
	if err != nil {
		stateStore.Close()
		return nil, err
	}
	creds, err := credstore.Open(cfg.Storage.CredsFile, credsKey, logger)
	crypto.Zero(credsKey)
	if err != nil {
		stateStore.Close()
		return nil, err
	}

	sess := session.NewManager(cfg.Session.TTL, logger,
		session.WithPlatformKeyMaxAge(cfg.Session.PlatformKeyMaxAge))

	httpClient := transport.New(transport.Options{
		Timeout:    cfg.Sync.Timeout,
		MaxRetries: cfg.Sync.RetryAttempts,
		RetryDelay: cfg.Sync.RetryDelay,
	}, logger)

	localdir, err := providers.NewLocalDirProvider(cfg.Providers.LocalDirRoot, logger)
	if err != nil {
		creds.Close()
		stateStore.Close()
		return nil, err
	}
	registryProviders := providers.Registry{
		"localdir": localdir,
		"webdav":   providers.NewWebDAVProvider(httpClient, logger),
		"s3":       providers.NewS3Provider(logger),
		"gdrive":   providers.NewDriveProvider(logger),
	}

	engine := syncengine.NewEngine(
		registryProviders,
		accountSource{creds},
		vaults,
		sess,
		stateStore,
		syncengine.Config{
			RetryAttempts: cfg.Sync.RetryAttempts,
			RetryDelay:    cfg.Sync.RetryDelay,
		},
		logger,
	)

	return &Client{
		Vaults:   vaults,
		Session:  sess,
		Sync:     engine,
		Creds:    creds,
		State:    stateStore,
		TOTP:     totp.NewService(),
		cfg:      cfg,
		logger:   logger.WithField("component", "client"),
		importer: importer.New(logger),
	}, nil
}

func openStateStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.Sync.StateBackend {
	case "sqlite":
		return state.NewSQLiteStore(filepath.Join(cfg.Storage.StateDir, "sync.db"), logger)
	default:
		return state.NewJSONStore(cfg.Storage.StateDir, logger)
	}
}

func credsKeyPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.CredsFile), "creds.key")
}

// loadOrCreateKey reads the credential store wrapping key, generating
// one on first run. The key file never leaves the local config dir.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != crypto.KeySize {
			return nil, fmt.Errorf("%w: key file %s", models.ErrCorruptVault, path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// accountSource feeds stored credentials to the sync engine. Providers
// without a stored account get an empty one; backends that need real
// credentials reject it during Authenticate.
type accountSource struct {
	creds *credstore.Store
}

func (a accountSource) Account(provider string) (*models.ProviderAccount, error) {
	account, err := a.creds.Account(provider)
	if errors.Is(err, credstore.ErrAccountNotFound) {
		return &models.ProviderAccount{Provider: provider}, nil
	}
	return account, err
}

// CreateVault creates a vault and returns its id. The vault is left
// locked.
func (c *Client) CreateVault(name, password string) (string, error) {
	vaultID, _, err := c.Vaults.CreateVault(name, password)
	return vaultID, err
}

// Unlock opens a vault with its master password and starts a session.
func (c *Client) Unlock(vaultID, password string) (*models.VaultPayload, error) {
	payload, key, err := c.Vaults.OpenVault(vaultID, password)
	if err != nil {
		return nil, err
	}
	if err := c.Session.Unlock(vaultID, key); err != nil {
		crypto.Zero(key)
		return nil, err
	}
	crypto.Zero(key)
	return payload, nil
}

// Lock ends the session and erases the cached key.
func (c *Client) Lock() {
	c.Session.Lock()
}

// ChangePassword rewraps a vault's keyset under a new master password.
func (c *Client) ChangePassword(vaultID, oldPassword, newPassword string) error {
	return c.Vaults.ChangePassword(vaultID, oldPassword, newPassword)
}

// RotateKeyset rotates the unlocked vault's data keyset.
func (c *Client) RotateKeyset() error {
	vaultID, err := c.sessionVault()
	if err != nil {
		return err
	}
	key, err := c.Session.GetKey()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	return c.Vaults.RotateKeyset(vaultID, key)
}

// ListVaults lists known vaults, including missing externals.
func (c *Client) ListVaults() ([]vaultfile.VaultListing, error) {
	return c.Vaults.ListVaults()
}

// DeleteVault removes a vault file, its registry entry, and any sync
// metadata. The session is locked first if it holds this vault.
func (c *Client) DeleteVault(vaultID string) error {
	if info, ok := c.Session.Info(); ok && info.VaultID == vaultID {
		c.Session.Lock()
	}
	if err := c.Vaults.DeleteVault(vaultID); err != nil {
		return err
	}
	if err := c.State.Delete(vaultID); err != nil && !errors.Is(err, state.ErrStateNotFound) {
		c.logger.WithError(err).Warn("Failed to remove sync metadata")
	}
	return nil
}

// ImportLegacy converts a legacy vault file into a new vault protected
// by newPassword. keyFileHash is the optional key file digest from the
// legacy composite key.
func (c *Client) ImportLegacy(path, legacyPassword string, keyFileHash []byte, newPassword string) (string, error) {
	result, err := c.importer.ImportFile(path, legacyPassword, keyFileHash)
	if err != nil {
		return "", err
	}

	vaultID, _, err := c.Vaults.CreateVault(result.Name, newPassword)
	if err != nil {
		return "", err
	}

	_, key, err := c.Vaults.OpenVault(vaultID, newPassword)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(key)

	if err := c.Vaults.SaveVault(vaultID, result.Payload, key); err != nil {
		return "", err
	}

	c.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"entries":  len(result.Payload.Entries),
	}).Info("Imported legacy vault")
	return vaultID, nil
}

// SyncVault runs one sync pass against a provider.
func (c *Client) SyncVault(ctx context.Context, vaultID, provider string) (*syncengine.Result, error) {
	return c.Sync.Sync(ctx, vaultID, provider)
}

// ResolveConflict applies an explicit decision to a reported conflict.
func (c *Client) ResolveConflict(ctx context.Context, vaultID, provider string, resolution syncengine.Resolution) (*syncengine.Result, error) {
	return c.Sync.Resolve(ctx, vaultID, provider, resolution)
}

// SetProviderAccount stores provider credentials in the encrypted
// store.
func (c *Client) SetProviderAccount(account *models.ProviderAccount) error {
	return c.Creds.Put(account)
}

// RemoveProviderAccount deletes stored credentials for a provider.
func (c *Client) RemoveProviderAccount(provider string) error {
	return c.Creds.Delete(provider)
}

// ListProviderAccounts lists provider tags with stored credentials.
func (c *Client) ListProviderAccounts() ([]string, error) {
	return c.Creds.List()
}

// sessionVault returns the unlocked vault id.
func (c *Client) sessionVault() (string, error) {
	info, ok := c.Session.Info()
	if !ok {
		return "", models.ErrSessionLocked
	}
	return info.VaultID, nil
}

// openSession loads the unlocked vault's payload. The returned key must
// be zeroed by the caller.
func (c *Client) openSession() (string, *models.VaultPayload, []byte, error) {
	vaultID, err := c.sessionVault()
	if err != nil {
		return "", nil, nil, err
	}
	key, err := c.Session.GetKey()
	if err != nil {
		return "", nil, nil, err
	}
	payload, err := c.Vaults.OpenWithKey(vaultID, key)
	if err != nil {
		crypto.Zero(key)
		return "", nil, nil, err
	}
	return vaultID, payload, key, nil
}

// ListEntries returns the unlocked vault's entries.
func (c *Client) ListEntries() ([]models.Entry, error) {
	_, payload, key, err := c.openSession()
	if err != nil {
		return nil, err
	}
	crypto.Zero(key)
	return payload.Entries, nil
}

// GetEntry returns an entry by id, recording the access.
func (c *Client) GetEntry(entryID string) (*models.Entry, error) {
	vaultID, payload, key, err := c.openSession()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	entry, ok := payload.FindEntry(entryID)
	if !ok {
		return nil, ErrEntryNotFound
	}
	found := *entry

	if payload.TouchEntry(entryID, time.Now().UTC()) {
		if err := c.Vaults.SaveVault(vaultID, payload, key); err != nil {
			c.logger.WithError(err).Warn("Failed to record entry access")
		}
	}
	return &found, nil
}

// AddEntry adds an entry to the unlocked vault and returns its id.
func (c *Client) AddEntry(entry models.Entry) (string, error) {
	vaultID, payload, key, err := c.openSession()
	if err != nil {
		return "", err
	}
	defer crypto.Zero(key)

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ModifiedAt = now

	payload.Entries = append(payload.Entries, entry)
	if err := c.Vaults.SaveVault(vaultID, payload, key); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// RemoveEntry deletes an entry from the unlocked vault.
func (c *Client) RemoveEntry(entryID string) error {
	vaultID, payload, key, err := c.openSession()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	for i := range payload.Entries {
		if payload.Entries[i].ID == entryID {
			payload.Entries = append(payload.Entries[:i], payload.Entries[i+1:]...)
			return c.Vaults.SaveVault(vaultID, payload, key)
		}
	}
	return ErrEntryNotFound
}

// EntryCode generates the current one-time code for an entry.
func (c *Client) EntryCode(entryID string) (*totp.Code, error) {
	_, payload, key, err := c.openSession()
	if err != nil {
		return nil, err
	}
	crypto.Zero(key)

	entry, ok := payload.FindEntry(entryID)
	if !ok {
		return nil, ErrEntryNotFound
	}
	return c.TOTP.GenerateForEntry(entry)
}

// Close releases the credential store and sync state backends. The
// session is locked.
func (c *Client) Close() error {
	c.Session.Lock()
	var errs []error
	if err := c.Creds.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.State.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
