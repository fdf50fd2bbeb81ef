// Package sync drives vault container replication between the local
// store and a remote provider. Conflict detection is etag-based: the
// engine records the remote etag and local checksum observed at each
// successful sync, and a true conflict (both sides moved) is always
// surfaced, never auto-resolved.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/providers"
	"github.com/keyfold/keyfold/internal/session"
	"github.com/keyfold/keyfold/internal/state"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// AccountSource supplies provider credentials to the engine.
type AccountSource interface {
	Account(provider string) (*models.ProviderAccount, error)
}

// Config tunes the engine's retry behavior.
type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns the standard retry settings.
func DefaultConfig() Config {
	return Config{RetryAttempts: 3, RetryDelay: time.Second}
}

// Outcome reports what one sync pass did.
type Outcome string

const (
	OutcomeUpToDate   Outcome = "up_to_date"
	OutcomeUploaded   Outcome = "uploaded"
	OutcomeDownloaded Outcome = "downloaded"
)

// Result describes a completed sync pass.
type Result struct {
	VaultID    string
	Provider   string
	Outcome    Outcome
	RemoteEtag string
}

// Resolution is an explicit conflict decision.
type Resolution string

const (
	KeepLocal  Resolution = "keep-local"
	KeepRemote Resolution = "keep-remote"
	KeepBoth   Resolution = "keep-both"
)

// Engine replicates vault containers. Providers are passed at
// construction; there is no global registry.
type Engine struct {
	registry providers.Registry
	accounts AccountSource
	vaults   *vaultfile.Manager
	session  *session.Manager
	store    state.Store
	cfg      Config
	logger   *events.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewEngine creates a sync engine.
func NewEngine(
	registry providers.Registry,
	accounts AccountSource,
	vaults *vaultfile.Manager,
	sess *session.Manager,
	store state.Store,
	cfg Config,
	logger *events.Logger,
) *Engine {
	return &Engine{
		registry: registry,
		accounts: accounts,
		vaults:   vaults,
		session:  sess,
		store:    store,
		cfg:      cfg,
		logger:   logger.WithField("component", "sync_engine"),
		inFlight: make(map[string]bool),
	}
}

// Sync runs one replication pass for a vault. It refuses to run without
// an obtainable session key, refuses concurrent passes for the same
// vault, and reports a *models.ConflictError when both sides moved.
func (e *Engine) Sync(ctx context.Context, vaultID, providerName string) (*Result, error) {
	if err := e.acquire(vaultID); err != nil {
		return nil, err
	}
	defer e.release(vaultID)

	// The engine only moves encrypted bytes, but refusing to sync a
	// vault the user cannot unlock keeps a stolen device from pushing
	// or pulling anything.
	key, err := e.session.GetKey()
	if err != nil {
		return nil, err
	}
	crypto.Zero(key)

	provider, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	account, err := e.accounts.Account(providerName)
	if err != nil {
		return nil, err
	}
	account, err = provider.Authenticate(ctx, account)
	if err != nil {
		return nil, err
	}

	meta, err := e.loadMeta(vaultID, providerName)
	if err != nil {
		return nil, err
	}

	localData, localSum, err := e.vaults.ExportRaw(vaultID)
	if err != nil {
		return nil, err
	}

	result, err := e.replicate(ctx, provider, account, meta, localData, localSum)
	if err != nil {
		meta.LastError = err.Error()
		if saveErr := e.store.Save(vaultID, meta); saveErr != nil {
			e.logger.WithError(saveErr).Warn("Failed to record sync error")
		}
		return nil, err
	}

	meta.LastError = ""
	meta.LastSyncTime = time.Now().UTC()
	if err := e.store.Save(vaultID, meta); err != nil {
		return nil, fmt.Errorf("save sync metadata: %w", err)
	}

	e.logger.WithFields(map[string]interface{}{
		"vault_id": vaultID,
		"provider": providerName,
		"outcome":  result.Outcome,
	}).Info("Sync pass complete")
	return result, nil
}

// replicate applies the conflict decision table. meta is updated in
// place on success.
func (e *Engine) replicate(
	ctx context.Context,
	provider providers.CloudProvider,
	account *models.ProviderAccount,
	meta *models.SyncMetadata,
	localData []byte,
	localSum string,
) (*Result, error) {
	remoteEtag, remoteExists, err := e.remoteEtag(ctx, provider, account, meta.RemoteID)
	if err != nil {
		return nil, err
	}

	remoteMoved := remoteExists && remoteEtag != meta.RemoteEtag
	localChanged := localSum != meta.LastSyncedChecksum

	switch {
	case !remoteExists:
		// first sync, or the remote object was removed: upload
		// unconditionally
		return e.upload(ctx, provider, account, meta, localData, localSum, "")

	case remoteMoved && localChanged:
		return nil, &models.ConflictError{
			VaultID:    meta.VaultID,
			Provider:   provider.Name(),
			RemoteID:   meta.RemoteID,
			LocalSum:   localSum,
			RemoteEtag: remoteEtag,
			BaseEtag:   meta.RemoteEtag,
		}

	case remoteMoved:
		return e.download(ctx, provider, account, meta)

	case localChanged:
		// conditional on the etag we just observed; if the remote
		// moves in between, the precondition fails as a conflict and
		// is not retried
		return e.upload(ctx, provider, account, meta, localData, localSum, remoteEtag)

	default:
		meta.LastSyncedChecksum = localSum
		meta.RemoteEtag = remoteEtag
		return &Result{
			VaultID:    meta.VaultID,
			Provider:   provider.Name(),
			Outcome:    OutcomeUpToDate,
			RemoteEtag: remoteEtag,
		}, nil
	}
}

func (e *Engine) upload(
	ctx context.Context,
	provider providers.CloudProvider,
	account *models.ProviderAccount,
	meta *models.SyncMetadata,
	data []byte,
	localSum, ifMatch string,
) (*Result, error) {
	var res *providers.UploadResult
	err := e.withRetry(ctx, func() error {
		var err error
		res, err = provider.Upload(ctx, account, meta.RemoteID, data, ifMatch)
		return err
	})
	if err != nil {
		if models.ProviderKind(err) == models.KindConflict {
			return nil, &models.ConflictError{
				VaultID:  meta.VaultID,
				Provider: provider.Name(),
				RemoteID: meta.RemoteID,
				LocalSum: localSum,
				BaseEtag: meta.RemoteEtag,
			}
		}
		return nil, err
	}

	meta.RemoteEtag = res.Etag
	meta.LastSyncedChecksum = localSum
	return &Result{
		VaultID:    meta.VaultID,
		Provider:   provider.Name(),
		Outcome:    OutcomeUploaded,
		RemoteEtag: res.Etag,
	}, nil
}

func (e *Engine) download(
	ctx context.Context,
	provider providers.CloudProvider,
	account *models.ProviderAccount,
	meta *models.SyncMetadata,
) (*Result, error) {
	var data []byte
	var etag string
	err := e.withRetry(ctx, func() error {
		var err error
		data, etag, err = provider.Download(ctx, account, meta.RemoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.vaults.ReplaceRaw(meta.VaultID, data); err != nil {
		return nil, err
	}

	_, sum, err := e.vaults.ExportRaw(meta.VaultID)
	if err != nil {
		return nil, err
	}

	meta.RemoteEtag = etag
	meta.LastSyncedChecksum = sum
	return &Result{
		VaultID:    meta.VaultID,
		Provider:   provider.Name(),
		Outcome:    OutcomeDownloaded,
		RemoteEtag: etag,
	}, nil
}

// Resolve applies an explicit decision to a reported conflict.
// keep-local force-uploads, keep-remote downloads and replaces local,
// keep-both re-uploads the local copy under a derived remote id so
// neither side is lost.
func (e *Engine) Resolve(ctx context.Context, vaultID, providerName string, resolution Resolution) (*Result, error) {
	if err := e.acquire(vaultID); err != nil {
		return nil, err
	}
	defer e.release(vaultID)

	key, err := e.session.GetKey()
	if err != nil {
		return nil, err
	}
	crypto.Zero(key)

	provider, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	account, err := e.accounts.Account(providerName)
	if err != nil {
		return nil, err
	}

	meta, err := e.loadMeta(vaultID, providerName)
	if err != nil {
		return nil, err
	}

	localData, localSum, err := e.vaults.ExportRaw(vaultID)
	if err != nil {
		return nil, err
	}

	var result *Result
	switch resolution {
	case KeepLocal:
		result, err = e.upload(ctx, provider, account, meta, localData, localSum, "")

	case KeepRemote:
		result, err = e.download(ctx, provider, account, meta)

	case KeepBoth:
		// park the local copy under a conflict id, then adopt the
		// remote copy
		conflictID := conflictRemoteID(meta.RemoteID)
		if _, err = provider.Upload(ctx, account, conflictID, localData, ""); err != nil {
			return nil, err
		}
		e.logger.WithFields(map[string]interface{}{
			"vault_id":  vaultID,
			"remote_id": conflictID,
		}).Info("Preserved local copy under conflict id")
		result, err = e.download(ctx, provider, account, meta)

	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return nil, err
	}

	meta.LastError = ""
	meta.LastSyncTime = time.Now().UTC()
	if err := e.store.Save(vaultID, meta); err != nil {
		return nil, fmt.Errorf("save sync metadata: %w", err)
	}
	return result, nil
}

// remoteEtag observes the current remote etag, preferring a delta
// listing when the provider supports one.
func (e *Engine) remoteEtag(
	ctx context.Context,
	provider providers.CloudProvider,
	account *models.ProviderAccount,
	remoteID string,
) (string, bool, error) {
	var vaults []providers.RemoteVault
	err := e.withRetry(ctx, func() error {
		var err error
		vaults, err = provider.ListRemoteVaults(ctx, account)
		return err
	})
	if err != nil {
		return "", false, err
	}

	for _, v := range vaults {
		if v.RemoteID == remoteID {
			return v.Etag, true, nil
		}
	}
	return "", false, nil
}

// withRetry retries transient and rate-limited failures, honoring a
// RetryAfter hint. Conflicts and everything else terminal surface
// immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := e.cfg.RetryDelay

	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			e.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying sync operation")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var pe *models.ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return err
		}
		if pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}
	}

	return fmt.Errorf("sync retries exhausted: %w", lastErr)
}

// loadMeta loads or initializes the sync metadata for a vault.
func (e *Engine) loadMeta(vaultID, providerName string) (*models.SyncMetadata, error) {
	meta, err := e.store.Load(vaultID)
	if errors.Is(err, state.ErrStateNotFound) {
		return &models.SyncMetadata{
			VaultID:  vaultID,
			Provider: providerName,
			RemoteID: vaultID + vaultfile.FileExt,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if meta.Provider != providerName {
		// switching providers starts from scratch
		return &models.SyncMetadata{
			VaultID:  vaultID,
			Provider: providerName,
			RemoteID: vaultID + vaultfile.FileExt,
		}, nil
	}
	if meta.RemoteID == "" {
		meta.RemoteID = vaultID + vaultfile.FileExt
	}
	return meta, nil
}

func (e *Engine) acquire(vaultID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[vaultID] {
		return models.ErrSyncInProgress
	}
	e.inFlight[vaultID] = true
	return nil
}

func (e *Engine) release(vaultID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, vaultID)
}

func conflictRemoteID(remoteID string) string {
	base := remoteID
	ext := ""
	if n := len(remoteID) - len(vaultfile.FileExt); n > 0 && remoteID[n:] == vaultfile.FileExt {
		base, ext = remoteID[:n], vaultfile.FileExt
	}
	return fmt.Sprintf("%s-conflict-%s%s", base, time.Now().UTC().Format("20060102T150405Z"), ext)
}
