package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// LocalDirProvider syncs against a directory on the same machine, such
// as a mounted network share or a folder watched by a desktop sync
// agent. Etags are SHA-256 digests of the object bytes.
type LocalDirProvider struct {
	baseDir string
	logger  *events.Logger
}

const localDirName = "localdir"

// NewLocalDirProvider creates a provider rooted at baseDir.
func NewLocalDirProvider(baseDir string, logger *events.Logger) (*LocalDirProvider, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalDirProvider{
		baseDir: absPath,
		logger:  logger.WithField("component", "localdir_provider"),
	}, nil
}

func (p *LocalDirProvider) Name() string { return localDirName }

// Authenticate checks the directory is still reachable and writable.
func (p *LocalDirProvider) Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error) {
	info, err := os.Stat(p.baseDir)
	if err != nil || !info.IsDir() {
		return nil, models.NewProviderError(localDirName, models.KindNotFound,
			fmt.Errorf("base directory unavailable: %w", err))
	}
	if account == nil {
		account = &models.ProviderAccount{Provider: localDirName}
	}
	return account, nil
}

func (p *LocalDirProvider) ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		return nil, p.classify(err)
	}

	var vaults []RemoteVault
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != vaultfile.FileExt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(p.baseDir, entry.Name()))
		if err != nil {
			p.logger.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable file")
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		vaults = append(vaults, RemoteVault{
			RemoteID:   entry.Name(),
			Name:       strings.TrimSuffix(entry.Name(), vaultfile.FileExt),
			Etag:       contentEtag(data),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return vaults, nil
}

func (p *LocalDirProvider) Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error) {
	path, err := p.objectPath(remoteID)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", p.classify(err)
	}
	return data, contentEtag(data), nil
}

// Upload writes atomically. The If-Match check and the rename are not a
// single filesystem transaction, but the window is as narrow as a local
// rename allows.
func (p *LocalDirProvider) Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error) {
	path, err := p.objectPath(remoteID)
	if err != nil {
		return nil, err
	}

	if ifMatchEtag != "" {
		current, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, models.NewProviderError(localDirName, models.KindConflict,
				fmt.Errorf("object %s gone since last sync", remoteID))
		}
		if err != nil {
			return nil, p.classify(err)
		}
		if contentEtag(current) != ifMatchEtag {
			return nil, models.NewProviderError(localDirName, models.KindConflict,
				fmt.Errorf("object %s changed since last sync", remoteID))
		}
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return nil, p.classify(err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return nil, p.classify(err)
	}

	p.logger.WithFields(map[string]interface{}{
		"remote_id": remoteID,
		"size":      len(data),
	}).Debug("Uploaded object")

	return &UploadResult{
		Etag:       contentEtag(data),
		ModifiedAt: time.Now().UTC(),
	}, nil
}

func (p *LocalDirProvider) Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error {
	path, err := p.objectPath(remoteID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return p.classify(err)
	}
	return nil
}

// ListChanges is not supported; directories have no delta log.
func (p *LocalDirProvider) ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error) {
	return nil, models.ErrNotSupported
}

// objectPath confines remoteID to the base directory.
func (p *LocalDirProvider) objectPath(remoteID string) (string, error) {
	cleaned := filepath.Clean(remoteID)
	if cleaned == "." || strings.Contains(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", models.NewProviderError(localDirName, models.KindGeneric,
			fmt.Errorf("invalid remote id %q", remoteID))
	}
	return filepath.Join(p.baseDir, cleaned), nil
}

func (p *LocalDirProvider) classify(err error) error {
	if os.IsNotExist(err) {
		return models.NewProviderError(localDirName, models.KindNotFound, err)
	}
	if os.IsPermission(err) {
		return models.NewProviderError(localDirName, models.KindPermissionDenied, err)
	}
	return models.NewProviderError(localDirName, models.KindGeneric, err)
}

func contentEtag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
