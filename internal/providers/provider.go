// Package providers implements the remote backends vault containers sync
// to. Every backend satisfies CloudProvider and reports failures as
// classified *models.ProviderError values; the sync engine never sees a
// transport-specific status code.
package providers

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/models"
)

// CloudProvider is the contract a remote backend must satisfy.
type CloudProvider interface {
	// Name returns the provider tag ("localdir", "webdav", "s3", "drive").
	Name() string

	// Authenticate validates the account's credentials against the
	// backend and returns a possibly refreshed account.
	Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error)

	// ListRemoteVaults enumerates vault objects the account can see.
	ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error)

	// Download fetches a vault object and its current etag.
	Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error)

	// Upload writes a vault object. A non-empty ifMatchEtag makes the
	// write conditional: if the remote object no longer carries that
	// etag the provider fails with KindConflict and writes nothing.
	Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error)

	// Delete removes a vault object.
	Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error

	// ListChanges returns objects changed since the cursor, where the
	// backend supports delta listings. Providers without delta support
	// return models.ErrNotSupported; the engine falls back to etag
	// comparison.
	ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error)
}

// RemoteVault describes one vault object on a backend.
type RemoteVault struct {
	RemoteID   string
	Name       string
	Etag       string
	Size       int64
	ModifiedAt time.Time
}

// UploadResult reports a successful upload.
type UploadResult struct {
	Etag       string
	ModifiedAt time.Time
}

// ChangePage is one page of a delta listing.
type ChangePage struct {
	Cursor  string
	Updated []RemoteVault
	Deleted []string
}

// Registry maps provider tags to constructed providers. It is passed to
// the sync engine at construction; there is no global provider map.
type Registry map[string]CloudProvider

// Get returns the provider for a tag.
func (r Registry) Get(name string) (CloudProvider, error) {
	p, ok := r[name]
	if !ok {
		return nil, models.NewProviderError(name, models.KindGeneric, errUnknownProvider(name))
	}
	return p, nil
}

type errUnknownProvider string

func (e errUnknownProvider) Error() string { return "unknown provider: " + string(e) }
