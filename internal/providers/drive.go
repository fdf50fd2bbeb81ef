package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/transport"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// DriveProvider stores vault containers as files in a Google Drive
// folder. The bearer token comes from the account; acquiring it is the
// caller's concern. Drive has no entity tags, so the file's version
// counter stands in as the etag and conditional writes are emulated by
// re-reading the version immediately before the update.
type DriveProvider struct {
	logger *events.Logger

	// newService is replaceable for tests.
	newService func(ctx context.Context, account *models.ProviderAccount) (*drive.Service, error)
}

const driveName = "drive"

// driveConfig is the provider's account configuration blob.
type driveConfig struct {
	FolderID string `json:"folder_id,omitempty"` // empty means Drive root
}

// NewDriveProvider creates a Drive provider.
func NewDriveProvider(logger *events.Logger) *DriveProvider {
	return &DriveProvider{
		logger: logger.WithField("component", "drive_provider"),
		newService: func(ctx context.Context, account *models.ProviderAccount) (*drive.Service, error) {
			src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: account.Token})
			return drive.NewService(ctx, option.WithTokenSource(src))
		},
	}
}

func (p *DriveProvider) Name() string { return driveName }

func (p *DriveProvider) Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error) {
	if account == nil || account.Token == "" {
		return nil, models.NewProviderError(driveName, models.KindAuthExpired,
			fmt.Errorf("no bearer token"))
	}
	if account.Expired() {
		return nil, models.NewProviderError(driveName, models.KindAuthExpired,
			fmt.Errorf("bearer token expired"))
	}

	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, err
	}
	if _, err := svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return nil, classifyDrive(err)
	}
	return account, nil
}

func (p *DriveProvider) ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error) {
	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, err
	}
	cfg := p.config(account)

	query := fmt.Sprintf("name contains '%s' and trashed = false", vaultfile.FileExt)
	if cfg.FolderID != "" {
		query += fmt.Sprintf(" and '%s' in parents", cfg.FolderID)
	}

	var vaults []RemoteVault
	call := svc.Files.List().Q(query).
		Fields("nextPageToken, files(id, name, version, size, modifiedTime)").
		Context(ctx)
	err = call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			if !strings.HasSuffix(f.Name, vaultfile.FileExt) {
				continue
			}
			vaults = append(vaults, driveVault(f))
		}
		return nil
	})
	if err != nil {
		return nil, classifyDrive(err)
	}
	return vaults, nil
}

func (p *DriveProvider) Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error) {
	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, "", err
	}

	file, err := p.findByName(ctx, svc, p.config(account), remoteID)
	if err != nil {
		return nil, "", err
	}

	resp, err := svc.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		return nil, "", classifyDrive(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", models.NewProviderError(driveName, models.KindNetwork,
			fmt.Errorf("read file body: %w", err))
	}
	return data, strconv.FormatInt(file.Version, 10), nil
}

func (p *DriveProvider) Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error) {
	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, err
	}
	cfg := p.config(account)

	existing, err := p.findByName(ctx, svc, cfg, remoteID)
	if err != nil && models.ProviderKind(err) != models.KindNotFound {
		return nil, err
	}

	if existing == nil {
		if ifMatchEtag != "" {
			return nil, models.NewProviderError(driveName, models.KindConflict,
				fmt.Errorf("file %s gone since last sync", remoteID))
		}
		meta := &drive.File{Name: remoteID}
		if cfg.FolderID != "" {
			meta.Parents = []string{cfg.FolderID}
		}
		created, err := svc.Files.Create(meta).
			Media(bytes.NewReader(data)).
			Fields("id, version, modifiedTime").
			Context(ctx).Do()
		if err != nil {
			return nil, classifyDrive(err)
		}
		return uploadResultFromFile(created), nil
	}

	if ifMatchEtag != "" && strconv.FormatInt(existing.Version, 10) != ifMatchEtag {
		return nil, models.NewProviderError(driveName, models.KindConflict,
			fmt.Errorf("file %s changed since last sync", remoteID))
	}

	updated, err := svc.Files.Update(existing.Id, &drive.File{}).
		Media(bytes.NewReader(data)).
		Fields("id, version, modifiedTime").
		Context(ctx).Do()
	if err != nil {
		return nil, classifyDrive(err)
	}

	p.logger.WithFields(map[string]interface{}{
		"remote_id": remoteID,
		"size":      len(data),
	}).Debug("Uploaded file")

	return uploadResultFromFile(updated), nil
}

func (p *DriveProvider) Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error {
	svc, err := p.service(ctx, account)
	if err != nil {
		return err
	}

	file, err := p.findByName(ctx, svc, p.config(account), remoteID)
	if err != nil {
		return err
	}
	if err := svc.Files.Delete(file.Id).Context(ctx).Do(); err != nil {
		return classifyDrive(err)
	}
	return nil
}

// ListChanges uses the Drive changes feed. An empty cursor starts from
// the current point, returning only the fresh cursor.
func (p *DriveProvider) ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error) {
	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		token, err := svc.Changes.GetStartPageToken().Context(ctx).Do()
		if err != nil {
			return nil, classifyDrive(err)
		}
		return &ChangePage{Cursor: token.StartPageToken}, nil
	}

	page := &ChangePage{}
	token := cursor
	for token != "" {
		list, err := svc.Changes.List(token).
			Fields("nextPageToken, newStartPageToken, changes(fileId, removed, file(id, name, version, size, modifiedTime, trashed))").
			Context(ctx).Do()
		if err != nil {
			return nil, classifyDrive(err)
		}

		for _, c := range list.Changes {
			if c.Removed || (c.File != nil && c.File.Trashed) {
				if c.File != nil {
					page.Deleted = append(page.Deleted, c.File.Name)
				}
				continue
			}
			if c.File == nil || !strings.HasSuffix(c.File.Name, vaultfile.FileExt) {
				continue
			}
			page.Updated = append(page.Updated, driveVault(c.File))
		}

		if list.NewStartPageToken != "" {
			page.Cursor = list.NewStartPageToken
		}
		token = list.NextPageToken
	}
	return page, nil
}

func (p *DriveProvider) service(ctx context.Context, account *models.ProviderAccount) (*drive.Service, error) {
	if account == nil || account.Token == "" {
		return nil, models.NewProviderError(driveName, models.KindAuthExpired,
			fmt.Errorf("no bearer token"))
	}
	svc, err := p.newService(ctx, account)
	if err != nil {
		return nil, models.NewProviderError(driveName, models.KindGeneric, err)
	}
	return svc, nil
}

func (p *DriveProvider) config(account *models.ProviderAccount) *driveConfig {
	cfg := &driveConfig{}
	if account != nil && len(account.Config) > 0 {
		_ = json.Unmarshal(account.Config, cfg)
	}
	return cfg
}

// findByName resolves a remote id (the file name) to a Drive file.
func (p *DriveProvider) findByName(ctx context.Context, svc *drive.Service, cfg *driveConfig, remoteID string) (*drive.File, error) {
	query := fmt.Sprintf("name = '%s' and trashed = false", strings.ReplaceAll(remoteID, "'", `\'`))
	if cfg.FolderID != "" {
		query += fmt.Sprintf(" and '%s' in parents", cfg.FolderID)
	}

	list, err := svc.Files.List().Q(query).
		Fields("files(id, name, version, size, modifiedTime)").
		PageSize(1).
		Context(ctx).Do()
	if err != nil {
		return nil, classifyDrive(err)
	}
	if len(list.Files) == 0 {
		return nil, models.NewProviderError(driveName, models.KindNotFound,
			fmt.Errorf("file %s not found", remoteID))
	}
	return list.Files[0], nil
}

func driveVault(f *drive.File) RemoteVault {
	v := RemoteVault{
		RemoteID: f.Name,
		Name:     strings.TrimSuffix(f.Name, vaultfile.FileExt),
		Etag:     strconv.FormatInt(f.Version, 10),
		Size:     f.Size,
	}
	if t, err := parseRFC3339(f.ModifiedTime); err == nil {
		v.ModifiedAt = t
	}
	return v
}

func uploadResultFromFile(f *drive.File) *UploadResult {
	r := &UploadResult{Etag: strconv.FormatInt(f.Version, 10)}
	if t, err := parseRFC3339(f.ModifiedTime); err == nil {
		r.ModifiedAt = t
	}
	return r
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), err
}

// classifyDrive maps googleapi errors into the provider taxonomy.
func classifyDrive(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		header := http.Header{}
		if apiErr.Header != nil {
			header = apiErr.Header
		}
		if apiErr.Code == http.StatusForbidden && driveRateLimited(apiErr) {
			return models.NewProviderError(driveName, models.KindRateLimited, err)
		}
		return transport.ClassifyStatus(driveName, apiErr.Code, header, []byte(apiErr.Message))
	}
	return models.NewProviderError(driveName, models.KindNetwork, err)
}

// driveRateLimited detects the 403-with-rate-limit-reason shape Drive
// uses instead of 429.
func driveRateLimited(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
