package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/transport"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// WebDAVProvider talks to a WebDAV collection. Conditional writes use
// If-Match; listing uses a depth-1 PROPFIND.
type WebDAVProvider struct {
	client *transport.Client
	logger *events.Logger
}

const webdavName = "webdav"

// webdavConfig is the provider's account configuration blob.
type webdavConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewWebDAVProvider creates a WebDAV provider.
func NewWebDAVProvider(client *transport.Client, logger *events.Logger) *WebDAVProvider {
	return &WebDAVProvider{
		client: client,
		logger: logger.WithField("component", "webdav_provider"),
	}
}

func (p *WebDAVProvider) Name() string { return webdavName }

// Authenticate probes the collection with an OPTIONS request.
func (p *WebDAVProvider) Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error) {
	cfg, err := p.config(account)
	if err != nil {
		return nil, err
	}

	_, err = p.client.Do(ctx, transport.Request{
		Provider: webdavName,
		Method:   "OPTIONS",
		URL:      cfg.BaseURL,
		Header:   p.authHeader(cfg, nil),
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// propfindResponse is the subset of a PROPFIND multistatus reply we use.
type propfindResponse struct {
	XMLName   xml.Name `xml:"multistatus"`
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				DisplayName  string `xml:"displayname"`
				ETag         string `xml:"getetag"`
				LastModified string `xml:"getlastmodified"`
				Length       int64  `xml:"getcontentlength"`
				ResourceType struct {
					Collection *struct{} `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/><d:getetag/><d:getlastmodified/><d:getcontentlength/><d:resourcetype/>
  </d:prop>
</d:propfind>`

func (p *WebDAVProvider) ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error) {
	cfg, err := p.config(account)
	if err != nil {
		return nil, err
	}

	header := p.authHeader(cfg, http.Header{
		"Depth":        {"1"},
		"Content-Type": {"application/xml"},
	})
	resp, err := p.client.Do(ctx, transport.Request{
		Provider: webdavName,
		Method:   "PROPFIND",
		URL:      cfg.BaseURL,
		Header:   header,
		Body:     []byte(propfindBody),
	})
	if err != nil {
		return nil, err
	}

	var ms propfindResponse
	if err := xml.Unmarshal(resp.Body, &ms); err != nil {
		return nil, models.NewProviderError(webdavName, models.KindGeneric,
			fmt.Errorf("parse multistatus: %w", err))
	}

	var vaults []RemoteVault
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !strings.Contains(ps.Status, "200") || ps.Prop.ResourceType.Collection != nil {
				continue
			}
			name := path.Base(r.Href)
			if path.Ext(name) != vaultfile.FileExt {
				continue
			}
			decoded, err := url.PathUnescape(name)
			if err == nil {
				name = decoded
			}

			v := RemoteVault{
				RemoteID: name,
				Name:     strings.TrimSuffix(name, vaultfile.FileExt),
				Etag:     transport.TrimEtag(ps.Prop.ETag),
				Size:     ps.Prop.Length,
			}
			if t, err := time.Parse(time.RFC1123, ps.Prop.LastModified); err == nil {
				v.ModifiedAt = t.UTC()
			}
			vaults = append(vaults, v)
		}
	}
	return vaults, nil
}

func (p *WebDAVProvider) Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error) {
	cfg, err := p.config(account)
	if err != nil {
		return nil, "", err
	}

	resp, err := p.client.Do(ctx, transport.Request{
		Provider: webdavName,
		Method:   "GET",
		URL:      p.objectURL(cfg, remoteID),
		Header:   p.authHeader(cfg, nil),
	})
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.ETag(), nil
}

func (p *WebDAVProvider) Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error) {
	cfg, err := p.config(account)
	if err != nil {
		return nil, err
	}

	header := p.authHeader(cfg, http.Header{
		"Content-Type": {"application/octet-stream"},
	})
	if ifMatchEtag != "" {
		header.Set("If-Match", `"`+ifMatchEtag+`"`)
	}

	resp, err := p.client.Do(ctx, transport.Request{
		Provider: webdavName,
		Method:   "PUT",
		URL:      p.objectURL(cfg, remoteID),
		Header:   header,
		Body:     data,
	})
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Etag: resp.ETag(), ModifiedAt: time.Now().UTC()}
	if result.Etag == "" {
		// Some servers omit the ETag on PUT; fetch it with a HEAD.
		if head, err := p.client.Do(ctx, transport.Request{
			Provider: webdavName,
			Method:   "HEAD",
			URL:      p.objectURL(cfg, remoteID),
			Header:   p.authHeader(cfg, nil),
		}); err == nil {
			result.Etag = head.ETag()
		}
	}
	return result, nil
}

func (p *WebDAVProvider) Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error {
	cfg, err := p.config(account)
	if err != nil {
		return err
	}

	_, err = p.client.Do(ctx, transport.Request{
		Provider: webdavName,
		Method:   "DELETE",
		URL:      p.objectURL(cfg, remoteID),
		Header:   p.authHeader(cfg, nil),
	})
	return err
}

// ListChanges is not supported; WebDAV has no standard delta listing.
func (p *WebDAVProvider) ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error) {
	return nil, models.ErrNotSupported
}

func (p *WebDAVProvider) config(account *models.ProviderAccount) (*webdavConfig, error) {
	if account == nil || len(account.Config) == 0 {
		return nil, models.NewProviderError(webdavName, models.KindAuthExpired,
			fmt.Errorf("no account configuration"))
	}
	var cfg webdavConfig
	if err := json.Unmarshal(account.Config, &cfg); err != nil {
		return nil, models.NewProviderError(webdavName, models.KindGeneric,
			fmt.Errorf("parse account configuration: %w", err))
	}
	if cfg.BaseURL == "" {
		return nil, models.NewProviderError(webdavName, models.KindGeneric,
			fmt.Errorf("account configuration missing base URL"))
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &cfg, nil
}

func (p *WebDAVProvider) authHeader(cfg *webdavConfig, header http.Header) http.Header {
	if header == nil {
		header = http.Header{}
	}
	if cfg.Username != "" {
		header.Set("Authorization", "Basic "+basicAuth(cfg.Username, cfg.Password))
	}
	return header
}

func (p *WebDAVProvider) objectURL(cfg *webdavConfig, remoteID string) string {
	return cfg.BaseURL + "/" + url.PathEscape(remoteID)
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
