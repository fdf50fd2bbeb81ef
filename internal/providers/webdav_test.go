package providers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/providers"
	"github.com/keyfold/keyfold/internal/transport"
)

// davServer is a minimal in-memory WebDAV endpoint.
type davServer struct {
	mu      sync.Mutex
	objects map[string]davObject
}

type davObject struct {
	data []byte
	etag int
}

func newDavServer() *davServer {
	return &davServer{objects: make(map[string]davObject)}
}

func (s *davServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		name := r.URL.Path[1:]
		switch r.Method {
		case "OPTIONS":
			w.Header().Set("DAV", "1, 2")
		case "PROPFIND":
			w.WriteHeader(207)
			fmt.Fprint(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:">`)
			for id, obj := range s.objects {
				fmt.Fprintf(w, `<d:response><d:href>/%s</d:href><d:propstat><d:prop>`+
					`<d:getetag>"%d"</d:getetag><d:getcontentlength>%d</d:getcontentlength>`+
					`<d:resourcetype/></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
					id, obj.etag, len(obj.data))
			}
			fmt.Fprint(w, `</d:multistatus>`)
		case "GET":
			obj, ok := s.objects[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", fmt.Sprintf(`"%d"`, obj.etag))
			_, _ = w.Write(obj.data)
		case "PUT":
			obj, exists := s.objects[name]
			if match := r.Header.Get("If-Match"); match != "" {
				if !exists || match != fmt.Sprintf(`"%d"`, obj.etag) {
					w.WriteHeader(http.StatusPreconditionFailed)
					return
				}
			}
			data, _ := io.ReadAll(r.Body)
			obj = davObject{data: data, etag: obj.etag + 1}
			s.objects[name] = obj
			w.Header().Set("ETag", fmt.Sprintf(`"%d"`, obj.etag))
			w.WriteHeader(http.StatusCreated)
		case "HEAD":
			obj, ok := s.objects[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", fmt.Sprintf(`"%d"`, obj.etag))
		case "DELETE":
			if _, ok := s.objects[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(s.objects, name)
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

func davAccount(t *testing.T, baseURL string) *models.ProviderAccount {
	t.Helper()
	cfg, err := json.Marshal(map[string]string{
		"base_url": baseURL,
		"username": "alice",
		"password": "secret",
	})
	require.NoError(t, err)
	return &models.ProviderAccount{Provider: "webdav", Config: cfg}
}

func newWebDAV(t *testing.T) (*providers.WebDAVProvider, *davServer, *models.ProviderAccount) {
	t.Helper()
	server := newDavServer()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	client := transport.New(transport.Options{RetryDelay: time.Millisecond}, events.Discard())
	return providers.NewWebDAVProvider(client, events.Discard()), server, davAccount(t, ts.URL)
}

func TestWebDAVAuthenticate(t *testing.T) {
	p, _, account := newWebDAV(t)

	_, err := p.Authenticate(context.Background(), account)
	assert.NoError(t, err)
}

func TestWebDAVAuthenticateNoConfig(t *testing.T) {
	p, _, _ := newWebDAV(t)

	_, err := p.Authenticate(context.Background(), &models.ProviderAccount{})
	assert.Equal(t, models.KindAuthExpired, models.ProviderKind(err))
}

func TestWebDAVUploadDownload(t *testing.T) {
	p, _, account := newWebDAV(t)
	ctx := context.Background()

	res, err := p.Upload(ctx, account, "vault-1.kfv", []byte("container"), "")
	require.NoError(t, err)
	assert.Equal(t, "1", res.Etag)

	data, etag, err := p.Download(ctx, account, "vault-1.kfv")
	require.NoError(t, err)
	assert.Equal(t, []byte("container"), data)
	assert.Equal(t, "1", etag)
}

func TestWebDAVConditionalUpload(t *testing.T) {
	p, _, account := newWebDAV(t)
	ctx := context.Background()

	res, err := p.Upload(ctx, account, "vault-1.kfv", []byte("v1"), "")
	require.NoError(t, err)

	res2, err := p.Upload(ctx, account, "vault-1.kfv", []byte("v2"), res.Etag)
	require.NoError(t, err)
	assert.Equal(t, "2", res2.Etag)

	_, err = p.Upload(ctx, account, "vault-1.kfv", []byte("v3"), res.Etag)
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.ProviderKind(err))
}

func TestWebDAVList(t *testing.T) {
	p, server, account := newWebDAV(t)
	ctx := context.Background()

	server.objects["a.kfv"] = davObject{data: []byte("a"), etag: 3}
	server.objects["skip.txt"] = davObject{data: []byte("x"), etag: 1}

	vaults, err := p.ListRemoteVaults(ctx, account)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, "a.kfv", vaults[0].RemoteID)
	assert.Equal(t, "a", vaults[0].Name)
	assert.Equal(t, "3", vaults[0].Etag)
}

func TestWebDAVDownloadMissing(t *testing.T) {
	p, _, account := newWebDAV(t)

	_, _, err := p.Download(context.Background(), account, "nope.kfv")
	assert.Equal(t, models.KindNotFound, models.ProviderKind(err))
}

func TestWebDAVDelete(t *testing.T) {
	p, server, account := newWebDAV(t)
	ctx := context.Background()

	server.objects["vault-1.kfv"] = davObject{data: []byte("v1"), etag: 1}
	require.NoError(t, p.Delete(ctx, account, "vault-1.kfv"))
	assert.Empty(t, server.objects)
}
