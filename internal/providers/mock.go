package providers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/keyfold/keyfold/internal/models"
)

// MockProvider is an in-memory backend for tests. Etags are version
// counters incremented on every write.
type MockProvider struct {
	ProviderName string

	mu      sync.Mutex
	objects map[string]*mockObject

	// Fail queues an error to return from the next operation.
	Fail error
	// AuthErr makes Authenticate fail.
	AuthErr error

	// Calls counts operations by name.
	Calls map[string]int
}

type mockObject struct {
	data       []byte
	version    int64
	modifiedAt time.Time
}

// NewMockProvider creates an empty mock backend.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ProviderName: "mock",
		objects:      make(map[string]*mockObject),
		Calls:        make(map[string]int),
	}
}

func (m *MockProvider) Name() string { return m.ProviderName }

// Seed places an object directly, returning its etag.
func (m *MockProvider) Seed(remoteID string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[remoteID]
	if !ok {
		obj = &mockObject{}
		m.objects[remoteID] = obj
	}
	obj.data = append([]byte(nil), data...)
	obj.version++
	obj.modifiedAt = time.Now().UTC()
	return strconv.FormatInt(obj.version, 10)
}

// Etag returns the current etag for an object, or empty.
func (m *MockProvider) Etag(remoteID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[remoteID]; ok {
		return strconv.FormatInt(obj.version, 10)
	}
	return ""
}

// Data returns a copy of an object's bytes.
func (m *MockProvider) Data(remoteID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[remoteID]; ok {
		return append([]byte(nil), obj.data...)
	}
	return nil
}

func (m *MockProvider) takeFail() error {
	err := m.Fail
	m.Fail = nil
	return err
}

func (m *MockProvider) Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["authenticate"]++

	if m.AuthErr != nil {
		return nil, m.AuthErr
	}
	if account == nil {
		account = &models.ProviderAccount{Provider: m.ProviderName}
	}
	return account, nil
}

func (m *MockProvider) ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["list"]++

	if err := m.takeFail(); err != nil {
		return nil, err
	}

	var vaults []RemoteVault
	for id, obj := range m.objects {
		vaults = append(vaults, RemoteVault{
			RemoteID:   id,
			Name:       id,
			Etag:       strconv.FormatInt(obj.version, 10),
			Size:       int64(len(obj.data)),
			ModifiedAt: obj.modifiedAt,
		})
	}
	return vaults, nil
}

func (m *MockProvider) Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["download"]++

	if err := m.takeFail(); err != nil {
		return nil, "", err
	}

	obj, ok := m.objects[remoteID]
	if !ok {
		return nil, "", models.NewProviderError(m.ProviderName, models.KindNotFound,
			fmt.Errorf("object %s not found", remoteID))
	}
	return append([]byte(nil), obj.data...), strconv.FormatInt(obj.version, 10), nil
}

func (m *MockProvider) Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["upload"]++

	if err := m.takeFail(); err != nil {
		return nil, err
	}

	obj, ok := m.objects[remoteID]
	if ifMatchEtag != "" {
		if !ok {
			return nil, models.NewProviderError(m.ProviderName, models.KindConflict,
				fmt.Errorf("object %s gone", remoteID))
		}
		if strconv.FormatInt(obj.version, 10) != ifMatchEtag {
			return nil, models.NewProviderError(m.ProviderName, models.KindConflict,
				fmt.Errorf("object %s moved", remoteID))
		}
	}
	if !ok {
		obj = &mockObject{}
		m.objects[remoteID] = obj
	}

	obj.data = append([]byte(nil), data...)
	obj.version++
	obj.modifiedAt = time.Now().UTC()

	return &UploadResult{
		Etag:       strconv.FormatInt(obj.version, 10),
		ModifiedAt: obj.modifiedAt,
	}, nil
}

func (m *MockProvider) Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["delete"]++

	if err := m.takeFail(); err != nil {
		return err
	}
	if _, ok := m.objects[remoteID]; !ok {
		return models.NewProviderError(m.ProviderName, models.KindNotFound,
			fmt.Errorf("object %s not found", remoteID))
	}
	delete(m.objects, remoteID)
	return nil
}

func (m *MockProvider) ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error) {
	return nil, models.ErrNotSupported
}
