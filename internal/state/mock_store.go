package state

import (
	"sync"

	"github.com/keyfold/keyfold/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	metas map[string]*models.SyncMetadata
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		metas: make(map[string]*models.SyncMetadata),
	}
}

// Load loads sync metadata for a vault.
func (m *MockStore) Load(vaultID string) (*models.SyncMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if meta, ok := m.metas[vaultID]; ok {
		clone := *meta
		return &clone, nil
	}
	return nil, ErrStateNotFound
}

// Save saves sync metadata for a vault.
func (m *MockStore) Save(vaultID string, meta *models.SyncMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *meta
	m.metas[vaultID] = &clone
	return nil
}

// Delete removes sync metadata for a vault.
func (m *MockStore) Delete(vaultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.metas, vaultID)
	return nil
}

// List returns all vault IDs with stored metadata.
func (m *MockStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var vaultIDs []string
	for vaultID := range m.metas {
		vaultIDs = append(vaultIDs, vaultID)
	}
	return vaultIDs, nil
}

// Migrate transfers metadata between stores (no-op for mock).
func (m *MockStore) Migrate(target Store) error {
	return nil
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Clear removes all metadata.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas = make(map[string]*models.SyncMetadata)
}
