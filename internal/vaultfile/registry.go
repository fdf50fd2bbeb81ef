package vaultfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/keyfold/keyfold/internal/events"
)

// registryVersion is the registry file schema version.
const registryVersion = 1

// RegistryEntry maps a vault id to its file location. External vaults
// live outside the default storage directory.
type RegistryEntry struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	IsExternal bool   `json:"is_external"`
}

type registryFile struct {
	Version int                      `json:"version"`
	Vaults  map[string]RegistryEntry `json:"vaults"`
}

// Registry persists the vault id -> location mapping.
type Registry struct {
	path   string
	logger *events.Logger

	mu     sync.Mutex
	vaults map[string]RegistryEntry
}

// OpenRegistry loads (or initializes) the registry file.
func OpenRegistry(path string, logger *events.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: logger.WithField("component", "registry"),
		vaults: make(map[string]RegistryEntry),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if rf.Vaults != nil {
		r.vaults = rf.Vaults
	}

	return r, nil
}

// Get returns the entry for a vault id.
func (r *Registry) Get(vaultID string) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.vaults[vaultID]
	return entry, ok
}

// Put registers or updates a vault location and persists the registry.
func (r *Registry) Put(vaultID string, entry RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[vaultID] = entry
	return r.save()
}

// Remove drops a vault from the registry.
func (r *Registry) Remove(vaultID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vaults, vaultID)
	return r.save()
}

// All returns a copy of every registered entry.
func (r *Registry) All() map[string]RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]RegistryEntry, len(r.vaults))
	for id, e := range r.vaults {
		out[id] = e
	}
	return out
}

// save persists the registry atomically; callers hold r.mu.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(registryFile{
		Version: registryVersion,
		Vaults:  r.vaults,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if err := writeFileAtomic(r.path, data, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
