// Package session holds a decrypted vault key in memory for a bounded
// window. It never touches disk; locking the session erases the key.
package session

import (
	"sync"
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// Gate is consulted on every key read when registered (a biometric
// check, a user prompt). Returning false denies access without exposing
// the key or ending the session.
type Gate func() bool

// Manager is the Locked <-> Unlocked state machine for one vault session.
type Manager struct {
	ttl               time.Duration
	platformKeyMaxAge time.Duration
	logger            *events.Logger

	// now is replaceable for tests.
	now func() time.Time

	mu   sync.Mutex
	key  []byte
	info *models.SessionInfo
	gate Gate
	// expiry horizon; pushed forward by access and Extend
	deadline time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithGate registers the access gate callback.
func WithGate(gate Gate) Option {
	return func(m *Manager) { m.gate = gate }
}

// WithPlatformKeyMaxAge overrides the platform-key rotation threshold.
func WithPlatformKeyMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.platformKeyMaxAge = d }
}

// NewManager creates a locked session manager.
func NewManager(ttl time.Duration, logger *events.Logger, opts ...Option) *Manager {
	m := &Manager{
		ttl:               ttl,
		platformKeyMaxAge: 90 * 24 * time.Hour,
		logger:            logger.WithField("component", "session"),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Unlock transitions Locked -> Unlocked, taking a private copy of the
// key. Only valid from Locked.
func (m *Manager) Unlock(vaultID string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		return models.ErrSessionActive
	}

	now := m.now()
	m.key = append([]byte(nil), key...)
	m.info = &models.SessionInfo{
		VaultID:      vaultID,
		UnlockedAt:   now,
		LastAccessAt: now,
	}
	m.deadline = now.Add(m.ttl)

	m.logger.WithField("vault_id", vaultID).Info("Session unlocked")
	return nil
}

// GetKey returns a fresh copy of the vault key. The gate, when present,
// runs outside the state lock; expiry is re-checked after it returns so
// a slow gate cannot hand out a key past the deadline. Expiry locks the
// session as a side effect.
func (m *Manager) GetKey() ([]byte, error) {
	m.mu.Lock()

	if m.key == nil {
		m.mu.Unlock()
		return nil, models.ErrSessionLocked
	}
	if m.expiredLocked() {
		m.lockLocked()
		m.mu.Unlock()
		return nil, models.ErrSessionExpired
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil && !gate() {
		return nil, models.ErrSessionDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The gate may have taken arbitrarily long, or another goroutine
	// may have locked the session meanwhile.
	if m.key == nil {
		return nil, models.ErrSessionLocked
	}
	if m.expiredLocked() {
		m.lockLocked()
		return nil, models.ErrSessionExpired
	}

	now := m.now()
	m.info.LastAccessAt = now
	m.deadline = now.Add(m.ttl)

	return append([]byte(nil), m.key...), nil
}

// Lock zeroes the key and clears session info. Valid from any state,
// idempotent.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked()
}

// Extend pushes the expiry horizon forward. Only valid from Unlocked.
func (m *Manager) Extend(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return models.ErrSessionLocked
	}
	if m.expiredLocked() {
		m.lockLocked()
		return models.ErrSessionExpired
	}

	m.deadline = m.deadline.Add(d)
	return nil
}

// Info returns a copy of the session info, if unlocked.
func (m *Manager) Info() (models.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info == nil {
		return models.SessionInfo{}, false
	}
	return *m.info, true
}

// Unlocked reports whether a live, unexpired session exists.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return false
	}
	if m.expiredLocked() {
		m.lockLocked()
		return false
	}
	return true
}

// RotationDue reports whether a platform-bound unlock key created at the
// given time has passed its age threshold. The manager only detects and
// reports; rotation needs the master password, which is never cached.
func (m *Manager) RotationDue(createdAt time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return m.now().Sub(createdAt) >= m.platformKeyMaxAge
}

// expiredLocked checks the deadline; callers hold m.mu.
func (m *Manager) expiredLocked() bool {
	return m.now().After(m.deadline)
}

// lockLocked erases state; callers hold m.mu.
func (m *Manager) lockLocked() {
	if m.key != nil {
		crypto.Zero(m.key)
		m.key = nil
		m.logger.WithField("vault_id", m.info.VaultID).Info("Session locked")
	}
	m.info = nil
	m.deadline = time.Time{}
}
