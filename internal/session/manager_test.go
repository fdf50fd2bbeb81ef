package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/session"
)

// fakeClock provides a controllable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, ttl time.Duration, opts ...session.Option) (*session.Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]session.Option{session.WithClock(clock.Now)}, opts...)
	return session.NewManager(ttl, events.Discard(), opts...), clock
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestUnlockAndGetKey(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)

	require.NoError(t, mgr.Unlock("vault-1", testKey()))
	assert.True(t, mgr.Unlocked())

	key, err := mgr.GetKey()
	require.NoError(t, err)
	assert.Equal(t, testKey(), key)

	info, ok := mgr.Info()
	require.True(t, ok)
	assert.Equal(t, "vault-1", info.VaultID)
}

func TestGetKeyReturnsFreshCopy(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	first, err := mgr.GetKey()
	require.NoError(t, err)

	// Mutating a returned key must not affect later reads.
	for i := range first {
		first[i] = 0xFF
	}

	second, err := mgr.GetKey()
	require.NoError(t, err)
	assert.Equal(t, testKey(), second)
}

func TestUnlockCopiesCallerKey(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)

	caller := testKey()
	require.NoError(t, mgr.Unlock("vault-1", caller))
	for i := range caller {
		caller[i] = 0
	}

	key, err := mgr.GetKey()
	require.NoError(t, err)
	assert.Equal(t, testKey(), key)
}

func TestUnlockWhileActive(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	err := mgr.Unlock("vault-2", testKey())
	assert.ErrorIs(t, err, models.ErrSessionActive)
}

func TestGetKeyWhenLocked(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)

	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionLocked)
}

func TestExpiryLocksSession(t *testing.T) {
	mgr, clock := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	clock.Advance(6 * time.Minute)

	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	// Expiry transitions to Locked; later reads see the locked state.
	_, err = mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionLocked)

	_, ok := mgr.Info()
	assert.False(t, ok)
}

func TestAccessPushesDeadline(t *testing.T) {
	mgr, clock := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	clock.Advance(4 * time.Minute)
	_, err := mgr.GetKey()
	require.NoError(t, err)

	// Original deadline has passed, but access renewed it.
	clock.Advance(4 * time.Minute)
	_, err = mgr.GetKey()
	assert.NoError(t, err)
}

func TestExtend(t *testing.T) {
	mgr, clock := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	require.NoError(t, mgr.Extend(10*time.Minute))

	clock.Advance(12 * time.Minute)
	_, err := mgr.GetKey()
	assert.NoError(t, err)
}

func TestExtendWhenLocked(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)
	assert.ErrorIs(t, mgr.Extend(time.Minute), models.ErrSessionLocked)
}

func TestLockIdempotent(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	mgr.Lock()
	mgr.Lock()

	assert.False(t, mgr.Unlocked())
	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionLocked)
}

func TestRelockAfterLock(t *testing.T) {
	mgr, _ := newManager(t, 5*time.Minute)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))
	mgr.Lock()

	require.NoError(t, mgr.Unlock("vault-2", testKey()))
	info, ok := mgr.Info()
	require.True(t, ok)
	assert.Equal(t, "vault-2", info.VaultID)
}

func TestGateDenies(t *testing.T) {
	denied := session.WithGate(func() bool { return false })
	mgr, _ := newManager(t, 5*time.Minute, denied)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionDenied)

	// A denied gate does not end the session.
	assert.True(t, mgr.Unlocked())
}

func TestGateAllows(t *testing.T) {
	calls := 0
	gate := session.WithGate(func() bool { calls++; return true })
	mgr, _ := newManager(t, 5*time.Minute, gate)
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	_, err := mgr.GetKey()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSlowGateHitsExpiry(t *testing.T) {
	var clock *fakeClock
	gate := session.WithGate(func() bool {
		// Simulate a prompt left open past the TTL.
		clock.Advance(10 * time.Minute)
		return true
	})
	mgr, c := newManager(t, 5*time.Minute, gate)
	clock = c
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionExpired)
}

func TestLockDuringGate(t *testing.T) {
	var mgr *session.Manager
	gate := session.WithGate(func() bool {
		mgr.Lock()
		return true
	})
	m, _ := newManager(t, 5*time.Minute, gate)
	mgr = m
	require.NoError(t, mgr.Unlock("vault-1", testKey()))

	_, err := mgr.GetKey()
	assert.ErrorIs(t, err, models.ErrSessionLocked)
}

func TestRotationDue(t *testing.T) {
	mgr, clock := newManager(t, 5*time.Minute)

	tests := []struct {
		name      string
		createdAt time.Time
		want      bool
	}{
		{"fresh key", clock.Now().Add(-24 * time.Hour), false},
		{"at threshold", clock.Now().Add(-90 * 24 * time.Hour), true},
		{"well past", clock.Now().Add(-365 * 24 * time.Hour), true},
		{"zero time", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mgr.RotationDue(tt.createdAt))
		})
	}
}

func TestRotationDueCustomThreshold(t *testing.T) {
	mgr, clock := newManager(t, 5*time.Minute,
		session.WithPlatformKeyMaxAge(7*24*time.Hour))

	assert.False(t, mgr.RotationDue(clock.Now().Add(-6*24*time.Hour)))
	assert.True(t, mgr.RotationDue(clock.Now().Add(-8*24*time.Hour)))
}
