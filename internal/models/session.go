package models

import "time"

// SessionInfo describes an unlocked vault session. Held only in memory,
// never persisted.
type SessionInfo struct {
	VaultID      string
	UnlockedAt   time.Time
	LastAccessAt time.Time
}

// SyncMetadata records what the engine knew about a remote object at the
// time of the last successful sync for a vault.
type SyncMetadata struct {
	VaultID            string    `json:"vault_id"`
	Provider           string    `json:"provider"`
	RemoteID           string    `json:"remote_id"`
	RemoteEtag         string    `json:"remote_etag"`
	LastSyncedChecksum string    `json:"last_synced_checksum"`
	LastSyncTime       time.Time `json:"last_sync_time"`
	LastError          string    `json:"last_error,omitempty"`
}

// ProviderAccount is an authenticated identity on a cloud backend. Values
// are encrypted by the credential store before touching disk.
type ProviderAccount struct {
	Provider     string    `json:"provider"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Config       []byte    `json:"config,omitempty"` // opaque provider JSON (server URL, region, ...)
}

// Expired reports whether the bearer token has a known, passed expiry.
func (a *ProviderAccount) Expired() bool {
	return !a.ExpiresAt.IsZero() && time.Now().After(a.ExpiresAt)
}
