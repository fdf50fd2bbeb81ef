package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrWrongPassword      = errors.New("wrong password")
	ErrCorruptVault       = errors.New("corrupt vault container")
	ErrVaultNotFound      = errors.New("vault not found")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrSessionLocked      = errors.New("session is locked")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionDenied      = errors.New("session access denied")
	ErrSessionActive      = errors.New("session already unlocked")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrSyncConflict       = errors.New("sync conflict")
	ErrNotSupported       = errors.New("operation not supported by provider")
)

// ProviderErrorKind classifies remote backend failures so callers can
// decide retry vs. surface-to-user without inspecting transport codes.
type ProviderErrorKind string

const (
	KindAuthExpired      ProviderErrorKind = "auth_expired"
	KindPermissionDenied ProviderErrorKind = "permission_denied"
	KindNotFound         ProviderErrorKind = "not_found"
	KindConflict         ProviderErrorKind = "conflict"
	KindRateLimited      ProviderErrorKind = "rate_limited"
	KindQuotaExceeded    ProviderErrorKind = "quota_exceeded"
	KindNetwork          ProviderErrorKind = "network"
	KindGeneric          ProviderErrorKind = "generic"
)

// ProviderError wraps a backend failure with its classification.
type ProviderError struct {
	Kind       ProviderErrorKind
	Provider   string
	RetryAfter time.Duration // hint for KindRateLimited, zero if unknown
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s [%s]: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s [%s]", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the engine may retry the operation internally.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited
}

// NewProviderError builds a classified provider error.
func NewProviderError(provider string, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// ProviderKind extracts the classification from an error chain, with
// KindGeneric for anything unclassified.
func ProviderKind(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindGeneric
}

// ImportParseError reports a malformed legacy container with enough
// context (offset, field id) to diagnose a bad file.
type ImportParseError struct {
	Offset  int64
	FieldID byte
	Reason  string
	Err     error
}

func (e *ImportParseError) Error() string {
	if e.FieldID != 0 {
		return fmt.Sprintf("legacy import: %s (field 0x%02x at offset %d)", e.Reason, e.FieldID, e.Offset)
	}
	return fmt.Sprintf("legacy import: %s (offset %d)", e.Reason, e.Offset)
}

func (e *ImportParseError) Unwrap() error {
	return e.Err
}

// ConflictError carries both sides of a detected sync conflict. Neither
// copy is discarded; resolution is an explicit caller decision.
type ConflictError struct {
	VaultID    string
	Provider   string
	RemoteID   string
	LocalSum   string
	RemoteEtag string
	BaseEtag   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict: vault %s on %s (remote %s moved %s -> %s, local also changed)",
		e.VaultID, e.Provider, e.RemoteID, e.BaseEtag, e.RemoteEtag)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrSyncConflict
}
