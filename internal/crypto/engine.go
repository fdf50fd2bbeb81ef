package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/keyfold/keyfold/internal/models"
)

const (
	// NonceSize is the GCM nonce length.
	NonceSize = 12

	// AlgorithmAESGCM tags ciphertexts produced by this engine.
	AlgorithmAESGCM = "aes-256-gcm"
)

// adSentinel replaces empty associated data so a ciphertext is always
// bound to some context, never left unbound.
var adSentinel = []byte("keyfold/unbound/v1")

// keysetAD binds wrapped keyset blobs to their purpose.
var keysetAD = []byte("keyfold/keyset/v1")

// Ciphertext is the engine's wire form: the key id that produced it, the
// nonce, and the GCM output (ciphertext plus tag).
type Ciphertext struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Nonce     []byte `json:"nonce"`
	Data      []byte `json:"data"`
}

// Engine owns an AEAD keyset. A single lock serializes keyset access;
// cipher computation runs on captured key references outside the lock.
type Engine struct {
	mu sync.RWMutex
	ks *keyset
}

// NewEngine creates an engine with a freshly generated keyset.
func NewEngine() (*Engine, error) {
	ks, err := newKeyset()
	if err != nil {
		return nil, err
	}
	return &Engine{ks: ks}, nil
}

// Encrypt seals plaintext under the primary key, bound to associatedData.
func (e *Engine) Encrypt(plaintext, associatedData []byte) (*Ciphertext, error) {
	e.mu.RLock()
	entry, err := e.ks.primary()
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(entry.Material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	data := aead.Seal(nil, nonce, plaintext, normalizeAD(associatedData))

	return &Ciphertext{
		Algorithm: AlgorithmAESGCM,
		KeyID:     entry.ID,
		Nonce:     nonce,
		Data:      data,
	}, nil
}

// Decrypt opens a ciphertext using the key id it recorded. Authentication
// failure (tampering, wrong key, wrong associated data) surfaces as
// models.ErrIntegrity; this is the sole wrong-key signal.
func (e *Engine) Decrypt(ct *Ciphertext, associatedData []byte) ([]byte, error) {
	if ct == nil || len(ct.Nonce) != NonceSize || len(ct.Data) == 0 {
		return nil, models.ErrCorruptVault
	}
	if ct.Algorithm != "" && ct.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: algorithm %q", models.ErrUnsupportedVersion, ct.Algorithm)
	}

	e.mu.RLock()
	entry, ok := e.ks.lookup(ct.KeyID)
	e.mu.RUnlock()
	if !ok {
		return nil, models.ErrIntegrity
	}

	aead, err := newGCM(entry.Material)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, ct.Nonce, ct.Data, normalizeAD(associatedData))
	if err != nil {
		return nil, models.ErrIntegrity
	}
	return plaintext, nil
}

// Rotate generates a new primary key entry. Ciphertext produced under
// previous entries stays decryptable.
func (e *Engine) Rotate() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ks.rotate()
}

// PrimaryKeyID returns the current primary key id.
func (e *Engine) PrimaryKeyID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ks.PrimaryID
}

// KeyCount returns the number of entries the keyset retains.
func (e *Engine) KeyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ks.Entries)
}

// ExportKeyset wraps the whole keyset (all entries) under an externally
// supplied key, for persistence inside a vault container or a platform
// secure store.
func (e *Engine) ExportKeyset(wrappingKey []byte) ([]byte, error) {
	if len(wrappingKey) != KeySize {
		return nil, fmt.Errorf("wrapping key must be %d bytes", KeySize)
	}

	e.mu.RLock()
	raw, err := e.ks.marshal()
	e.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("marshal keyset: %w", err)
	}
	defer Zero(raw)

	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// nonce || sealed keyset
	sealed := aead.Seal(nil, nonce, raw, keysetAD)
	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// ImportKeyset unwraps an exported keyset blob into a new engine. A wrong
// wrapping key fails with models.ErrIntegrity.
func ImportKeyset(blob, wrappingKey []byte) (*Engine, error) {
	if len(wrappingKey) != KeySize {
		return nil, fmt.Errorf("wrapping key must be %d bytes", KeySize)
	}
	if len(blob) < NonceSize+1 {
		return nil, models.ErrCorruptVault
	}

	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	raw, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], keysetAD)
	if err != nil {
		return nil, models.ErrIntegrity
	}
	defer Zero(raw)

	ks, err := unmarshalKeyset(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptVault, err)
	}
	return &Engine{ks: ks}, nil
}

// Close erases the keyset material.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ks.zero()
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func normalizeAD(ad []byte) []byte {
	if len(ad) == 0 {
		return adSentinel
	}
	return ad
}
