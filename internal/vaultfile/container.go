package vaultfile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/models"
)

const (
	// Magic identifies a vault container file.
	Magic = "KFVAULT1"

	// FormatVersion is the current container version. Version 1 used a
	// deterministic KDF salt and is readable but deprecated; version 2
	// requires a random per-vault salt.
	FormatVersion = 2

	// FileExt is the vault container file extension.
	FileExt = ".kfv"
)

// Header is the unencrypted, fixed part of a vault container. Only the
// payload is encrypted; the header carries what is needed to derive the
// wrapping key and to detect tampering after decryption.
type Header struct {
	Magic           string           `json:"magic"`
	FormatVersion   int              `json:"format_version"`
	VaultID         string           `json:"vault_id"`
	Name            string           `json:"name"`
	CreatedAt       time.Time        `json:"created_at"`
	ModifiedAt      time.Time        `json:"modified_at"`
	ContentChecksum string           `json:"content_checksum"`
	KDF             crypto.KDFParams `json:"kdf"`

	// KeyFileHash, when set, requires an auxiliary key file whose hash
	// must match before derivation.
	KeyFileHash []byte `json:"key_file_hash,omitempty"`

	// PlatformUnlockBlob is a copy of the wrapping key sealed under a
	// platform secure-element key, enabling biometric unlock without
	// re-deriving from the master password.
	PlatformUnlockBlob []byte `json:"platform_unlock_blob,omitempty"`
}

// Container is the persisted vault document: header, wrapped keyset, and
// the encrypted payload.
type Container struct {
	Header  Header             `json:"header"`
	Keyset  []byte             `json:"keyset"`
	Payload *crypto.Ciphertext `json:"payload"`
}

// Validate checks the container structure without touching key material.
func (c *Container) Validate() error {
	if c.Header.Magic != Magic {
		return fmt.Errorf("%w: bad magic %q", models.ErrCorruptVault, c.Header.Magic)
	}
	if c.Header.FormatVersion > FormatVersion {
		return fmt.Errorf("%w: container version %d, engine supports up to %d",
			models.ErrUnsupportedVersion, c.Header.FormatVersion, FormatVersion)
	}
	if c.Header.FormatVersion < 1 {
		return fmt.Errorf("%w: invalid format version %d", models.ErrCorruptVault, c.Header.FormatVersion)
	}
	if c.Header.VaultID == "" {
		return fmt.Errorf("%w: missing vault id", models.ErrCorruptVault)
	}
	if err := c.Header.KDF.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCorruptVault, err)
	}
	if len(c.Keyset) == 0 {
		return fmt.Errorf("%w: missing keyset", models.ErrCorruptVault)
	}
	if c.Payload == nil {
		return fmt.Errorf("%w: missing payload", models.ErrCorruptVault)
	}
	return nil
}

// ParseContainer decodes and validates container bytes.
func ParseContainer(data []byte) (*Container, error) {
	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptVault, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes the container for persistence.
func (c *Container) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal container: %w", err)
	}
	return data, nil
}

// payloadAD binds the encrypted payload to its vault so a payload cannot
// be replayed into a different container.
func payloadAD(vaultID string) []byte {
	return []byte("keyfold/payload/" + vaultID)
}
