package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// Key derivation algorithm tags recorded in vault headers.
const (
	KDFArgon2id     = "argon2id"
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
)

const (
	// KeySize is the derived key length (AES-256).
	KeySize = 32

	// SaltSize is the per-vault random salt length.
	SaltSize = 32

	// Argon2id defaults, tuned for interactive unlock.
	DefaultArgon2Memory      = 64 * 1024 // KiB
	DefaultArgon2Iterations  = 3
	DefaultArgon2Parallelism = 4

	// PBKDF2 round count for format version 1 vaults.
	DefaultPBKDF2Iterations = 600000
)

// KDFParams selects and parameterizes a key derivation run. The same
// params always reproduce the same key; headers persist them verbatim.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory,omitempty"` // KiB, memory-hard algorithms only
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// DefaultKDFParams returns Argon2id parameters with a fresh random salt.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, fmt.Errorf("generate salt: %w", err)
	}
	return KDFParams{
		Algorithm:   KDFArgon2id,
		Salt:        salt,
		Memory:      DefaultArgon2Memory,
		Iterations:  DefaultArgon2Iterations,
		Parallelism: DefaultArgon2Parallelism,
	}, nil
}

// Validate checks the parameter set is complete for its algorithm.
func (p KDFParams) Validate() error {
	if len(p.Salt) == 0 {
		return fmt.Errorf("kdf: salt is required")
	}
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
			return fmt.Errorf("kdf: incomplete argon2id parameters")
		}
	case KDFPBKDF2SHA256:
		if p.Iterations == 0 {
			return fmt.Errorf("kdf: pbkdf2 iteration count is required")
		}
	default:
		return fmt.Errorf("kdf: unknown algorithm %q", p.Algorithm)
	}
	return nil
}

// DeriveKey turns a low-entropy secret into a fixed-length key. The secret
// is NFKC-normalized first so the same password typed on different
// platforms derives the same key. Neither the secret nor the derived key
// is retained; callers own erasure of the returned buffer.
func DeriveKey(secret []byte, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	normalized := norm.NFKC.Bytes(secret)
	defer Zero(normalized)

	switch params.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey(normalized, params.Salt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
	case KDFPBKDF2SHA256:
		return pbkdf2.Key(normalized, params.Salt, int(params.Iterations), KeySize, sha256.New), nil
	default:
		return nil, fmt.Errorf("kdf: unknown algorithm %q", params.Algorithm)
	}
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
