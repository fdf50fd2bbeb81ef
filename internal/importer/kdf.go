package importer

import (
	"crypto/aes"
	"crypto/sha256"

	"golang.org/x/crypto/argon2"

	"github.com/keyfold/keyfold/internal/crypto"
)

// compositeKey builds the pre-KDF key shared by both generations:
// SHA-256 of the password hash, optionally concatenated with a key-file
// hash before the outer digest.
func compositeKey(password string, keyFileHash []byte) []byte {
	pw := sha256.Sum256([]byte(password))
	if len(keyFileHash) == 0 {
		out := sha256.Sum256(pw[:])
		return out[:]
	}
	joined := make([]byte, 0, len(pw)+len(keyFileHash))
	joined = append(joined, pw[:]...)
	joined = append(joined, keyFileHash...)
	out := sha256.Sum256(joined)
	crypto.Zero(joined)
	return out[:]
}

// deriveGen3Key runs the composite key through transformRounds rounds of
// AES-ECB keyed by the transform seed, digests the result, and finalizes
// with the master seed.
func deriveGen3Key(composite, transformSeed, masterSeed []byte, rounds uint64) ([]byte, error) {
	block, err := aes.NewCipher(transformSeed)
	if err != nil {
		return nil, err
	}

	transformed := append([]byte(nil), composite...)
	for i := uint64(0); i < rounds; i++ {
		block.Encrypt(transformed[:16], transformed[:16])
		block.Encrypt(transformed[16:], transformed[16:])
	}
	digest := sha256.Sum256(transformed)
	crypto.Zero(transformed)

	return finalizeMasterKey(masterSeed, digest[:]), nil
}

// deriveGen4Key runs the composite key through Argon2id with the
// parameters recovered from the variant dictionary, then finalizes with
// the master seed.
func deriveGen4Key(composite, masterSeed []byte, params *variant) ([]byte, error) {
	salt, ok := params.bytes(kdfKeySalt)
	if !ok {
		return nil, parseError(0, fieldKDFParams, "KDF parameters missing salt", nil)
	}
	iterations, ok := params.uint64Val(kdfKeyIterations)
	if !ok {
		return nil, parseError(0, fieldKDFParams, "KDF parameters missing iteration count", nil)
	}
	memory, ok := params.uint64Val(kdfKeyMemory)
	if !ok {
		return nil, parseError(0, fieldKDFParams, "KDF parameters missing memory cost", nil)
	}
	parallelism, ok := params.uint32Val(kdfKeyParallelism)
	if !ok {
		return nil, parseError(0, fieldKDFParams, "KDF parameters missing parallelism", nil)
	}

	// memory is recorded in bytes; argon2 wants KiB
	out := argon2.IDKey(composite, salt, uint32(iterations), uint32(memory/1024), uint8(parallelism), 32)
	key := finalizeMasterKey(masterSeed, out)
	crypto.Zero(out)
	return key, nil
}

// finalizeMasterKey binds the derived key to the per-file master seed.
func finalizeMasterKey(masterSeed, derived []byte) []byte {
	joined := make([]byte, 0, len(masterSeed)+len(derived))
	joined = append(joined, masterSeed...)
	joined = append(joined, derived...)
	out := sha256.Sum256(joined)
	crypto.Zero(joined)
	return out[:]
}

// hmacKey derives the gen-4 header authentication key from the master
// seed and the derived master key.
func hmacKey(masterSeed, masterKey []byte) []byte {
	joined := make([]byte, 0, len(masterSeed)+len(masterKey))
	joined = append(joined, masterSeed...)
	joined = append(joined, masterKey...)
	out := sha256.Sum256(joined)
	crypto.Zero(joined)
	return out[:]
}
