// Package importer reads the foreign binary vault container and converts
// it into the native payload model. Import is read-only and best-effort:
// unknown optional header fields and unrecognized variant value types are
// skipped with the cursor advanced, while a bad signature, an unsupported
// major version, or a missing mandatory field rejects the file.
package importer

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// Result is a successfully imported vault.
type Result struct {
	Name    string
	Payload *models.VaultPayload

	// SkippedHeaderFields and SkippedVariantTypes record what the
	// best-effort reader stepped over, for diagnostics.
	SkippedHeaderFields []byte
	SkippedVariantTypes []byte
}

// Importer decodes legacy container files.
type Importer struct {
	logger *events.Logger
}

// New creates an importer.
func New(logger *events.Logger) *Importer {
	return &Importer{logger: logger.WithField("component", "importer")}
}

// ImportFile reads and decodes a container from disk.
func (im *Importer) ImportFile(path, password string, keyFileHash []byte) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}
	return im.Import(data, password, keyFileHash)
}

// Import decodes a container from memory. keyFileHash is optional; when
// present it is folded into the composite key alongside the password.
func (im *Importer) Import(data []byte, password string, keyFileHash []byte) (*Result, error) {
	header, off, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	log := im.logger.WithFields(map[string]interface{}{
		"major": header.major,
		"minor": header.minor,
	})
	for _, id := range header.skippedFields {
		log.WithField("field_id", fmt.Sprintf("0x%02x", id)).Warn("Skipped unknown header field")
	}

	composite := compositeKey(password, keyFileHash)
	defer crypto.Zero(composite)

	var masterKey []byte
	switch header.major {
	case MajorGen3:
		masterKey, err = deriveGen3Key(composite, header.transformSeed, header.masterSeed, header.transformRounds)
	case MajorGen4:
		masterKey, err = deriveGen4Key(composite, header.masterSeed, header.kdfParams)
	}
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(masterKey)

	body := data[off:]
	if header.major == MajorGen4 {
		body, err = verifyGen4Trailer(header, body, masterKey, off)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := decryptBody(header, body, masterKey, off)
	if err != nil {
		return nil, err
	}

	if header.major == MajorGen3 {
		if len(plaintext) < len(header.streamStart) ||
			!bytes.Equal(plaintext[:len(header.streamStart)], header.streamStart) {
			return nil, models.ErrWrongPassword
		}
		plaintext = plaintext[len(header.streamStart):]
	}

	if header.compression == compressionGzip {
		plaintext, err = gunzip(plaintext)
		if err != nil {
			return nil, parseError(off, fieldCompression, "decompress payload", err)
		}
	}

	payload, name, err := parseDocument(plaintext)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Name:                name,
		Payload:             payload,
		SkippedHeaderFields: header.skippedFields,
	}
	if header.kdfParams != nil && header.kdfParams.skipped > 0 {
		result.SkippedVariantTypes = header.kdfParams.skippedTypes
		log.WithField("count", header.kdfParams.skipped).Warn("Skipped unknown KDF variant value types")
	}

	log.WithFields(map[string]interface{}{
		"entries": len(payload.Entries),
		"groups":  len(payload.Groups),
	}).Info("Legacy vault imported")
	return result, nil
}

// verifyGen4Trailer checks the 32-byte header hash and the 32-byte
// header HMAC that follow the gen-4 header. A hash mismatch means the
// file is damaged; an HMAC mismatch means the key is wrong. It returns
// the encrypted body past the trailer.
func verifyGen4Trailer(header *fileHeader, body, masterKey []byte, off int64) ([]byte, error) {
	if len(body) < 64 {
		return nil, parseError(off, 0, "truncated file: missing header hash and HMAC", nil)
	}
	storedHash, storedMAC := body[:32], body[32:64]

	wantHash := header.headerSHA256()
	if !bytes.Equal(storedHash, wantHash[:]) {
		return nil, parseError(off, 0, "header hash mismatch", models.ErrCorruptVault)
	}

	key := hmacKey(header.masterSeed, masterKey)
	defer crypto.Zero(key)
	mac := hmac.New(sha256.New, key)
	mac.Write(header.rawHeader)
	if !hmac.Equal(storedMAC, mac.Sum(nil)) {
		return nil, models.ErrWrongPassword
	}
	return body[64:], nil
}

// decryptBody applies the cipher selected by the header's cipher id.
func decryptBody(header *fileHeader, body, masterKey []byte, off int64) ([]byte, error) {
	switch {
	case bytes.Equal(header.cipherID, cipherAES256CBC):
		return decryptAESCBC(body, masterKey, header.encryptionIV, off)
	case bytes.Equal(header.cipherID, cipherChaCha20):
		return decryptChaCha20(body, masterKey, header.encryptionIV)
	}
	return nil, parseError(off, fieldCipherID, "unknown cipher id", nil)
}

func decryptAESCBC(body, key, iv []byte, off int64) ([]byte, error) {
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, parseError(off, 0, "encrypted body is not a whole number of cipher blocks", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)
	return pkcs7Unpad(plaintext)
}

func decryptChaCha20(body, key, nonce []byte) ([]byte, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body))
	stream.XORKeyStream(plaintext, body)
	return plaintext, nil
}

// pkcs7Unpad strips CBC padding. Bad padding after decryption means the
// key was wrong; no finer diagnosis is available or given.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, models.ErrWrongPassword
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, models.ErrWrongPassword
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, models.ErrWrongPassword
		}
	}
	return data[:len(data)-n], nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
