package importer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/keyfold/keyfold/internal/models"
)

// Signature is the 8-byte magic opening a legacy container.
var Signature = []byte{0x03, 0xD9, 0xA2, 0x9A, 0x67, 0xFB, 0x4B, 0xB5}

// Supported major versions. The major lives in the high 16 bits of the
// uint32 version word; the low 16 bits are a minor revision that readers
// ignore.
const (
	MajorGen3 = 3
	MajorGen4 = 4
)

// Header field ids. Id 0 terminates the header stream.
const (
	fieldEnd             byte = 0x00
	fieldComment         byte = 0x01
	fieldCipherID        byte = 0x02
	fieldCompression     byte = 0x03
	fieldMasterSeed      byte = 0x04
	fieldTransformSeed   byte = 0x05
	fieldTransformRounds byte = 0x06
	fieldEncryptionIV    byte = 0x07
	fieldStreamStart     byte = 0x09
	fieldKDFParams       byte = 0x0B
)

// Cipher ids (16-byte tags recorded in the cipher field).
var (
	cipherAES256CBC = []byte{
		0x31, 0xC1, 0xF2, 0xE6, 0xBF, 0x71, 0x43, 0x50,
		0xBE, 0x58, 0x05, 0x21, 0x6A, 0xFC, 0x5A, 0xFF,
	}
	cipherChaCha20 = []byte{
		0xD6, 0x03, 0x8A, 0x2B, 0x8B, 0x6F, 0x4C, 0xB5,
		0xA5, 0x24, 0x33, 0x9A, 0x31, 0xDB, 0xB5, 0x9A,
	}
)

const (
	compressionNone uint32 = 0
	compressionGzip uint32 = 1
)

// fileHeader is everything parsed ahead of the encrypted body.
type fileHeader struct {
	major uint16
	minor uint16

	cipherID        []byte
	compression     uint32
	masterSeed      []byte
	transformSeed   []byte // gen-3
	transformRounds uint64 // gen-3
	encryptionIV    []byte
	streamStart     []byte   // gen-3, first bytes of the decrypted body
	kdfParams       *variant // gen-4

	// rawHeader is the exact byte span from signature through the end
	// record, hashed and HMAC'd in gen-4.
	rawHeader []byte

	skippedFields []byte // unknown optional ids, for diagnostics
}

// parseError builds a fatal ImportParseError at the given offset.
func parseError(offset int64, fieldID byte, reason string, err error) error {
	return &models.ImportParseError{Offset: offset, FieldID: fieldID, Reason: reason, Err: err}
}

// parseHeader reads the signature, version word, and header records from
// data. It returns the header and the offset of the first byte past it.
func parseHeader(data []byte) (*fileHeader, int64, error) {
	if len(data) < len(Signature)+4 {
		return nil, 0, parseError(int64(len(data)), 0, "file shorter than signature", nil)
	}
	if !bytes.Equal(data[:len(Signature)], Signature) {
		return nil, 0, parseError(0, 0, "signature mismatch", nil)
	}

	version := binary.LittleEndian.Uint32(data[len(Signature):])
	h := &fileHeader{
		major: uint16(version >> 16),
		minor: uint16(version & 0xFFFF),
	}
	if h.major != MajorGen3 && h.major != MajorGen4 {
		return nil, 0, parseError(int64(len(Signature)), 0,
			fmt.Sprintf("unsupported major version %d", h.major), models.ErrUnsupportedVersion)
	}

	off := int64(len(Signature) + 4)
	for {
		if off >= int64(len(data)) {
			return nil, 0, parseError(off, 0, "truncated header: missing end record", nil)
		}
		fieldID := data[off]
		off++

		length, n, err := readFieldLength(data, off, h.major, fieldID)
		if err != nil {
			return nil, 0, err
		}
		off += n

		if off+length > int64(len(data)) {
			return nil, 0, parseError(off, fieldID, "truncated header: field value runs past end of file", nil)
		}
		value := data[off : off+length]
		off += length

		if fieldID == fieldEnd {
			break
		}
		if err := h.setField(fieldID, value, off-length); err != nil {
			return nil, 0, err
		}
	}

	h.rawHeader = data[:off]
	if err := h.validate(off); err != nil {
		return nil, 0, err
	}
	return h, off, nil
}

// readFieldLength reads the length prefix of a header record: uint16 in
// gen-3, uint32 in gen-4.
func readFieldLength(data []byte, off int64, major uint16, fieldID byte) (length, n int64, err error) {
	if major == MajorGen3 {
		if off+2 > int64(len(data)) {
			return 0, 0, parseError(off, fieldID, "truncated header: no room for field length", nil)
		}
		return int64(binary.LittleEndian.Uint16(data[off:])), 2, nil
	}
	if off+4 > int64(len(data)) {
		return 0, 0, parseError(off, fieldID, "truncated header: no room for field length", nil)
	}
	return int64(binary.LittleEndian.Uint32(data[off:])), 4, nil
}

// setField assigns one header record. Unknown ids are recorded and
// skipped; the cursor has already advanced past the value.
func (h *fileHeader) setField(fieldID byte, value []byte, offset int64) error {
	switch fieldID {
	case fieldComment:
		// informational, ignored
	case fieldCipherID:
		if len(value) != 16 {
			return parseError(offset, fieldID, "cipher id must be 16 bytes", nil)
		}
		h.cipherID = append([]byte(nil), value...)
	case fieldCompression:
		if len(value) != 4 {
			return parseError(offset, fieldID, "compression flags must be 4 bytes", nil)
		}
		h.compression = binary.LittleEndian.Uint32(value)
	case fieldMasterSeed:
		if len(value) != 32 {
			return parseError(offset, fieldID, "master seed must be 32 bytes", nil)
		}
		h.masterSeed = append([]byte(nil), value...)
	case fieldTransformSeed:
		if len(value) != 32 {
			return parseError(offset, fieldID, "transform seed must be 32 bytes", nil)
		}
		h.transformSeed = append([]byte(nil), value...)
	case fieldTransformRounds:
		if len(value) != 8 {
			return parseError(offset, fieldID, "transform rounds must be 8 bytes", nil)
		}
		h.transformRounds = binary.LittleEndian.Uint64(value)
	case fieldEncryptionIV:
		h.encryptionIV = append([]byte(nil), value...)
	case fieldStreamStart:
		h.streamStart = append([]byte(nil), value...)
	case fieldKDFParams:
		v, err := parseVariant(value, offset)
		if err != nil {
			return err
		}
		h.kdfParams = v
	default:
		h.skippedFields = append(h.skippedFields, fieldID)
	}
	return nil
}

// validate checks that every field mandatory for the generation arrived.
func (h *fileHeader) validate(offset int64) error {
	if h.cipherID == nil {
		return parseError(offset, fieldCipherID, "missing cipher id", nil)
	}
	if !bytes.Equal(h.cipherID, cipherAES256CBC) && !bytes.Equal(h.cipherID, cipherChaCha20) {
		return parseError(offset, fieldCipherID, "unknown cipher id", nil)
	}
	if h.masterSeed == nil {
		return parseError(offset, fieldMasterSeed, "missing master seed", nil)
	}
	if h.encryptionIV == nil {
		return parseError(offset, fieldEncryptionIV, "missing encryption IV", nil)
	}
	wantIV := 16
	if bytes.Equal(h.cipherID, cipherChaCha20) {
		wantIV = 12
	}
	if len(h.encryptionIV) != wantIV {
		return parseError(offset, fieldEncryptionIV,
			fmt.Sprintf("encryption IV must be %d bytes for this cipher", wantIV), nil)
	}

	switch h.major {
	case MajorGen3:
		if h.transformSeed == nil {
			return parseError(offset, fieldTransformSeed, "missing transform seed", nil)
		}
		if h.transformRounds == 0 {
			return parseError(offset, fieldTransformRounds, "missing transform rounds", nil)
		}
		if len(h.streamStart) != 32 {
			return parseError(offset, fieldStreamStart, "missing stream start bytes", nil)
		}
	case MajorGen4:
		if h.kdfParams == nil {
			return parseError(offset, fieldKDFParams, "missing KDF parameters", nil)
		}
	}
	return nil
}

// headerSHA256 hashes the raw header span for gen-4 corruption checks.
func (h *fileHeader) headerSHA256() [32]byte {
	return sha256.Sum256(h.rawHeader)
}
