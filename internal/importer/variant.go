package importer

import (
	"encoding/binary"
	"fmt"
)

// Variant dictionary: a length-prefixed typed key/value map carried
// inside a single header field. Layout: uint16 format version, then
// entries of (type uint8, keyLen uint32, key, valueLen uint32, value),
// terminated by type 0.
const variantVersion uint16 = 0x0100

// Variant value type tags.
const (
	variantEnd    byte = 0x00
	variantUint32 byte = 0x04
	variantUint64 byte = 0x05
	variantBool   byte = 0x08
	variantInt32  byte = 0x0C
	variantInt64  byte = 0x0D
	variantString byte = 0x18
	variantBytes  byte = 0x42
)

// KDF parameter keys.
const (
	kdfKeySalt        = "S"
	kdfKeyIterations  = "I"
	kdfKeyMemory      = "M"
	kdfKeyParallelism = "P"
)

type variantEntry struct {
	typ   byte
	value []byte
}

type variant struct {
	entries map[string]variantEntry

	// skipped counts entries whose value type the reader did not
	// recognize; the cursor advances past them.
	skipped      int
	skippedTypes []byte
}

// parseVariant decodes a variant dictionary. base is the file offset of
// the dictionary's first byte, used for error context.
func parseVariant(data []byte, base int64) (*variant, error) {
	if len(data) < 2 {
		return nil, parseError(base, fieldKDFParams, "variant dictionary shorter than version word", nil)
	}
	ver := binary.LittleEndian.Uint16(data)
	if ver>>8 != variantVersion>>8 {
		return nil, parseError(base, fieldKDFParams,
			fmt.Sprintf("unsupported variant dictionary version 0x%04x", ver), nil)
	}

	v := &variant{entries: make(map[string]variantEntry)}
	off := 2
	for {
		if off >= len(data) {
			return nil, parseError(base+int64(off), fieldKDFParams, "variant dictionary missing terminator", nil)
		}
		typ := data[off]
		off++
		if typ == variantEnd {
			break
		}

		if off+4 > len(data) {
			return nil, parseError(base+int64(off), fieldKDFParams, "truncated variant key length", nil)
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+keyLen > len(data) {
			return nil, parseError(base+int64(off), fieldKDFParams, "truncated variant key", nil)
		}
		key := string(data[off : off+keyLen])
		off += keyLen

		if off+4 > len(data) {
			return nil, parseError(base+int64(off), fieldKDFParams, "truncated variant value length", nil)
		}
		valLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+valLen > len(data) {
			return nil, parseError(base+int64(off), fieldKDFParams, "truncated variant value", nil)
		}
		value := data[off : off+valLen]
		off += valLen

		switch typ {
		case variantUint32, variantUint64, variantBool, variantInt32, variantInt64, variantString, variantBytes:
			v.entries[key] = variantEntry{typ: typ, value: append([]byte(nil), value...)}
		default:
			// unknown value type: skip, keep reading
			v.skipped++
			v.skippedTypes = append(v.skippedTypes, typ)
		}
	}
	return v, nil
}

func (v *variant) bytes(key string) ([]byte, bool) {
	e, ok := v.entries[key]
	if !ok || e.typ != variantBytes {
		return nil, false
	}
	return e.value, true
}

func (v *variant) uint32Val(key string) (uint32, bool) {
	e, ok := v.entries[key]
	if !ok || e.typ != variantUint32 || len(e.value) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(e.value), true
}

func (v *variant) uint64Val(key string) (uint64, bool) {
	e, ok := v.entries[key]
	if !ok || e.typ != variantUint64 || len(e.value) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(e.value), true
}
