package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/models"
)

func newTestEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	engine, err := crypto.NewEngine()
	require.NoError(t, err)
	return engine
}

func TestEngine_RoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name      string
		plaintext []byte
		ad        []byte
	}{
		{"small payload", []byte("secret"), []byte("entry:1")},
		{"empty plaintext", []byte{}, []byte("entry:2")},
		{"binary payload", []byte{0x00, 0xff, 0x7f, 0x80}, []byte("attachment:3")},
		{"empty associated data uses sentinel", []byte("data"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := engine.Encrypt(tt.plaintext, tt.ad)
			require.NoError(t, err)
			assert.Equal(t, crypto.AlgorithmAESGCM, ct.Algorithm)
			assert.Equal(t, engine.PrimaryKeyID(), ct.KeyID)

			plain, err := engine.Decrypt(ct, tt.ad)
			require.NoError(t, err)
			assert.Equal(t, string(tt.plaintext), string(plain))
		})
	}
}

func TestEngine_AssociatedDataBinding(t *testing.T) {
	engine := newTestEngine(t)

	ct, err := engine.Encrypt([]byte("payload"), []byte("vault:a"))
	require.NoError(t, err)

	// Replaying into a different context must fail.
	_, err = engine.Decrypt(ct, []byte("vault:b"))
	assert.ErrorIs(t, err, models.ErrIntegrity)

	// Empty AD is a sentinel, not a wildcard.
	_, err = engine.Decrypt(ct, nil)
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestEngine_TamperDetection(t *testing.T) {
	engine := newTestEngine(t)

	ct, err := engine.Encrypt([]byte("important data"), []byte("ctx"))
	require.NoError(t, err)

	for i := 0; i < len(ct.Data); i += 7 {
		tampered := *ct
		tampered.Data = append([]byte(nil), ct.Data...)
		tampered.Data[i] ^= 0x01

		_, err := engine.Decrypt(&tampered, []byte("ctx"))
		assert.ErrorIs(t, err, models.ErrIntegrity, "flipped bit at byte %d", i)
	}
}

func TestEngine_WrongEngine(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	ct, err := a.Encrypt([]byte("data"), []byte("ctx"))
	require.NoError(t, err)

	// Engine b doesn't know a's key id.
	_, err = b.Decrypt(ct, []byte("ctx"))
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestEngine_Rotate(t *testing.T) {
	engine := newTestEngine(t)
	oldID := engine.PrimaryKeyID()

	before, err := engine.Encrypt([]byte("pre-rotation"), []byte("ctx"))
	require.NoError(t, err)

	newID, err := engine.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, newID, engine.PrimaryKeyID())
	assert.Equal(t, 2, engine.KeyCount())

	// Old ciphertext still resolves through its recorded key id.
	plain, err := engine.Decrypt(before, []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), plain)

	// New ciphertext uses the new primary.
	after, err := engine.Encrypt([]byte("post-rotation"), []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, newID, after.KeyID)
}

func TestEngine_ExportImport(t *testing.T) {
	engine := newTestEngine(t)
	wrapKey := make([]byte, crypto.KeySize)
	for i := range wrapKey {
		wrapKey[i] = byte(i * 3)
	}

	ct, err := engine.Encrypt([]byte("survives export"), []byte("ctx"))
	require.NoError(t, err)

	blob, err := engine.ExportKeyset(wrapKey)
	require.NoError(t, err)

	restored, err := crypto.ImportKeyset(blob, wrapKey)
	require.NoError(t, err)
	assert.Equal(t, engine.PrimaryKeyID(), restored.PrimaryKeyID())

	plain, err := restored.Decrypt(ct, []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, []byte("survives export"), plain)
}

func TestEngine_ImportWrongKey(t *testing.T) {
	engine := newTestEngine(t)
	wrapKey := make([]byte, crypto.KeySize)
	blob, err := engine.ExportKeyset(wrapKey)
	require.NoError(t, err)

	wrong := make([]byte, crypto.KeySize)
	wrong[0] = 1

	_, err = crypto.ImportKeyset(blob, wrong)
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestEngine_ExportBeforeRotationCannotReadAfter(t *testing.T) {
	engine := newTestEngine(t)
	wrapKey := make([]byte, crypto.KeySize)

	blob, err := engine.ExportKeyset(wrapKey)
	require.NoError(t, err)

	_, err = engine.Rotate()
	require.NoError(t, err)

	after, err := engine.Encrypt([]byte("new key only"), []byte("ctx"))
	require.NoError(t, err)

	stale, err := crypto.ImportKeyset(blob, wrapKey)
	require.NoError(t, err)

	// The stale export predates the rotated key.
	_, err = stale.Decrypt(after, []byte("ctx"))
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestEngine_DecryptMalformed(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Decrypt(nil, nil)
	assert.ErrorIs(t, err, models.ErrCorruptVault)

	_, err = engine.Decrypt(&crypto.Ciphertext{Nonce: []byte{1}, Data: []byte{2}}, nil)
	assert.ErrorIs(t, err, models.ErrCorruptVault)

	_, err = engine.Decrypt(&crypto.Ciphertext{
		Algorithm: "xchacha20",
		KeyID:     engine.PrimaryKeyID(),
		Nonce:     make([]byte, crypto.NonceSize),
		Data:      []byte{1, 2, 3},
	}, nil)
	assert.ErrorIs(t, err, models.ErrUnsupportedVersion)
}
