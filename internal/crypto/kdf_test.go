package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/crypto"
)

func TestDeriveKey(t *testing.T) {
	salt := make([]byte, crypto.SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}

	tests := []struct {
		name    string
		secret  string
		params  crypto.KDFParams
		wantErr bool
	}{
		{
			name:   "argon2id defaults",
			secret: "correct horse battery staple",
			params: crypto.KDFParams{
				Algorithm:   crypto.KDFArgon2id,
				Salt:        salt,
				Memory:      8 * 1024,
				Iterations:  1,
				Parallelism: 1,
			},
		},
		{
			name:   "pbkdf2 legacy",
			secret: "hunter2",
			params: crypto.KDFParams{
				Algorithm:  crypto.KDFPBKDF2SHA256,
				Salt:       salt,
				Iterations: 1000,
			},
		},
		{
			name:   "unicode password",
			secret: "пароль123",
			params: crypto.KDFParams{
				Algorithm:   crypto.KDFArgon2id,
				Salt:        salt,
				Memory:      8 * 1024,
				Iterations:  1,
				Parallelism: 1,
			},
		},
		{
			name:   "missing salt",
			secret: "x",
			params: crypto.KDFParams{
				Algorithm:  crypto.KDFArgon2id,
				Memory:     8 * 1024,
				Iterations: 1,
			},
			wantErr: true,
		},
		{
			name:   "unknown algorithm",
			secret: "x",
			params: crypto.KDFParams{
				Algorithm:  "bcrypt",
				Salt:       salt,
				Iterations: 10,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := crypto.DeriveKey([]byte(tt.secret), tt.params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Len(t, key, crypto.KeySize)

			// Deterministic: same inputs, same key.
			key2, err := crypto.DeriveKey([]byte(tt.secret), tt.params)
			require.NoError(t, err)
			assert.Equal(t, key, key2)
		})
	}
}

func TestDeriveKey_DistinctSalts(t *testing.T) {
	p1, err := crypto.DefaultKDFParams()
	require.NoError(t, err)
	p2, err := crypto.DefaultKDFParams()
	require.NoError(t, err)

	assert.NotEqual(t, p1.Salt, p2.Salt)

	// Keep the test fast.
	p1.Memory, p1.Iterations = 8*1024, 1
	p2.Memory, p2.Iterations = 8*1024, 1

	k1, err := crypto.DeriveKey([]byte("same password"), p1)
	require.NoError(t, err)
	k2, err := crypto.DeriveKey([]byte("same password"), p2)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_NormalizesUnicode(t *testing.T) {
	salt := make([]byte, crypto.SaltSize)
	params := crypto.KDFParams{
		Algorithm:   crypto.KDFArgon2id,
		Salt:        salt,
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	}

	// U+00E9 vs U+0065 U+0301 normalize to the same NFKC form.
	composed, err := crypto.DeriveKey([]byte("café"), params)
	require.NoError(t, err)
	decomposed, err := crypto.DeriveKey([]byte("café"), params)
	require.NoError(t, err)

	assert.Equal(t, composed, decomposed)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	crypto.Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
