package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20", false},
		{"trailing newline", "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20\n", false},
		{"short", "0102", true},
		{"not hex", "zz02030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseKey(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, byte(0x01), k[0])
			assert.Equal(t, byte(0x20), k[31])
		})
	}
}

func TestSaveLoadKey(t *testing.T) {
	b := AESGCMSHA256()
	k, err := GenerateKey(b)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "static.key")
	require.NoError(t, SaveKeyToFile(path, k))

	loaded, err := LoadKeyFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, k, loaded)
	assert.False(t, loaded.IsZero())
	assert.True(t, Key{}.IsZero())
}

func TestSealOpen(t *testing.T) {
	key := DeriveStorageKey("correct horse")
	assert.Equal(t, key, DeriveStorageKey("correct horse"))
	assert.NotEqual(t, key, DeriveStorageKey("battery staple"))

	sealed, err := Seal(key, []byte("host static key"))
	require.NoError(t, err)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("host static key"), opened)

	_, err = Open(DeriveStorageKey("battery staple"), sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Open(key, sealed[:4])
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	var a, b Key
	b[0] = 1
	assert.Len(t, Fingerprint(a), 16)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, Fingerprint(b), Fingerprint(b))
}
