package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// GenerateKey returns a new X25519 private key drawn from the backend
func GenerateKey(b Backend) (Key, error) {
	var k Key
	if err := b.Random(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// GenerateKeyPair returns a new private key and its public key
func GenerateKeyPair(b Backend) (priv, pub Key, err error) {
	priv, err = GenerateKey(b)
	if err != nil {
		return priv, pub, err
	}
	pub, err = b.PublicKey(priv)
	return priv, pub, err
}

// ParseKey decodes a hex encoded key
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeyLen {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// String returns the hex encoding of the key
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether every byte of the key is zero
func (k Key) IsZero() bool {
	return k == Key{}
}

// SaveKeyToFile writes a hex encoded key readable only by the owner
func SaveKeyToFile(filename string, k Key) error {
	return os.WriteFile(filename, []byte(k.String()+"\n"), 0600)
}

// LoadKeyFromFile reads a key written by SaveKeyToFile
func LoadKeyFromFile(filename string) (Key, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Key{}, err
	}
	return ParseKey(string(data))
}
