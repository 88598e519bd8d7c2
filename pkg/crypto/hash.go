package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short BLAKE2b based identifier of a public key,
// suitable for display
func Fingerprint(k Key) string {
	sum := blake2b.Sum256(k[:])
	return hex.EncodeToString(sum[:8])
}
