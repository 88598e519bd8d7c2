// Package crypto provides the Noise primitives used by the handshake and the
// encrypted transport: X25519 key agreement, a 32-byte hash and an AEAD
// cipher, bundled per cipher suite.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	KeyLen   = 32
	HashLen  = 32
	TagLen   = 16
	nonceLen = 12
)

var (
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrUnknownSuite     = errors.New("crypto: unknown cipher suite")
)

// Key is an X25519 private or public key, or a symmetric cipher key
type Key [KeyLen]byte

// Backend bundles the primitives of one Noise cipher suite
type Backend interface {
	// Name is the Noise protocol name of the suite
	Name() string
	// PublicKey derives the X25519 public key of priv
	PublicKey(priv Key) (Key, error)
	// DH performs X25519 and rejects low-order results
	DH(priv, pub Key) (Key, error)
	// NewHash returns a fresh hash with a HashLen digest
	NewHash() hash.Hash
	// Encrypt seals plaintext, appending a TagLen authentication tag
	Encrypt(key Key, nonce uint64, ad, plaintext []byte) ([]byte, error)
	// Decrypt opens ciphertext produced by Encrypt
	Decrypt(key Key, nonce uint64, ad, ciphertext []byte) ([]byte, error)
	// Random fills b from the backend's randomness source
	Random(b []byte) error
}

// Option configures a backend
type Option func(*suite)

// WithRandom replaces crypto/rand as the randomness source
func WithRandom(r io.Reader) Option {
	return func(s *suite) {
		s.random = r
	}
}

type suite struct {
	name    string
	newHash func() hash.Hash
	newAEAD func(key []byte) (cipher.AEAD, error)
	nonce   func(dst []byte, n uint64)
	random  io.Reader
}

// AESGCMSHA256 returns the Noise_XX_25519_AESGCM_SHA256 backend used on the wire
func AESGCMSHA256(opts ...Option) Backend {
	s := &suite{
		name:    "Noise_XX_25519_AESGCM_SHA256",
		newHash: sha256.New,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
		// 32 bits of zeros followed by the big-endian counter
		nonce: func(dst []byte, n uint64) {
			binary.BigEndian.PutUint64(dst[4:], n)
		},
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChaChaPolyBLAKE2s returns the Noise_XX_25519_ChaChaPoly_BLAKE2s backend
func ChaChaPolyBLAKE2s(opts ...Option) Backend {
	s := &suite{
		name: "Noise_XX_25519_ChaChaPoly_BLAKE2s",
		newHash: func() hash.Hash {
			h, _ := blake2s.New256(nil)
			return h
		},
		newAEAD: chacha20poly1305.New,
		// 32 bits of zeros followed by the little-endian counter
		nonce: func(dst []byte, n uint64) {
			binary.LittleEndian.PutUint64(dst[4:], n)
		},
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBackend returns the backend registered under a configuration name
func NewBackend(name string, opts ...Option) (Backend, error) {
	switch name {
	case "", "aesgcm-sha256":
		return AESGCMSHA256(opts...), nil
	case "chachapoly-blake2s":
		return ChaChaPolyBLAKE2s(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
}

func (s *suite) Name() string {
	return s.name
}

func (s *suite) PublicKey(priv Key) (Key, error) {
	var pub Key
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], out)
	return pub, nil
}

func (s *suite) DH(priv, pub Key) (Key, error) {
	var shared Key
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(shared[:], out)
	return shared, nil
}

func (s *suite) NewHash() hash.Hash {
	return s.newHash()
}

func (s *suite) Encrypt(key Key, n uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := s.newAEAD(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [nonceLen]byte
	s.nonce(nonce[:], n)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func (s *suite) Decrypt(key Key, n uint64, ad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagLen {
		return nil, ErrDecryptionFailed
	}
	aead, err := s.newAEAD(key[:])
	if err != nil {
		return nil, err
	}
	var nonce [nonceLen]byte
	s.nonce(nonce[:], n)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *suite) Random(b []byte) error {
	_, err := io.ReadFull(s.random, b)
	return err
}

// Digest hashes the concatenation of parts with the backend's hash
func Digest(b Backend, parts ...[]byte) [HashLen]byte {
	h := b.NewHash()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}
