// Package handshake implements the Noise XX handshake between host and
// device, with the device's static key masked by its ephemeral key, and the
// cipher states of the resulting encrypted transport.
package handshake

import (
	"errors"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/ZentaChain/thp/pkg/crypto"
)

var (
	ErrInvalidMessage   = errors.New("handshake: invalid message")
	ErrDecryptionFailed = errors.New("handshake: decryption failed")
	ErrOutOfOrder       = errors.New("handshake: message out of order")
	ErrNonceExhausted   = errors.New("handshake: nonce exhausted")
)

// CipherState keeps the state of a cipher with a key and nonce
type CipherState struct {
	b      crypto.Backend
	key    crypto.Key
	hasKey bool
	nonce  uint64
}

func (c *CipherState) initializeKey(k crypto.Key) {
	c.key = k
	c.hasKey = true
	c.nonce = 0
}

// HasKey reports whether the cipher has been keyed
func (c *CipherState) HasKey() bool {
	return c.hasKey
}

// Nonce returns the counter of the next operation
func (c *CipherState) Nonce() uint64 {
	return c.nonce
}

// EncryptWithAD encrypts plaintext and advances the nonce. Without a key the
// plaintext is returned as is.
func (c *CipherState) EncryptWithAD(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), plaintext...), nil
	}
	if c.nonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	ct, err := c.b.Encrypt(c.key, c.nonce, ad, plaintext)
	if err != nil {
		return nil, err
	}
	c.nonce++
	return ct, nil
}

// DecryptWithAD decrypts ciphertext. The nonce only advances on success so a
// retransmitted message can be decrypted again.
func (c *CipherState) DecryptWithAD(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), ciphertext...), nil
	}
	if c.nonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	pt, err := c.b.Decrypt(c.key, c.nonce, ad, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	c.nonce++
	return pt, nil
}

// SymmetricState keeps the chaining key and handshake hash shared by both
// sides
type SymmetricState struct {
	b           crypto.Backend
	cipher      CipherState
	chainingKey [crypto.HashLen]byte
	hash        [crypto.HashLen]byte
}

// NewSymmetricState initialises the state from the backend's protocol name
func NewSymmetricState(b crypto.Backend) *SymmetricState {
	s := &SymmetricState{b: b, cipher: CipherState{b: b}}
	name := []byte(b.Name())
	if len(name) <= crypto.HashLen {
		copy(s.hash[:], name)
	} else {
		s.hash = crypto.Digest(b, name)
	}
	s.chainingKey = s.hash
	return s
}

// MixHash absorbs data into the handshake hash
func (s *SymmetricState) MixHash(data []byte) {
	s.hash = crypto.Digest(s.b, s.hash[:], data)
}

// MixKey derives a new chaining key and cipher key from key material
func (s *SymmetricState) MixKey(ikm []byte) error {
	ck, k, err := s.hkdf2(ikm)
	if err != nil {
		return err
	}
	s.chainingKey = ck
	s.cipher.initializeKey(k)
	return nil
}

// EncryptAndHash encrypts plaintext under the handshake hash and absorbs the
// ciphertext
func (s *SymmetricState) EncryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cipher.EncryptWithAD(s.hash[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.MixHash(ct)
	return ct, nil
}

// DecryptAndHash reverses EncryptAndHash
func (s *SymmetricState) DecryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.cipher.DecryptWithAD(s.hash[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.MixHash(ciphertext)
	return pt, nil
}

// Split derives the two transport cipher states, initiator to responder
// first
func (s *SymmetricState) Split() (*CipherState, *CipherState, error) {
	k1, k2, err := s.hkdf2(nil)
	if err != nil {
		return nil, nil, err
	}
	c1 := &CipherState{b: s.b}
	c1.initializeKey(k1)
	c2 := &CipherState{b: s.b}
	c2.initializeKey(k2)
	return c1, c2, nil
}

// HandshakeHash returns the current handshake hash
func (s *SymmetricState) HandshakeHash() [crypto.HashLen]byte {
	return s.hash
}

func (s *SymmetricState) hkdf2(ikm []byte) ([crypto.HashLen]byte, crypto.Key, error) {
	var out1 [crypto.HashLen]byte
	var out2 crypto.Key
	r := hkdf.New(s.b.NewHash, ikm, s.chainingKey[:], nil)
	if _, err := io.ReadFull(r, out1[:]); err != nil {
		return out1, out2, err
	}
	if _, err := io.ReadFull(r, out2[:]); err != nil {
		return out1, out2, err
	}
	return out1, out2, nil
}

// Transport holds the cipher states of an established channel
type Transport struct {
	send *CipherState
	recv *CipherState
	hash [crypto.HashLen]byte
}

// Encrypt seals an outgoing transport message
func (t *Transport) Encrypt(plaintext []byte) ([]byte, error) {
	return t.send.EncryptWithAD(nil, plaintext)
}

// Decrypt opens an incoming transport message
func (t *Transport) Decrypt(ciphertext []byte) ([]byte, error) {
	return t.recv.DecryptWithAD(nil, ciphertext)
}

// HandshakeHash returns the hash binding the channel to its handshake
func (t *Transport) HandshakeHash() [crypto.HashLen]byte {
	return t.hash
}
