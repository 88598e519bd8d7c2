package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ZentaChain/thp/pkg/crypto"
)

type handshakeResult struct {
	keys       ResponderKeys
	completion Completion
	host       *Transport
	device     *Transport
	unlock     bool
	devicePub  crypto.Key
}

func runHandshake(t *testing.T, b crypto.Backend, hostProps, deviceProps []byte, tryToUnlock bool, credential []byte) handshakeResult {
	t.Helper()
	deviceStatic, devicePub, err := crypto.GenerateKeyPair(b)
	require.NoError(t, err)
	hostStatic, err := crypto.GenerateKey(b)
	require.NoError(t, err)

	host, err := NewInitiator(b, hostProps)
	require.NoError(t, err)
	device, err := NewResponder(b, deviceStatic, deviceProps)
	require.NoError(t, err)

	msg1, err := host.InitiationRequest(tryToUnlock)
	require.NoError(t, err)
	require.Len(t, msg1, crypto.KeyLen+1)

	unlock, err := device.ReadInitiationRequest(msg1)
	require.NoError(t, err)

	msg2, err := device.InitiationResponse()
	require.NoError(t, err)
	require.Len(t, msg2, InitiationResponseLen)

	keys, err := host.ReadInitiationResponse(msg2)
	require.NoError(t, err)

	msg3, hostTransport, err := host.CompletionRequest(hostStatic, credential)
	require.NoError(t, err)

	completion, deviceTransport, err := device.ReadCompletionRequest(msg3)
	require.NoError(t, err)

	hostPub, err := b.PublicKey(hostStatic)
	require.NoError(t, err)
	assert.Equal(t, hostPub, completion.HostStaticKey)

	return handshakeResult{
		keys:       keys,
		completion: completion,
		host:       hostTransport,
		device:     deviceTransport,
		unlock:     unlock,
		devicePub:  devicePub,
	}
}

func TestHandshake(t *testing.T) {
	props := []byte("device properties")
	for _, b := range []crypto.Backend{crypto.AESGCMSHA256(), crypto.ChaChaPolyBLAKE2s()} {
		t.Run(b.Name(), func(t *testing.T) {
			res := runHandshake(t, b, props, props, true, []byte("credential"))

			assert.True(t, res.unlock)
			assert.Equal(t, []byte("credential"), res.completion.Credential)
			assert.Equal(t, res.host.HandshakeHash(), res.device.HandshakeHash())

			masked, err := crypto.MaskPublicKey(b, res.devicePub, res.keys.Ephemeral)
			require.NoError(t, err)
			assert.Equal(t, masked, res.keys.MaskedStatic)
			assert.NotEqual(t, res.devicePub, res.keys.MaskedStatic)

			// Completion response: pairing state under the first device nonce.
			ct, err := res.device.Encrypt([]byte{1})
			require.NoError(t, err)
			pt, err := res.host.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, []byte{1}, pt)

			for i := 0; i < 3; i++ {
				ct, err := res.host.Encrypt([]byte("to device"))
				require.NoError(t, err)
				pt, err := res.device.Decrypt(ct)
				require.NoError(t, err)
				assert.Equal(t, []byte("to device"), pt)
			}
		})
	}
}

func TestHandshakeWithoutCredential(t *testing.T) {
	res := runHandshake(t, crypto.AESGCMSHA256(), nil, nil, false, nil)
	assert.False(t, res.unlock)
	assert.Empty(t, res.completion.Credential)
}

func TestTransportDecryptFailureKeepsNonce(t *testing.T) {
	res := runHandshake(t, crypto.AESGCMSHA256(), nil, nil, false, nil)

	ct, err := res.host.Encrypt([]byte("hello"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xff
	_, err = res.device.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	pt, err := res.device.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	// Replaying the same message fails once the nonce moved on.
	_, err = res.device.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestPrologueMismatch(t *testing.T) {
	b := crypto.AESGCMSHA256()
	deviceStatic, err := crypto.GenerateKey(b)
	require.NoError(t, err)

	host, err := NewInitiator(b, []byte("model T3W1"))
	require.NoError(t, err)
	device, err := NewResponder(b, deviceStatic, []byte("model T3B1"))
	require.NoError(t, err)

	msg1, err := host.InitiationRequest(false)
	require.NoError(t, err)
	_, err = device.ReadInitiationRequest(msg1)
	require.NoError(t, err)
	msg2, err := device.InitiationResponse()
	require.NoError(t, err)

	_, err = host.ReadInitiationResponse(msg2)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestTamperedInitiationResponse(t *testing.T) {
	b := crypto.AESGCMSHA256()
	deviceStatic, err := crypto.GenerateKey(b)
	require.NoError(t, err)
	host, err := NewInitiator(b, nil)
	require.NoError(t, err)
	device, err := NewResponder(b, deviceStatic, nil)
	require.NoError(t, err)

	msg1, err := host.InitiationRequest(false)
	require.NoError(t, err)
	_, err = device.ReadInitiationRequest(msg1)
	require.NoError(t, err)
	msg2, err := device.InitiationResponse()
	require.NoError(t, err)

	msg2[40] ^= 0x01
	_, err = host.ReadInitiationResponse(msg2)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = host.ReadInitiationResponse(msg2[:50])
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestOutOfOrder(t *testing.T) {
	b := crypto.AESGCMSHA256()
	host, err := NewInitiator(b, nil)
	require.NoError(t, err)

	_, err = host.ReadInitiationResponse(make([]byte, InitiationResponseLen))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, _, err = host.CompletionRequest(crypto.Key{1}, nil)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = host.InitiationRequest(false)
	require.NoError(t, err)
	_, err = host.InitiationRequest(false)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	deviceStatic, err := crypto.GenerateKey(b)
	require.NoError(t, err)
	device, err := NewResponder(b, deviceStatic, nil)
	require.NoError(t, err)
	_, err = device.InitiationResponse()
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, _, err = device.ReadCompletionRequest(make([]byte, 64))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = device.ReadInitiationRequest(make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestCompletionPayload(t *testing.T) {
	assert.Nil(t, EncodeCompletionPayload(nil))

	encoded := EncodeCompletionPayload([]byte{0xca, 0xfe})
	assert.Equal(t, []byte{0x0a, 0x02, 0xca, 0xfe}, encoded)

	cred, err := DecodeCompletionPayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, cred)

	// Unknown fields are skipped.
	var withExtra []byte
	withExtra = protowire.AppendTag(withExtra, 5, protowire.VarintType)
	withExtra = protowire.AppendVarint(withExtra, 300)
	withExtra = append(withExtra, encoded...)
	cred, err = DecodeCompletionPayload(withExtra)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, cred)

	cred, err = DecodeCompletionPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = DecodeCompletionPayload([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSymmetricStateLongProtocolName(t *testing.T) {
	b := crypto.ChaChaPolyBLAKE2s()
	s := NewSymmetricState(b)
	assert.Equal(t, crypto.Digest(b, []byte(b.Name())), s.HandshakeHash())

	a := crypto.AESGCMSHA256()
	s = NewSymmetricState(a)
	h := s.HandshakeHash()
	assert.Equal(t, []byte(a.Name()), h[:len(a.Name())])
	assert.Equal(t, byte(0), h[crypto.HashLen-1])
}
