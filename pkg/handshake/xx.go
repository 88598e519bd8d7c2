package handshake

import (
	"fmt"

	"github.com/ZentaChain/thp/pkg/crypto"
)

const (
	// InitiationResponseLen is e + encrypted masked s + empty payload tag
	InitiationResponseLen = crypto.KeyLen + crypto.KeyLen + crypto.TagLen + crypto.TagLen
	encryptedKeyLen       = crypto.KeyLen + crypto.TagLen
)

// ResponderKeys are the device keys learned from the initiation response
type ResponderKeys struct {
	Ephemeral    crypto.Key
	MaskedStatic crypto.Key
}

// Completion is what the device learns from the completion request
type Completion struct {
	HostStaticKey crypto.Key
	Credential    []byte
}

type initiatorStep int

const (
	initiatorStart initiatorStep = iota
	initiatorSentRequest
	initiatorReadResponse
	initiatorDone
)

// Initiator runs the host side of the handshake
type Initiator struct {
	b    crypto.Backend
	sym  *SymmetricState
	e    crypto.Key
	ePub crypto.Key
	re   crypto.Key
	rs   crypto.Key
	step initiatorStep
}

// NewInitiator starts a handshake bound to the device properties as
// prologue
func NewInitiator(b crypto.Backend, prologue []byte) (*Initiator, error) {
	e, ePub, err := crypto.GenerateKeyPair(b)
	if err != nil {
		return nil, err
	}
	sym := NewSymmetricState(b)
	sym.MixHash(prologue)
	return &Initiator{b: b, sym: sym, e: e, ePub: ePub}, nil
}

// InitiationRequest returns the first handshake message: the host ephemeral
// key followed by the try-to-unlock flag
func (i *Initiator) InitiationRequest(tryToUnlock bool) ([]byte, error) {
	if i.step != initiatorStart {
		return nil, ErrOutOfOrder
	}
	i.sym.MixHash(i.ePub[:])
	flag := []byte{0}
	if tryToUnlock {
		flag[0] = 1
	}
	payload, err := i.sym.EncryptAndHash(flag)
	if err != nil {
		return nil, err
	}
	i.step = initiatorSentRequest
	return append(i.ePub[:len(i.ePub):len(i.ePub)], payload...), nil
}

// ReadInitiationResponse processes the device's ephemeral and masked static
// keys
func (i *Initiator) ReadInitiationResponse(msg []byte) (ResponderKeys, error) {
	if i.step != initiatorSentRequest {
		return ResponderKeys{}, ErrOutOfOrder
	}
	if len(msg) != InitiationResponseLen {
		return ResponderKeys{}, fmt.Errorf("%w: initiation response length %d", ErrInvalidMessage, len(msg))
	}

	copy(i.re[:], msg[:crypto.KeyLen])
	i.sym.MixHash(i.re[:])
	ee, err := i.b.DH(i.e, i.re)
	if err != nil {
		return ResponderKeys{}, err
	}
	if err := i.sym.MixKey(ee[:]); err != nil {
		return ResponderKeys{}, err
	}

	rs, err := i.sym.DecryptAndHash(msg[crypto.KeyLen : crypto.KeyLen+encryptedKeyLen])
	if err != nil {
		return ResponderKeys{}, err
	}
	copy(i.rs[:], rs)
	es, err := i.b.DH(i.e, i.rs)
	if err != nil {
		return ResponderKeys{}, err
	}
	if err := i.sym.MixKey(es[:]); err != nil {
		return ResponderKeys{}, err
	}

	payload, err := i.sym.DecryptAndHash(msg[crypto.KeyLen+encryptedKeyLen:])
	if err != nil {
		return ResponderKeys{}, err
	}
	if len(payload) != 0 {
		return ResponderKeys{}, fmt.Errorf("%w: unexpected initiation response payload", ErrInvalidMessage)
	}
	i.step = initiatorReadResponse
	return ResponderKeys{Ephemeral: i.re, MaskedStatic: i.rs}, nil
}

// CompletionRequest returns the third handshake message carrying the host
// static key and pairing credential, and the resulting transport ciphers
func (i *Initiator) CompletionRequest(staticPriv crypto.Key, credential []byte) ([]byte, *Transport, error) {
	if i.step != initiatorReadResponse {
		return nil, nil, ErrOutOfOrder
	}
	sPub, err := i.b.PublicKey(staticPriv)
	if err != nil {
		return nil, nil, err
	}
	encS, err := i.sym.EncryptAndHash(sPub[:])
	if err != nil {
		return nil, nil, err
	}
	se, err := i.b.DH(staticPriv, i.re)
	if err != nil {
		return nil, nil, err
	}
	if err := i.sym.MixKey(se[:]); err != nil {
		return nil, nil, err
	}
	encPayload, err := i.sym.EncryptAndHash(EncodeCompletionPayload(credential))
	if err != nil {
		return nil, nil, err
	}

	send, recv, err := i.sym.Split()
	if err != nil {
		return nil, nil, err
	}
	i.step = initiatorDone
	return append(encS, encPayload...), &Transport{send: send, recv: recv, hash: i.sym.HandshakeHash()}, nil
}

type responderStep int

const (
	responderStart responderStep = iota
	responderReadRequest
	responderSentResponse
	responderDone
)

// Responder runs the device side of the handshake
type Responder struct {
	b    crypto.Backend
	sym  *SymmetricState
	s    crypto.Key
	sPub crypto.Key
	e    crypto.Key
	ePub crypto.Key
	re   crypto.Key
	step responderStep
}

// NewResponder starts a handshake for the device static key staticPriv
func NewResponder(b crypto.Backend, staticPriv crypto.Key, prologue []byte) (*Responder, error) {
	sPub, err := b.PublicKey(staticPriv)
	if err != nil {
		return nil, err
	}
	e, ePub, err := crypto.GenerateKeyPair(b)
	if err != nil {
		return nil, err
	}
	sym := NewSymmetricState(b)
	sym.MixHash(prologue)
	return &Responder{b: b, sym: sym, s: staticPriv, sPub: sPub, e: e, ePub: ePub}, nil
}

// ReadInitiationRequest processes the host ephemeral key and returns the
// try-to-unlock flag
func (r *Responder) ReadInitiationRequest(msg []byte) (bool, error) {
	if r.step != responderStart {
		return false, ErrOutOfOrder
	}
	if len(msg) < crypto.KeyLen {
		return false, fmt.Errorf("%w: initiation request length %d", ErrInvalidMessage, len(msg))
	}
	copy(r.re[:], msg[:crypto.KeyLen])
	r.sym.MixHash(r.re[:])
	payload, err := r.sym.DecryptAndHash(msg[crypto.KeyLen:])
	if err != nil {
		return false, err
	}
	r.step = responderReadRequest
	return len(payload) > 0 && payload[0] == 1, nil
}

// InitiationResponse returns the second handshake message: the device
// ephemeral key and its masked static key
func (r *Responder) InitiationResponse() ([]byte, error) {
	if r.step != responderReadRequest {
		return nil, ErrOutOfOrder
	}
	r.sym.MixHash(r.ePub[:])
	ee, err := r.b.DH(r.e, r.re)
	if err != nil {
		return nil, err
	}
	if err := r.sym.MixKey(ee[:]); err != nil {
		return nil, err
	}

	masked, err := crypto.MaskPublicKey(r.b, r.sPub, r.ePub)
	if err != nil {
		return nil, err
	}
	encS, err := r.sym.EncryptAndHash(masked[:])
	if err != nil {
		return nil, err
	}
	es, err := crypto.MaskedDH(r.b, r.s, crypto.StaticMask(r.b, r.sPub, r.ePub), r.re)
	if err != nil {
		return nil, err
	}
	if err := r.sym.MixKey(es[:]); err != nil {
		return nil, err
	}
	encPayload, err := r.sym.EncryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 0, InitiationResponseLen)
	msg = append(msg, r.ePub[:]...)
	msg = append(msg, encS...)
	msg = append(msg, encPayload...)
	r.step = responderSentResponse
	return msg, nil
}

// ReadCompletionRequest processes the host static key and credential and
// returns the transport ciphers
func (r *Responder) ReadCompletionRequest(msg []byte) (Completion, *Transport, error) {
	if r.step != responderSentResponse {
		return Completion{}, nil, ErrOutOfOrder
	}
	if len(msg) < encryptedKeyLen+crypto.TagLen {
		return Completion{}, nil, fmt.Errorf("%w: completion request length %d", ErrInvalidMessage, len(msg))
	}
	hostStatic, err := r.sym.DecryptAndHash(msg[:encryptedKeyLen])
	if err != nil {
		return Completion{}, nil, err
	}
	var c Completion
	copy(c.HostStaticKey[:], hostStatic)

	se, err := r.b.DH(r.e, c.HostStaticKey)
	if err != nil {
		return Completion{}, nil, err
	}
	if err := r.sym.MixKey(se[:]); err != nil {
		return Completion{}, nil, err
	}
	payload, err := r.sym.DecryptAndHash(msg[encryptedKeyLen:])
	if err != nil {
		return Completion{}, nil, err
	}
	c.Credential, err = DecodeCompletionPayload(payload)
	if err != nil {
		return Completion{}, nil, err
	}

	c1, c2, err := r.sym.Split()
	if err != nil {
		return Completion{}, nil, err
	}
	r.step = responderDone
	return c, &Transport{send: c2, recv: c1, hash: r.sym.HandshakeHash()}, nil
}
