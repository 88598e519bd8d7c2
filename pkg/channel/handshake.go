package channel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/handshake"
	"github.com/ZentaChain/thp/pkg/protocol"
)

// maxCredentialLen bounds the credential buffer handed to the store
const maxCredentialLen = 128

// handshaker drives one side of the handshake on a channel
type handshaker interface {
	// start queues the first outgoing handshake message, if any
	start(c *Channel) error
	// handle processes a received handshake message and reports whether the
	// handshake is done
	handle(c *Channel, category protocol.Category, payload []byte) (bool, error)
}

type hostHandshake struct {
	initiator      *handshake.Initiator
	store          credential.Store
	tryToUnlock    bool
	sentCompletion bool
	credBuf        [maxCredentialLen]byte
}

func newHostHandshake(b crypto.Backend, store credential.Store, props []byte, tryToUnlock bool) (*hostHandshake, error) {
	initiator, err := handshake.NewInitiator(b, props)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = credential.NullStore{}
	}
	return &hostHandshake{initiator: initiator, store: store, tryToUnlock: tryToUnlock}, nil
}

func (h *hostHandshake) start(c *Channel) error {
	msg, err := h.initiator.InitiationRequest(h.tryToUnlock)
	if err != nil {
		return err
	}
	c.tryToUnlock = h.tryToUnlock
	hdr, err := protocol.NewHandshake(protocol.CategoryHandshakeInitRequest, c.id, len(msg))
	if err != nil {
		return err
	}
	return c.startSend(hdr, msg)
}

func (h *hostHandshake) handle(c *Channel, category protocol.Category, payload []byte) (bool, error) {
	switch {
	case category == protocol.CategoryHandshakeInitResponse && !h.sentCompletion:
		keys, err := h.initiator.ReadInitiationResponse(payload)
		if err != nil {
			return false, err
		}
		match, err := h.store.Lookup(keys.Ephemeral, keys.MaskedStatic, h.credBuf[:])
		if err != nil {
			return false, fmt.Errorf("credential lookup: %w", err)
		}
		var cred []byte
		if match != nil {
			c.log.Debug("found credential for device")
			c.hostKey = match.HostStaticKey
			c.deviceKey = match.DeviceStaticKey
			c.presented = true
			cred = match.Credential
		} else {
			c.log.Debug("no credential for device, pairing required")
			if c.hostKey, err = crypto.GenerateKey(c.backend); err != nil {
				return false, err
			}
		}
		msg, transport, err := h.initiator.CompletionRequest(c.hostKey, cred)
		if err != nil {
			return false, err
		}
		c.transport = transport
		hdr, err := protocol.NewHandshake(protocol.CategoryHandshakeCompletionRequest, c.id, len(msg))
		if err != nil {
			return false, err
		}
		h.sentCompletion = true
		return false, c.startSend(hdr, msg)

	case category == protocol.CategoryHandshakeCompletionResponse && h.sentCompletion:
		plaintext, err := c.transport.Decrypt(payload)
		if err != nil {
			return false, err
		}
		state, err := credential.ParsePairingState(plaintext)
		if err != nil {
			return false, err
		}
		c.pairing = state
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnexpectedHandshake, category)
}

type deviceHandshake struct {
	responder *handshake.Responder
	verifier  credential.Verifier
	readInit  bool
}

func newDeviceHandshake(b crypto.Backend, verifier credential.Verifier) (*deviceHandshake, error) {
	responder, err := handshake.NewResponder(b, verifier.StaticKey(), verifier.DeviceProperties())
	if err != nil {
		return nil, err
	}
	return &deviceHandshake{responder: responder, verifier: verifier}, nil
}

// start does nothing, the host speaks first
func (d *deviceHandshake) start(c *Channel) error {
	return nil
}

func (d *deviceHandshake) handle(c *Channel, category protocol.Category, payload []byte) (bool, error) {
	switch {
	case category == protocol.CategoryHandshakeInitRequest && !d.readInit:
		tryToUnlock, err := d.responder.ReadInitiationRequest(payload)
		if err != nil {
			return false, err
		}
		c.tryToUnlock = tryToUnlock
		msg, err := d.responder.InitiationResponse()
		if err != nil {
			return false, err
		}
		hdr, err := protocol.NewHandshake(protocol.CategoryHandshakeInitResponse, c.id, len(msg))
		if err != nil {
			return false, err
		}
		d.readInit = true
		return false, c.startSend(hdr, msg)

	case category == protocol.CategoryHandshakeCompletionRequest && d.readInit:
		completion, transport, err := d.responder.ReadCompletionRequest(payload)
		if err != nil {
			return false, err
		}
		c.transport = transport
		c.hostKey = completion.HostStaticKey
		c.pairing = d.verifier.Verify(completion.HostStaticKey, completion.Credential)
		c.log.Debug("verified host credential",
			zap.String("host", crypto.Fingerprint(completion.HostStaticKey)),
			zap.Stringer("pairing_state", c.pairing))

		msg, err := transport.Encrypt([]byte{byte(c.pairing)})
		if err != nil {
			return false, err
		}
		hdr, err := protocol.NewHandshake(protocol.CategoryHandshakeCompletionResponse, c.id, len(msg))
		if err != nil {
			return false, err
		}
		return true, c.startSend(hdr, msg)
	}
	return false, fmt.Errorf("%w: %s", ErrUnexpectedHandshake, category)
}
