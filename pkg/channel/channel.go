package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/fragment"
	"github.com/ZentaChain/thp/pkg/handshake"
	"github.com/ZentaChain/thp/pkg/protocol"
)

// Channel is one multiplexed connection. It is created by a HostMux or
// DeviceMux and is not safe for concurrent use.
type Channel struct {
	role    protocol.Role
	id      uint16
	state   State
	backend crypto.Backend
	log     *zap.Logger

	sync     *protocol.ChannelSync
	ack      *protocol.SyncBits
	sending  *fragment.Fragmenter
	deferred *pendingMessage
	recv     *fragment.Reassembler
	recvDup  bool
	inbox    []Message

	hs          handshaker
	transport   *handshake.Transport
	pairing     credential.PairingState
	props       []byte
	hostKey     crypto.Key
	deviceKey   crypto.Key
	presented   bool
	tryToUnlock bool
	terr        protocol.TransportError
}

// pendingMessage waits for the previous message to be acknowledged
type pendingMessage struct {
	header  protocol.Header
	payload []byte
}

func newChannel(role protocol.Role, b crypto.Backend, o *options) *Channel {
	c := &Channel{
		role:    role,
		state:   StateUnallocated,
		backend: b,
		log:     o.logger,
		sync:    protocol.NewChannelSync(),
	}
	if o.receiveBuffer > 0 {
		c.recv = fragment.NewReassembler(role, make([]byte, o.receiveBuffer))
	} else {
		c.recv = fragment.NewGrowableReassembler(role)
	}
	return c
}

// allocate binds the channel to its id and starts the handshake
func (c *Channel) allocate(id uint16, hs handshaker) error {
	c.id = id
	c.log = c.log.With(zap.Uint16("channel", id))
	c.state = StateHandshakeInit
	c.hs = hs
	if err := hs.start(c); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// ID returns the channel id, zero until allocated
func (c *Channel) ID() uint16 {
	return c.id
}

func (c *Channel) Role() protocol.Role {
	return c.role
}

func (c *Channel) State() State {
	return c.state
}

// PairingState returns the outcome of credential verification, valid once
// the handshake is done
func (c *Channel) PairingState() credential.PairingState {
	return c.pairing
}

// HandshakeHash returns the hash binding this channel to its handshake
func (c *Channel) HandshakeHash() [crypto.HashLen]byte {
	if c.transport == nil {
		return [crypto.HashLen]byte{}
	}
	return c.transport.HandshakeHash()
}

// DeviceProperties returns the encoded properties the device announced in
// the channel allocation response
func (c *Channel) DeviceProperties() []byte {
	return c.props
}

// HostStaticKey returns the host static key used in the handshake: the host
// private key on the host side and the host public key on the device side
func (c *Channel) HostStaticKey() crypto.Key {
	return c.hostKey
}

// CredentialDevice returns the device key of the stored credential the host
// presented in the handshake. ok is false when the host had none.
func (c *Channel) CredentialDevice() (key crypto.Key, ok bool) {
	return c.deviceKey, c.presented
}

// TryToUnlock reports the flag the host sent with the handshake request
func (c *Channel) TryToUnlock() bool {
	return c.tryToUnlock
}

// TransportError returns the error code that closed the channel, if any
func (c *Channel) TransportError() protocol.TransportError {
	return c.terr
}

// PacketIn processes one packet addressed to this channel
func (c *Channel) PacketIn(packet []byte) Result {
	cb, channelID, _, err := protocol.ParseChannel(packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: c.id, Err: err}
	}
	if channelID != c.id {
		c.log.Warn("ignoring packet for another channel", zap.Uint16("packet_channel", channelID))
		return Result{ChannelID: c.id}
	}
	switch c.state {
	case StateError:
		return Result{ChannelID: c.id, Err: ErrClosed}
	case StateUnallocated, StateAllocating:
		return Result{ChannelID: c.id, Err: ErrNotReady}
	}

	if cb.IsContinuation() {
		if !c.recv.InProgress() {
			c.log.Debug("ignoring continuation without message in progress")
			return Result{Outcome: OutcomeProtocolError, ChannelID: c.id, Err: fragment.ErrUnexpectedContinuation}
		}
		return c.feed(packet)
	}

	h, _, err := protocol.ParseHeader(c.role, packet)
	if err != nil {
		return c.fail(err)
	}
	switch {
	case h.Category == protocol.CategoryError:
		c.terr = h.ErrorCode
		return c.fail(h.ErrorCode)
	case h.Category == protocol.CategoryAck:
		return c.receiveAck(cb.SyncBits())
	case !h.Category.IsData():
		return c.fail(fmt.Errorf("%w: %s on channel", protocol.ErrMalformedData, h.Category))
	}

	c.recvDup = !c.sync.ReceiveStart(cb.SyncBits())
	return c.feed(packet)
}

func (c *Channel) receiveAck(sb protocol.SyncBits) Result {
	if c.sending == nil || !c.sync.SendMarkDelivered(sb) {
		c.log.Debug("ignoring unexpected ack")
		return Result{ChannelID: c.id}
	}
	c.sending = nil
	if d := c.deferred; d != nil {
		c.deferred = nil
		if err := c.startSend(d.header, d.payload); err != nil {
			return c.fail(err)
		}
	}
	return Result{Outcome: OutcomeAck, ChannelID: c.id}
}

func (c *Channel) feed(packet []byte) Result {
	status, err := c.recv.Feed(packet)
	if err != nil {
		if errors.Is(err, fragment.ErrUnexpectedContinuation) {
			return Result{Outcome: OutcomeProtocolError, ChannelID: c.id, Err: err}
		}
		return c.fail(err)
	}
	switch status {
	case fragment.StatusBufferTooSmall:
		return Result{Outcome: OutcomeEnlargeBuffer, ChannelID: c.id, BufferSize: c.recv.Needed()}
	case fragment.StatusDiscarded:
		c.log.Debug("discarded message with invalid checksum")
		return Result{ChannelID: c.id}
	case fragment.StatusMoreData:
		return Result{ChannelID: c.id}
	}

	defer c.recv.Reset()
	h, payload, err := c.recv.Message()
	if err != nil {
		return c.fail(err)
	}
	if c.recvDup {
		ack := c.sync.Duplicate(c.recv.SyncBits())
		c.ack = &ack
		c.log.Debug("acknowledging retransmitted message", zap.Stringer("category", h.Category))
		return Result{ChannelID: c.id}
	}
	if h.Category == protocol.CategoryEncrypted {
		return c.receiveEncrypted(payload)
	}
	return c.receiveHandshake(h.Category, payload)
}

func (c *Channel) acknowledge() {
	ack := c.sync.ReceiveAcknowledge()
	c.ack = &ack
}

func (c *Channel) receiveHandshake(category protocol.Category, payload []byte) Result {
	if c.state != StateHandshakeInit || c.hs == nil {
		return c.fail(fmt.Errorf("%w: %s in state %s", ErrUnexpectedHandshake, category, c.state))
	}
	c.acknowledge()
	done, err := c.hs.handle(c, category, payload)
	if err != nil {
		return c.fail(err)
	}
	if !done {
		return Result{ChannelID: c.id}
	}
	c.hs = nil
	c.state = StateHandshakeComplete
	c.log.Debug("handshake complete", zap.Stringer("pairing_state", c.pairing))
	return Result{Outcome: OutcomeHandshakeDone, ChannelID: c.id, PairingState: c.pairing}
}

func (c *Channel) receiveEncrypted(payload []byte) Result {
	if c.transport == nil {
		return c.fail(fmt.Errorf("%w: encrypted message before handshake", protocol.ErrMalformedData))
	}
	plaintext, err := c.transport.Decrypt(payload)
	if err != nil {
		// Not acknowledged, the peer retransmits
		c.log.Warn("decryption failed")
		return Result{ChannelID: c.id, Err: err}
	}
	c.acknowledge()
	if len(plaintext) < appHeaderLen {
		return c.fail(fmt.Errorf("%w: message of %d bytes", protocol.ErrMalformedData, len(plaintext)))
	}
	msg := Message{
		SessionID: plaintext[0],
		Type:      binary.BigEndian.Uint16(plaintext[1:3]),
		Payload:   append([]byte(nil), plaintext[appHeaderLen:]...),
	}
	if c.state == StateHandshakeComplete {
		if msg.SessionID != 0 {
			c.log.Error("invalid session id in pairing phase", zap.Uint8("session", msg.SessionID))
			return Result{Outcome: OutcomeProtocolError, ChannelID: c.id, Err: ErrPairingSession}
		}
		if c.role == protocol.RoleHost && msg.Type == MessageTypeEndResponse {
			c.state = StateEncryptedTransport
			c.log.Debug("pairing complete")
		}
	}
	c.inbox = append(c.inbox, msg)
	return Result{Outcome: OutcomeMessage, ChannelID: c.id}
}

// startSend hands a message to the fragmenter, or defers it until the
// message in flight is acknowledged
func (c *Channel) startSend(h protocol.Header, payload []byte) error {
	if c.sending != nil {
		if c.deferred != nil {
			return ErrNotReady
		}
		c.deferred = &pendingMessage{header: h, payload: payload}
		return nil
	}
	sb, ok := c.sync.SendStart()
	if !ok {
		return ErrNotReady
	}
	f, err := fragment.NewFragmenter(h, sb, payload)
	if err != nil {
		return err
	}
	c.sending = f
	return nil
}

// PacketOut writes the next outgoing packet into dst, filling all of it. A
// pending acknowledgment goes first. It returns ErrNotReady when there is
// nothing to send.
func (c *Channel) PacketOut(dst []byte) error {
	if len(dst) < protocol.MinPacketLen {
		return protocol.ErrInsufficientBuffer
	}
	if c.ack != nil {
		sb := *c.ack
		c.ack = nil
		return fragment.Single(protocol.NewAck(c.id), sb, nil, dst)
	}
	if c.sending == nil || c.sending.Done() {
		return ErrNotReady
	}
	_, err := c.sending.Next(dst)
	return err
}

// PacketOutReady reports whether PacketOut has a packet to write
func (c *Channel) PacketOutReady() bool {
	return c.ack != nil || (c.sending != nil && !c.sending.Done())
}

// MessageInFrom encrypts an application message and queues it for sending.
// It returns ErrNotReady until the channel is established and the previous
// message has been acknowledged.
func (c *Channel) MessageInFrom(sessionID uint8, messageType uint16, payload []byte) error {
	if !c.MessageInReady() {
		if c.state == StateError {
			return ErrClosed
		}
		return ErrNotReady
	}
	if c.state == StateHandshakeComplete && sessionID != 0 {
		return ErrPairingSession
	}
	h, err := protocol.NewEncrypted(c.id, appHeaderLen+len(payload)+crypto.TagLen)
	if err != nil {
		return err
	}

	plaintext := make([]byte, appHeaderLen+len(payload))
	plaintext[0] = sessionID
	binary.BigEndian.PutUint16(plaintext[1:3], messageType)
	copy(plaintext[appHeaderLen:], payload)
	ciphertext, err := c.transport.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := c.startSend(h, ciphertext); err != nil {
		return err
	}
	if c.role == protocol.RoleDevice && c.state == StateHandshakeComplete && messageType == MessageTypeEndResponse {
		c.state = StateEncryptedTransport
		c.log.Debug("pairing complete")
	}
	return nil
}

// MessageInReady reports whether MessageInFrom would accept a message
func (c *Channel) MessageInReady() bool {
	if c.state != StateHandshakeComplete && c.state != StateEncryptedTransport {
		return false
	}
	return c.sending == nil && c.deferred == nil
}

// MessageOut returns the oldest received message
func (c *Channel) MessageOut() (Message, error) {
	if len(c.inbox) == 0 {
		return Message{}, ErrNotReady
	}
	msg := c.inbox[0]
	c.inbox[0] = Message{}
	c.inbox = c.inbox[1:]
	return msg, nil
}

// MessageOutReady reports whether MessageOut has a message
func (c *Channel) MessageOutReady() bool {
	return len(c.inbox) > 0
}

// MessageRetransmit offers the unacknowledged message to PacketOut again.
// It does nothing once the message has been acknowledged.
func (c *Channel) MessageRetransmit() error {
	if c.state == StateError {
		return ErrClosed
	}
	if c.sending == nil {
		c.log.Debug("nothing to retransmit")
		return nil
	}
	c.log.Debug("retransmitting message")
	c.sending.Reset()
	return nil
}

// Sending reports whether a message is waiting for acknowledgment
func (c *Channel) Sending() bool {
	return c.sending != nil
}

// ResizeReceiveBuffer replaces the fixed receive buffer after
// OutcomeEnlargeBuffer. The packet that triggered it must be fed again.
func (c *Channel) ResizeReceiveBuffer(buf []byte) {
	c.recv.Resize(buf)
}

// Close moves the channel to the terminal error state
func (c *Channel) Close() {
	c.fail(ErrClosed)
}

func (c *Channel) fail(err error) Result {
	if c.state != StateError {
		c.log.Warn("channel failed", zap.Stringer("state", c.state), zap.Error(err))
	}
	c.state = StateError
	c.sending = nil
	c.deferred = nil
	c.ack = nil
	c.hs = nil
	c.recv.Reset()
	return Result{Outcome: OutcomeProtocolError, ChannelID: c.id, Err: err}
}
