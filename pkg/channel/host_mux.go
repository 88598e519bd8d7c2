package channel

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/fragment"
	"github.com/ZentaChain/thp/pkg/protocol"
)

type allocation struct {
	channel     *Channel
	tryToUnlock bool
	nonce       protocol.Nonce
	sent        bool
}

type pingState struct {
	queued bool
	sent   bool
	nonce  protocol.Nonce
}

// HostMux owns the host's channels and the broadcast channel: channel
// allocation and the ping/pong keep-alive
type HostMux struct {
	backend crypto.Backend
	store   credential.Store
	opts    options
	log     *zap.Logger

	alloc     *allocation
	ping      pingState
	gotPong   bool
	broadcast *fragment.Reassembler
	channels  map[uint16]*Channel
	last      uint16
}

// NewHostMux creates a host mux. A nil store never finds credentials.
func NewHostMux(b crypto.Backend, store credential.Store, opts ...Option) *HostMux {
	o := buildOptions(opts)
	if store == nil {
		store = credential.NullStore{}
	}
	return &HostMux{
		backend:   b,
		store:     store,
		opts:      o,
		log:       o.logger,
		broadcast: fragment.NewGrowableReassembler(protocol.RoleHost),
		channels:  make(map[uint16]*Channel),
	}
}

// PacketLen returns the configured packet length
func (m *HostMux) PacketLen() int {
	return m.opts.packetLen
}

// RequestChannel queues a channel allocation request. The returned channel
// is allocated and starts its handshake once the device responds.
func (m *HostMux) RequestChannel(tryToUnlock bool) *Channel {
	if m.alloc != nil {
		m.log.Warn("dropping previous channel allocation request")
		m.alloc.channel.Close()
	}
	ch := newChannel(protocol.RoleHost, m.backend, &m.opts)
	m.alloc = &allocation{channel: ch, tryToUnlock: tryToUnlock}
	return ch
}

// Ping queues a keep-alive request
func (m *HostMux) Ping() {
	if m.ping.queued || m.ping.sent {
		m.log.Warn("dropping previous ping attempt")
	}
	m.ping = pingState{queued: true}
	m.gotPong = false
}

// GotPong reports whether the last ping has been answered
func (m *HostMux) GotPong() bool {
	return m.gotPong
}

// Channel returns an allocated channel
func (m *HostMux) Channel(id uint16) *Channel {
	return m.channels[id]
}

// Remove forgets a channel
func (m *HostMux) Remove(id uint16) {
	delete(m.channels, id)
}

// PacketIn processes one received packet
func (m *HostMux) PacketIn(packet []byte) Result {
	cb, channelID, _, err := protocol.ParseChannel(packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	if cb.IsCodecV1() {
		m.log.Warn("device answered with codec v1")
		return Result{Outcome: OutcomeProtocolError, Err: fmt.Errorf("%w: codec v1 response", protocol.ErrMalformedData)}
	}
	if !protocol.ChannelIDValid(channelID) {
		m.log.Warn("invalid channel id", zap.Uint16("channel", channelID))
		return Result{Outcome: OutcomeProtocolError, Err: fmt.Errorf("%w: channel id %#04x", protocol.ErrMalformedData, channelID)}
	}
	if channelID != protocol.BroadcastChannelID {
		ch, ok := m.channels[channelID]
		if !ok {
			return Result{Outcome: OutcomeRoute, ChannelID: channelID}
		}
		return ch.PacketIn(packet)
	}
	return m.handleBroadcast(packet)
}

func (m *HostMux) handleBroadcast(packet []byte) Result {
	h, _, err := protocol.ParseHeader(protocol.RoleHost, packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	switch h.Category {
	case protocol.CategoryPong, protocol.CategoryChannelAllocationResponse, protocol.CategoryContinuation:
	default:
		m.log.Debug("ignoring broadcast packet", zap.Stringer("category", h.Category))
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID,
			Err: fmt.Errorf("%w: %s on broadcast channel", protocol.ErrMalformedData, h.Category)}
	}

	status, err := m.broadcast.Feed(packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	if status != fragment.StatusComplete {
		return Result{ChannelID: protocol.BroadcastChannelID}
	}
	defer m.broadcast.Reset()
	msg, payload, err := m.broadcast.Message()
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	if msg.Category == protocol.CategoryPong {
		return m.handlePong(payload)
	}
	return m.handleAllocation(payload)
}

func (m *HostMux) handlePong(payload []byte) Result {
	nonce, _, err := protocol.ParseNonce(payload)
	if err != nil || !m.ping.sent || nonce != m.ping.nonce {
		m.log.Warn("ignoring pong with invalid nonce")
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: ErrUnexpectedPong}
	}
	m.ping = pingState{}
	m.gotPong = true
	return Result{Outcome: OutcomePong, ChannelID: protocol.BroadcastChannelID}
}

func (m *HostMux) handleAllocation(payload []byte) Result {
	if m.alloc == nil || !m.alloc.sent {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: ErrUnexpectedAllocation}
	}
	nonce, rest, err := protocol.ParseNonce(payload)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	if nonce != m.alloc.nonce {
		m.log.Warn("received non matching channel request nonce")
		return Result{ChannelID: protocol.BroadcastChannelID}
	}
	if len(rest) < 2 {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: protocol.ErrOutOfBounds}
	}
	channelID := binary.BigEndian.Uint16(rest[:2])
	if channelID < protocol.MinChannelID || channelID > protocol.MaxChannelID {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID,
			Err: fmt.Errorf("%w: allocated channel id %#04x", protocol.ErrMalformedData, channelID)}
	}
	props := append([]byte(nil), rest[2:]...)

	a := m.alloc
	m.alloc = nil
	if old, ok := m.channels[channelID]; ok {
		m.log.Warn("channel id reused by device", zap.Uint16("channel", channelID))
		old.Close()
	}
	a.channel.props = props
	hs, err := newHostHandshake(m.backend, m.store, props, a.tryToUnlock)
	if err != nil {
		return a.channel.fail(err)
	}
	if err := a.channel.allocate(channelID, hs); err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: channelID, Err: err}
	}
	m.channels[channelID] = a.channel
	m.log.Debug("got channel id", zap.Uint16("channel", channelID))
	return Result{Outcome: OutcomeChannelAllocated, ChannelID: channelID}
}

// PacketOut writes the next outgoing packet into dst. Broadcast traffic goes
// before channel traffic; channels take turns.
func (m *HostMux) PacketOut(dst []byte) error {
	if len(dst) < protocol.MinPacketLen {
		return protocol.ErrInsufficientBuffer
	}
	if m.alloc != nil && !m.alloc.sent {
		if err := m.backend.Random(m.alloc.nonce[:]); err != nil {
			return err
		}
		if err := fragment.Single(protocol.NewChannelAllocationRequest(), protocol.SyncBits{}, m.alloc.nonce[:], dst); err != nil {
			return err
		}
		m.alloc.sent = true
		m.alloc.channel.state = StateAllocating
		return nil
	}
	if m.ping.queued {
		if err := m.backend.Random(m.ping.nonce[:]); err != nil {
			return err
		}
		if err := fragment.Single(protocol.NewPing(), protocol.SyncBits{}, m.ping.nonce[:], dst); err != nil {
			return err
		}
		m.ping.queued = false
		m.ping.sent = true
		return nil
	}
	ch := nextReady(m.channels, &m.last)
	if ch == nil {
		return ErrNotReady
	}
	return ch.PacketOut(dst)
}

// PacketOutReady reports whether PacketOut has a packet to write
func (m *HostMux) PacketOutReady() bool {
	if (m.alloc != nil && !m.alloc.sent) || m.ping.queued {
		return true
	}
	for _, ch := range m.channels {
		if ch.PacketOutReady() {
			return true
		}
	}
	return false
}

// NextPacket allocates a packet and fills it with PacketOut
func (m *HostMux) NextPacket() ([]byte, error) {
	buf := make([]byte, m.opts.packetLen)
	if err := m.PacketOut(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// nextReady picks the first channel with a packet to send after the one
// served last, wrapping around
func nextReady(channels map[uint16]*Channel, last *uint16) *Channel {
	ids := make([]uint16, 0, len(channels))
	for id, ch := range channels {
		if ch.PacketOutReady() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pick := ids[0]
	for _, id := range ids {
		if id > *last {
			pick = id
			break
		}
	}
	*last = pick
	return channels[pick]
}
