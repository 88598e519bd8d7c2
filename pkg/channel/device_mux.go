package channel

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/fragment"
	"github.com/ZentaChain/thp/pkg/protocol"
)

// Broadcast replies waiting for PacketOut. More than one can be pending when
// a ping arrives while an error is being reported.
const outgoingQueueLen = 8

type outgoingKind int

const (
	outgoingError outgoingKind = iota
	outgoingPong
	outgoingCodecV1
	outgoingAllocation
)

func (k outgoingKind) String() string {
	switch k {
	case outgoingError:
		return "transport_error"
	case outgoingPong:
		return "pong"
	case outgoingCodecV1:
		return "codec_v1_response"
	case outgoingAllocation:
		return "channel_allocation_response"
	default:
		return fmt.Sprintf("outgoing(%d)", int(k))
	}
}

type outgoing struct {
	kind      outgoingKind
	channelID uint16
	code      protocol.TransportError
	nonce     protocol.Nonce
	payload   []byte
}

// DeviceMux maps packets to the device's channels and answers broadcast
// traffic: pings, channel allocation and legacy protocol requests
type DeviceMux struct {
	backend  crypto.Backend
	verifier credential.Verifier
	opts     options
	log      *zap.Logger

	nextID    uint16
	outgoing  []outgoing
	current   *fragment.Fragmenter
	broadcast *fragment.Reassembler
	channels  map[uint16]*Channel
	last      uint16

	// usage counter value at each channel's last packet
	clock    uint64
	lastUsed map[uint16]uint64
}

// NewDeviceMux creates a device mux. Channel ids start at a random value so
// they do not reveal how many channels were allocated since boot.
func NewDeviceMux(b crypto.Backend, verifier credential.Verifier, opts ...Option) (*DeviceMux, error) {
	o := buildOptions(opts)
	nextID, err := randomChannelID(b)
	if err != nil {
		return nil, err
	}
	return &DeviceMux{
		backend:   b,
		verifier:  verifier,
		opts:      o,
		log:       o.logger,
		nextID:    nextID,
		outgoing:  make([]outgoing, 0, outgoingQueueLen),
		broadcast: fragment.NewReassembler(protocol.RoleDevice, make([]byte, protocol.NonceLen+4)),
		channels:  make(map[uint16]*Channel),
		lastUsed:  make(map[uint16]uint64),
	}, nil
}

func randomChannelID(b crypto.Backend) (uint16, error) {
	var buf [2]byte
	for i := 0; i < 16; i++ {
		if err := b.Random(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint16(buf[:])
		if id >= protocol.MinChannelID && id <= protocol.MaxChannelID {
			return id, nil
		}
	}
	return 0, ErrNoChannelID
}

// PacketLen returns the configured packet length
func (m *DeviceMux) PacketLen() int {
	return m.opts.packetLen
}

// Channel returns an allocated channel
func (m *DeviceMux) Channel(id uint16) *Channel {
	return m.channels[id]
}

// Remove forgets a channel. Later packets for it are answered with
// UnallocatedChannel.
func (m *DeviceMux) Remove(id uint16) {
	delete(m.channels, id)
	delete(m.lastUsed, id)
}

// Len returns the number of allocated channels
func (m *DeviceMux) Len() int {
	return len(m.channels)
}

func (m *DeviceMux) touch(id uint16) {
	m.clock++
	m.lastUsed[id] = m.clock
}

// evict drops the least recently used channel
func (m *DeviceMux) evict() {
	var (
		oldest uint16
		found  bool
	)
	for id := range m.channels {
		if !found || m.lastUsed[id] < m.lastUsed[oldest] ||
			(m.lastUsed[id] == m.lastUsed[oldest] && id < oldest) {
			oldest, found = id, true
		}
	}
	if !found {
		return
	}
	m.log.Info("channel limit reached, evicting least recently used channel",
		zap.Uint16("channel", oldest), zap.Int("max_channels", m.opts.maxChannels))
	m.channels[oldest].Close()
	m.Remove(oldest)
}

// SendTransportBusy reports that a packet for channelID could not be
// processed right now. The host tries again later.
func (m *DeviceMux) SendTransportBusy(channelID uint16) error {
	return m.enqueue(outgoing{kind: outgoingError, channelID: channelID, code: protocol.TransportBusy})
}

// SendUnallocatedChannel reports that channelID does not exist
func (m *DeviceMux) SendUnallocatedChannel(channelID uint16) error {
	return m.enqueue(outgoing{kind: outgoingError, channelID: channelID, code: protocol.UnallocatedChannel})
}

func (m *DeviceMux) enqueue(o outgoing) error {
	if len(m.outgoing) >= outgoingQueueLen {
		m.log.Warn("broadcast outgoing queue full", zap.Stringer("dropped", o.kind))
		return ErrQueueFull
	}
	m.outgoing = append(m.outgoing, o)
	return nil
}

// PacketInReady reports whether there is room to answer another broadcast
// request
func (m *DeviceMux) PacketInReady() bool {
	return len(m.outgoing) < outgoingQueueLen
}

// PacketIn processes one received packet. Packets for unknown channels are
// answered with UnallocatedChannel.
func (m *DeviceMux) PacketIn(packet []byte) Result {
	cb, channelID, _, err := protocol.ParseChannel(packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	if cb.IsCodecV1() {
		return m.handleCodecV1(packet)
	}
	if !protocol.ChannelIDValid(channelID) {
		m.log.Warn("invalid channel id", zap.Uint16("channel", channelID))
		return Result{Outcome: OutcomeProtocolError, Err: fmt.Errorf("%w: channel id %#04x", protocol.ErrMalformedData, channelID)}
	}
	if channelID == protocol.BroadcastChannelID {
		return m.handleBroadcast(packet)
	}
	ch, ok := m.channels[channelID]
	if !ok {
		m.log.Debug("packet for unallocated channel", zap.Uint16("channel", channelID))
		if err := m.SendUnallocatedChannel(channelID); err != nil {
			return Result{Outcome: OutcomeProtocolError, ChannelID: channelID, Err: err}
		}
		return Result{Outcome: OutcomeProtocolError, ChannelID: channelID, Err: protocol.UnallocatedChannel}
	}
	m.touch(channelID)
	return ch.PacketIn(packet)
}

func (m *DeviceMux) handleCodecV1(packet []byte) Result {
	h, _, err := protocol.ParseHeader(protocol.RoleDevice, packet)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	if h.CodecV1Continuation {
		m.log.Debug("ignoring codec v1 continuation")
		return Result{}
	}
	if err := m.enqueue(outgoing{kind: outgoingCodecV1}); err != nil {
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	return Result{}
}

func (m *DeviceMux) handleBroadcast(packet []byte) Result {
	status, err := m.broadcast.Feed(packet)
	if err != nil {
		m.log.Debug("ignoring broadcast packet", zap.Uint8("control_byte", packet[0]), zap.Error(err))
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	if status != fragment.StatusComplete {
		// Broadcast requests always fit one packet
		m.broadcast.Reset()
		return Result{ChannelID: protocol.BroadcastChannelID}
	}
	defer m.broadcast.Reset()
	h, payload, err := m.broadcast.Message()
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	nonce, _, err := protocol.ParseNonce(payload)

	switch {
	case err != nil:
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	case h.Category == protocol.CategoryPing:
		if err := m.enqueue(outgoing{kind: outgoingPong, nonce: nonce}); err != nil {
			return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
		}
		return Result{ChannelID: protocol.BroadcastChannelID}
	case h.Category == protocol.CategoryChannelAllocationRequest:
		return m.allocate(nonce)
	}
	m.log.Debug("ignoring broadcast packet", zap.Stringer("category", h.Category))
	return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID,
		Err: fmt.Errorf("%w: %s on broadcast channel", protocol.ErrMalformedData, h.Category)}
}

func (m *DeviceMux) allocate(nonce protocol.Nonce) Result {
	if !m.PacketInReady() {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: ErrQueueFull}
	}
	for len(m.channels) >= m.opts.maxChannels {
		m.evict()
	}
	id := m.takeChannelID()
	props := m.verifier.DeviceProperties()

	ch := newChannel(protocol.RoleDevice, m.backend, &m.opts)
	ch.props = props
	hs, err := newDeviceHandshake(m.backend, m.verifier)
	if err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	if err := ch.allocate(id, hs); err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: id, Err: err}
	}

	payload := make([]byte, 0, protocol.NonceLen+2+len(props))
	payload = append(payload, nonce[:]...)
	payload = binary.BigEndian.AppendUint16(payload, id)
	payload = append(payload, props...)
	if err := m.enqueue(outgoing{kind: outgoingAllocation, channelID: id, payload: payload}); err != nil {
		return Result{Outcome: OutcomeProtocolError, ChannelID: protocol.BroadcastChannelID, Err: err}
	}
	m.channels[id] = ch
	m.touch(id)
	m.log.Debug("allocated channel", zap.Uint16("channel", id))
	return Result{Outcome: OutcomeChannelAllocated, ChannelID: id}
}

// takeChannelID returns the next channel id not in use, wrapping around
// after the largest id
func (m *DeviceMux) takeChannelID() uint16 {
	for {
		id := m.nextID
		m.nextID++
		if m.nextID > protocol.MaxChannelID {
			m.log.Debug("channel id max value reached, wrapping around")
			m.nextID = protocol.MinChannelID
		}
		if _, used := m.channels[id]; !used {
			return id
		}
	}
}

// PacketOut writes the next outgoing packet into dst. Broadcast replies go
// before channel traffic; channels take turns.
func (m *DeviceMux) PacketOut(dst []byte) error {
	if len(dst) < protocol.MinPacketLen {
		return protocol.ErrInsufficientBuffer
	}
	if m.current == nil && len(m.outgoing) > 0 {
		o := m.outgoing[0]
		m.outgoing = m.outgoing[1:]
		switch o.kind {
		case outgoingError:
			return fragment.Single(protocol.NewTransportError(o.channelID, o.code), protocol.SyncBits{}, []byte{byte(o.code)}, dst)
		case outgoingPong:
			return fragment.Single(protocol.NewPong(), protocol.SyncBits{}, o.nonce[:], dst)
		case outgoingCodecV1:
			if len(dst) < len(protocol.CodecV1Response) {
				return protocol.ErrInsufficientBuffer
			}
			n := copy(dst, protocol.CodecV1Response)
			clear(dst[n:])
			return nil
		case outgoingAllocation:
			h, err := protocol.NewChannelAllocationResponse(len(o.payload))
			if err != nil {
				return err
			}
			f, err := fragment.NewFragmenter(h, protocol.SyncBits{}, o.payload)
			if err != nil {
				return err
			}
			m.current = f
		}
	}
	if m.current != nil {
		_, err := m.current.Next(dst)
		if m.current.Done() {
			m.current = nil
		}
		return err
	}

	ch := nextReady(m.channels, &m.last)
	if ch == nil {
		return ErrNotReady
	}
	return ch.PacketOut(dst)
}

// PacketOutReady reports whether PacketOut has a packet to write
func (m *DeviceMux) PacketOutReady() bool {
	if m.current != nil || len(m.outgoing) > 0 {
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
func (m *DeviceMux) NextPacket() ([]byte, error) {
	buf := make([]byte, m.opts.packetLen)
	if err := m.PacketOut(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
