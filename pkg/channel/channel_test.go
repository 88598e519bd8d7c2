package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/fragment"
	"github.com/ZentaChain/thp/pkg/handshake"
	"github.com/ZentaChain/thp/pkg/protocol"
)

// link shuttles packets between a host and a device mux
type link struct {
	t    *testing.T
	host *HostMux
	dev  *DeviceMux

	// drop reports whether a packet is lost on the way
	drop func(fromHost bool, packet []byte) bool

	hostResults []Result
	devResults  []Result
	enlarged    int
}

func newLink(t *testing.T, host *HostMux, dev *DeviceMux) *link {
	return &link{t: t, host: host, dev: dev}
}

func (l *link) deliver(fromHost bool, packet []byte) {
	if l.drop != nil && l.drop(fromHost, packet) {
		return
	}
	if !fromHost {
		l.hostResults = append(l.hostResults, l.host.PacketIn(packet))
		return
	}
	res := l.dev.PacketIn(packet)
	if res.Outcome == OutcomeEnlargeBuffer {
		l.enlarged++
		l.dev.Channel(res.ChannelID).ResizeReceiveBuffer(make([]byte, res.BufferSize))
		res = l.dev.PacketIn(packet)
	}
	l.devResults = append(l.devResults, res)
}

// pump moves packets in both directions until neither side has anything
// to send
func (l *link) pump() {
	l.t.Helper()
	for i := 0; i < 10000; i++ {
		moved := false
		if l.host.PacketOutReady() {
			packet, err := l.host.NextPacket()
			require.NoError(l.t, err)
			l.deliver(true, packet)
			moved = true
		}
		if l.dev.PacketOutReady() {
			packet, err := l.dev.NextPacket()
			require.NoError(l.t, err)
			l.deliver(false, packet)
			moved = true
		}
		if !moved {
			return
		}
	}
	l.t.Fatal("link did not settle")
}

func outcomes(results []Result) []Outcome {
	var out []Outcome
	for _, r := range results {
		if r.Outcome != OutcomeNone {
			out = append(out, r.Outcome)
		}
	}
	return out
}

func testProperties() []byte {
	return credential.DeviceProperties{
		InternalModel:        "T3W1",
		ProtocolVersionMajor: 2,
		PairingMethods:       []credential.PairingMethod{credential.PairingCodeEntry, credential.PairingQrCode},
	}.Marshal()
}

func newTestDevice(t *testing.T, b crypto.Backend) (*credential.HMACVerifier, crypto.Key) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair(b)
	require.NoError(t, err)
	return credential.NewHMACVerifier(priv, []byte("device credential key"), testProperties()), pub
}

func newTestLink(t *testing.T, store credential.Store, devOpts ...Option) (*link, *credential.HMACVerifier, crypto.Key) {
	t.Helper()
	b := crypto.AESGCMSHA256()
	verifier, pub := newTestDevice(t, b)
	dev, err := NewDeviceMux(b, verifier, devOpts...)
	require.NoError(t, err)
	return newLink(t, NewHostMux(b, store), dev), verifier, pub
}

// open allocates a channel and runs the handshake
func open(t *testing.T, l *link) (*Channel, *Channel) {
	t.Helper()
	host := l.host.RequestChannel(false)
	assert.Equal(t, StateUnallocated, host.State())
	l.pump()
	require.Equal(t, StateHandshakeComplete, host.State())
	dev := l.dev.Channel(host.ID())
	require.NotNil(t, dev)
	require.Equal(t, StateHandshakeComplete, dev.State())
	return host, dev
}

// endPairing exchanges the end of pairing messages
func endPairing(t *testing.T, l *link, host, dev *Channel) {
	t.Helper()
	require.NoError(t, host.MessageInFrom(0, MessageTypeEndRequest, nil))
	l.pump()
	msg, err := dev.MessageOut()
	require.NoError(t, err)
	require.Equal(t, MessageTypeEndRequest, msg.Type)

	require.NoError(t, dev.MessageInFrom(0, MessageTypeEndResponse, nil))
	assert.Equal(t, StateEncryptedTransport, dev.State())
	l.pump()
	msg, err = host.MessageOut()
	require.NoError(t, err)
	require.Equal(t, MessageTypeEndResponse, msg.Type)
	require.Equal(t, StateEncryptedTransport, host.State())
}

func TestPingPong(t *testing.T) {
	l, _, _ := newTestLink(t, nil)

	l.host.Ping()
	assert.False(t, l.host.GotPong())

	ping, err := l.host.NextPacket()
	require.NoError(t, err)
	assert.Len(t, ping, protocol.DefaultPacketLen)
	assert.Equal(t, byte(protocol.PingCB), ping[0])

	assert.Equal(t, OutcomeNone, l.dev.PacketIn(ping).Outcome)
	require.True(t, l.dev.PacketOutReady())
	pong, err := l.dev.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.PongCB), pong[0])
	assert.Equal(t, ping[5:13], pong[5:13])

	assert.Equal(t, OutcomePong, l.host.PacketIn(pong).Outcome)
	assert.True(t, l.host.GotPong())

	// Answered pings are not accepted twice
	res := l.host.PacketIn(pong)
	assert.Equal(t, OutcomeProtocolError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUnexpectedPong)
}

func TestPongWithWrongNonce(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	l.host.Ping()
	_, err := l.host.NextPacket()
	require.NoError(t, err)

	pong := make([]byte, protocol.DefaultPacketLen)
	require.NoError(t, fragment.Single(protocol.NewPong(), protocol.SyncBits{}, make([]byte, protocol.NonceLen), pong))
	res := l.host.PacketIn(pong)
	assert.ErrorIs(t, res.Err, ErrUnexpectedPong)
	assert.False(t, l.host.GotPong())
}

func TestOpenUnpaired(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)

	assert.Equal(t, credential.Unpaired, host.PairingState())
	assert.Equal(t, credential.Unpaired, dev.PairingState())
	assert.Equal(t, host.HandshakeHash(), dev.HandshakeHash())
	assert.NotEqual(t, [crypto.HashLen]byte{}, host.HandshakeHash())
	assert.Equal(t, testProperties(), host.DeviceProperties())
	assert.False(t, dev.TryToUnlock())

	pub, err := crypto.AESGCMSHA256().PublicKey(host.HostStaticKey())
	require.NoError(t, err)
	assert.Equal(t, pub, dev.HostStaticKey())

	assert.Contains(t, outcomes(l.hostResults), OutcomeChannelAllocated)
	assert.Contains(t, outcomes(l.hostResults), OutcomeHandshakeDone)
	assert.Contains(t, outcomes(l.devResults), OutcomeChannelAllocated)
	assert.Contains(t, outcomes(l.devResults), OutcomeHandshakeDone)
	assert.False(t, host.Sending())
	assert.False(t, dev.Sending())
}

func TestOpenWithCredential(t *testing.T) {
	tests := []struct {
		name string
		meta credential.Metadata
		want credential.PairingState
	}{
		{"paired", credential.Metadata{HostName: "laptop"}, credential.Paired},
		{"autoconnect", credential.Metadata{HostName: "laptop", Autoconnect: true}, credential.PairedAutoconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := crypto.AESGCMSHA256()
			store := credential.NewMemoryStore(b)
			l, verifier, devicePub := newTestLink(t, store)

			hostKey, hostPub, err := crypto.GenerateKeyPair(b)
			require.NoError(t, err)
			store.Add(credential.Record{
				DeviceStaticKey: devicePub,
				HostStaticKey:   hostKey,
				Credential:      verifier.Issue(hostPub, tt.meta),
			})

			host, dev := open(t, l)
			assert.Equal(t, tt.want, host.PairingState())
			assert.Equal(t, tt.want, dev.PairingState())
			assert.Equal(t, hostKey, host.HostStaticKey())
		})
	}
}

func TestOpenWithForeignCredential(t *testing.T) {
	b := crypto.AESGCMSHA256()
	store := credential.NewMemoryStore(b)
	l, _, devicePub := newTestLink(t, store)

	other, _ := newTestDevice(t, b)
	hostKey, hostPub, err := crypto.GenerateKeyPair(b)
	require.NoError(t, err)
	store.Add(credential.Record{
		DeviceStaticKey: devicePub,
		HostStaticKey:   hostKey,
		Credential:      other.Issue(hostPub, credential.Metadata{}),
	})

	host, _ := open(t, l)
	assert.Equal(t, credential.Unpaired, host.PairingState())
}

func TestPairingAndTransport(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)

	assert.ErrorIs(t, host.MessageInFrom(1, 100, nil), ErrPairingSession)
	endPairing(t, l, host, dev)

	payloads := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0xab}, 1000),
	}
	for i, p := range payloads {
		require.NoError(t, host.MessageInFrom(uint8(i+1), uint16(i), p))
		assert.False(t, host.MessageInReady())
		assert.ErrorIs(t, host.MessageInFrom(1, 1, nil), ErrNotReady)
		l.pump()
		assert.True(t, host.MessageInReady())
	}
	for i, p := range payloads {
		msg, err := dev.MessageOut()
		require.NoError(t, err)
		assert.Equal(t, uint8(i+1), msg.SessionID)
		assert.Equal(t, uint16(i), msg.Type)
		assert.Equal(t, len(p), len(msg.Payload))
		assert.True(t, bytes.Equal(p, msg.Payload))
	}
	_, err := dev.MessageOut()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, dev.MessageInFrom(3, 0x1234, []byte("reply")))
	l.pump()
	msg, err := host.MessageOut()
	require.NoError(t, err)
	assert.Equal(t, Message{SessionID: 3, Type: 0x1234, Payload: []byte("reply")}, msg)
}

func TestFullDuplex(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	require.NoError(t, host.MessageInFrom(1, 1, bytes.Repeat([]byte{1}, 300)))
	require.NoError(t, dev.MessageInFrom(1, 2, bytes.Repeat([]byte{2}, 300)))
	l.pump()

	got, err := dev.MessageOut()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), got.Type)
	got, err = host.MessageOut()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.Type)
}

func TestRetransmitAfterLostAck(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	acks := 0
	dropped := false
	l.drop = func(fromHost bool, packet []byte) bool {
		if fromHost || !protocol.ControlByte(packet[0]).IsAck() {
			return false
		}
		acks++
		if !dropped {
			dropped = true
			return true
		}
		return false
	}

	require.NoError(t, host.MessageInFrom(1, 7, []byte("once")))
	l.pump()
	assert.True(t, host.Sending())
	assert.Equal(t, 1, acks)

	require.NoError(t, host.MessageRetransmit())
	l.hostResults = nil
	l.pump()
	assert.Equal(t, 2, acks)
	assert.False(t, host.Sending())
	assert.Equal(t, []Outcome{OutcomeAck}, outcomes(l.hostResults))

	msg, err := dev.MessageOut()
	require.NoError(t, err)
	assert.Equal(t, []byte("once"), msg.Payload)
	assert.False(t, dev.MessageOutReady())

	// Retransmitting an acknowledged message does nothing
	require.NoError(t, host.MessageRetransmit())
	assert.False(t, host.PacketOutReady())
}

func TestRetransmitAfterLostMessage(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	lose := true
	l.drop = func(fromHost bool, packet []byte) bool {
		if fromHost && lose {
			lose = false
			return true
		}
		return false
	}
	require.NoError(t, host.MessageInFrom(1, 7, bytes.Repeat([]byte("x"), 200)))
	l.pump()
	assert.True(t, host.Sending())
	assert.False(t, dev.MessageOutReady())

	require.NoError(t, host.MessageRetransmit())
	l.pump()
	assert.False(t, host.Sending())
	msg, err := dev.MessageOut()
	require.NoError(t, err)
	assert.Len(t, msg.Payload, 200)
}

func TestHandshakeRetransmission(t *testing.T) {
	l, _, _ := newTestLink(t, nil)

	// Lose the first init request and the first completion response
	lostRequest, lostResponse := false, false
	l.drop = func(fromHost bool, packet []byte) bool {
		cb := protocol.ControlByte(packet[0])
		if fromHost && cb.Category() == protocol.CategoryHandshakeInitRequest && !lostRequest {
			lostRequest = true
			return true
		}
		if !fromHost && cb.Category() == protocol.CategoryHandshakeCompletionResponse && !lostResponse {
			lostResponse = true
			return true
		}
		return false
	}

	host := l.host.RequestChannel(true)
	l.pump()
	assert.Equal(t, StateHandshakeInit, host.State())
	require.NoError(t, host.MessageRetransmit())
	l.pump()
	assert.Equal(t, StateHandshakeInit, host.State())

	dev := l.dev.Channel(host.ID())
	require.NoError(t, dev.MessageRetransmit())
	l.pump()
	assert.Equal(t, StateHandshakeComplete, host.State())
	assert.Equal(t, StateHandshakeComplete, dev.State())
	assert.True(t, dev.TryToUnlock())
	assert.Equal(t, host.HandshakeHash(), dev.HandshakeHash())
}

func TestDecryptionFailureIsNotAcknowledged(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	sb, ok := host.sync.SendStart()
	require.True(t, ok)
	h, err := protocol.NewEncrypted(host.ID(), 40)
	require.NoError(t, err)
	packets, err := fragment.Packets(h, sb, make([]byte, 40), protocol.DefaultPacketLen)
	require.NoError(t, err)

	var res Result
	for _, p := range packets {
		res = l.dev.PacketIn(p)
	}
	assert.ErrorIs(t, res.Err, handshake.ErrDecryptionFailed)
	assert.False(t, dev.PacketOutReady())
	assert.False(t, dev.MessageOutReady())
	assert.Equal(t, StateEncryptedTransport, dev.State())
}

func TestEnlargeReceiveBuffer(t *testing.T) {
	l, _, _ := newTestLink(t, nil, WithReceiveBuffer(256))
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	payload := bytes.Repeat([]byte{0x5a}, 600)
	require.NoError(t, host.MessageInFrom(2, 9, payload))
	l.pump()
	assert.Equal(t, 1, l.enlarged)

	msg, err := dev.MessageOut()
	require.NoError(t, err)
	assert.Equal(t, payload, msg.Payload)
}

func TestEnlargeBufferOutcome(t *testing.T) {
	l, _, _ := newTestLink(t, nil, WithReceiveBuffer(256))
	host, dev := open(t, l)
	endPairing(t, l, host, dev)

	require.NoError(t, host.MessageInFrom(2, 9, make([]byte, 600)))
	packet, err := l.host.NextPacket()
	require.NoError(t, err)

	res := l.dev.PacketIn(packet)
	assert.Equal(t, OutcomeEnlargeBuffer, res.Outcome)
	assert.Equal(t, 600+MessageOverhead+4, res.BufferSize)
	assert.Equal(t, StateEncryptedTransport, dev.State())
}

func TestTransportErrorClosesChannel(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, _ := open(t, l)

	require.NoError(t, l.dev.SendTransportBusy(host.ID()))
	l.pump()
	assert.Equal(t, StateError, host.State())
	assert.Equal(t, protocol.TransportBusy, host.TransportError())
	assert.ErrorIs(t, host.MessageInFrom(0, 1, nil), ErrClosed)
	assert.ErrorIs(t, host.MessageRetransmit(), ErrClosed)

	last := l.hostResults[len(l.hostResults)-1]
	assert.Equal(t, OutcomeProtocolError, last.Outcome)
	assert.ErrorIs(t, last.Err, protocol.TransportBusy)
}

func TestUnallocatedChannel(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, _ := open(t, l)
	l.dev.Remove(host.ID())

	require.NoError(t, host.MessageInFrom(0, MessageTypeEndRequest, nil))
	l.pump()
	assert.Equal(t, StateError, host.State())
	assert.Equal(t, protocol.UnallocatedChannel, host.TransportError())
}

func TestStrayContinuation(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)

	packet := make([]byte, protocol.DefaultPacketLen)
	_, err := protocol.Header{Category: protocol.CategoryContinuation, ChannelID: host.ID()}.Encode(packet, protocol.SyncBits{})
	require.NoError(t, err)

	res := l.dev.PacketIn(packet)
	assert.Equal(t, OutcomeProtocolError, res.Outcome)
	assert.ErrorIs(t, res.Err, fragment.ErrUnexpectedContinuation)
	assert.Equal(t, StateHandshakeComplete, dev.State())
}

func TestUnknownControlByteClosesChannel(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host, dev := open(t, l)

	packet := make([]byte, protocol.DefaultPacketLen)
	copy(packet, []byte{0x7f, byte(host.ID() >> 8), byte(host.ID()), 0x00, 0x04})
	res := l.dev.PacketIn(packet)
	assert.Equal(t, OutcomeProtocolError, res.Outcome)
	assert.ErrorIs(t, res.Err, protocol.ErrMalformedData)
	assert.Equal(t, StateError, dev.State())
}

func TestPairingRejectsSession(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	_, dev := open(t, l)
	assert.ErrorIs(t, dev.MessageInFrom(2, 1, nil), ErrPairingSession)
}

func TestMessageInBeforeHandshake(t *testing.T) {
	l, _, _ := newTestLink(t, nil)
	host := l.host.RequestChannel(false)
	assert.ErrorIs(t, host.MessageInFrom(0, 1, nil), ErrNotReady)
	assert.False(t, host.MessageInReady())
	assert.ErrorIs(t, host.PacketOut(make([]byte, 64)), ErrNotReady)
}
