package client

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/channel"
	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/transport"
)

// Emulator is the device end of a link. It allocates channels, completes
// handshakes, issues credentials during pairing and passes transport
// messages to its handler.
type Emulator struct {
	link    transport.Link
	backend crypto.Backend
	issuer  credential.Issuer
	mux     *channel.DeviceMux
	opts    options
	log     *zap.Logger

	channels map[uint16]*emulatedChannel
	buf      []byte
}

type emulatedChannel struct {
	ch      *channel.Channel
	replies []channel.Message
	retries int
}

// NewEmulator creates a device emulator
func NewEmulator(link transport.Link, b crypto.Backend, issuer credential.Issuer, opts ...Option) (*Emulator, error) {
	o := buildOptions(opts)
	mux, err := channel.NewDeviceMux(b, issuer, o.channelOptions()...)
	if err != nil {
		return nil, err
	}
	return &Emulator{
		link:     link,
		backend:  b,
		issuer:   issuer,
		mux:      mux,
		opts:     o,
		log:      o.logger,
		channels: make(map[uint16]*emulatedChannel),
		buf:      make([]byte, o.packetLen),
	}, nil
}

// Serve answers the host until ctx is done or the link fails
func (e *Emulator) Serve(ctx context.Context) error {
	e.log.Info("emulator serving", zap.Int("packet_len", e.opts.packetLen))
	for {
		if err := e.flush(ctx); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, e.opts.timeout)
		n, err := e.link.ReadPacket(rctx, e.buf)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.retransmit()
			continue
		}
		if err != nil {
			return err
		}
		e.packetIn(e.buf[:n])
	}
}

func (e *Emulator) packetIn(packet []byte) {
	res := e.mux.PacketIn(packet)
	if res.Outcome == channel.OutcomeEnlargeBuffer {
		if ch := e.mux.Channel(res.ChannelID); ch != nil {
			e.log.Debug("enlarging receive buffer", zap.Int("size", res.BufferSize))
			ch.ResizeReceiveBuffer(make([]byte, res.BufferSize))
			res = e.mux.PacketIn(packet)
		}
	}

	switch res.Outcome {
	case channel.OutcomeChannelAllocated:
		e.channels[res.ChannelID] = &emulatedChannel{ch: e.mux.Channel(res.ChannelID)}
		e.forgetEvicted()
	case channel.OutcomeHandshakeDone:
		e.log.Info("handshake complete",
			zap.Uint16("channel", res.ChannelID),
			zap.Stringer("pairing_state", res.PairingState))
	case channel.OutcomeAck:
		if ec, ok := e.channels[res.ChannelID]; ok {
			ec.retries = 0
		}
	case channel.OutcomeMessage:
		if ec, ok := e.channels[res.ChannelID]; ok {
			e.handleMessages(ec)
		}
	case channel.OutcomeProtocolError:
		e.log.Debug("protocol error", zap.Uint16("channel", res.ChannelID), zap.Error(res.Err))
	}

	if ec, ok := e.channels[res.ChannelID]; ok && ec.ch.State() == channel.StateError {
		e.remove(res.ChannelID)
	}
}

func (e *Emulator) handleMessages(ec *emulatedChannel) {
	for ec.ch.MessageOutReady() {
		msg, err := ec.ch.MessageOut()
		if err != nil {
			return
		}
		reply, ok := e.reply(ec.ch, msg)
		if ok {
			ec.replies = append(ec.replies, reply)
		}
	}
}

func (e *Emulator) reply(ch *channel.Channel, msg channel.Message) (channel.Message, bool) {
	if ch.State() != channel.StateHandshakeComplete {
		return e.opts.handler(msg)
	}
	switch msg.Type {
	case channel.MessageTypeEndRequest:
		return channel.Message{Type: channel.MessageTypeEndResponse}, true
	case channel.MessageTypeCredentialRequest:
		return e.issue(ch, msg.Payload)
	}
	e.log.Warn("unexpected message during pairing", zap.Uint16("type", msg.Type))
	return channel.Message{}, false
}

func (e *Emulator) issue(ch *channel.Channel, payload []byte) (channel.Message, bool) {
	req, err := credential.UnmarshalIssueRequest(payload)
	if err != nil {
		e.log.Warn("malformed credential request", zap.Error(err))
		return channel.Message{}, false
	}
	if req.HostStaticKey != ch.HostStaticKey() {
		e.log.Warn("credential requested for another host key")
		return channel.Message{}, false
	}
	devicePub, err := e.backend.PublicKey(e.issuer.StaticKey())
	if err != nil {
		e.log.Error("derive device public key", zap.Error(err))
		return channel.Message{}, false
	}
	resp := credential.IssueResponse{
		DeviceStaticKey: devicePub,
		Credential:      e.issuer.Issue(req.HostStaticKey, req.Metadata),
	}
	e.log.Info("issued credential",
		zap.String("host", crypto.Fingerprint(req.HostStaticKey)),
		zap.String("host_name", req.Metadata.HostName))
	return channel.Message{Type: channel.MessageTypeCredentialResponse, Payload: resp.Marshal()}, true
}

// retransmit offers every unacknowledged message again. Channels whose host
// stopped answering are dropped.
func (e *Emulator) retransmit() {
	for id, ec := range e.channels {
		if !ec.ch.Sending() {
			continue
		}
		ec.retries++
		if ec.retries > e.opts.maxRetransmissions {
			e.log.Warn("host not responding, dropping channel", zap.Uint16("channel", id))
			ec.ch.Close()
			e.remove(id)
			continue
		}
		if err := ec.ch.MessageRetransmit(); err != nil {
			e.remove(id)
		}
	}
}

// forgetEvicted drops state kept for channels the mux evicted
func (e *Emulator) forgetEvicted() {
	for id := range e.channels {
		if e.mux.Channel(id) == nil {
			delete(e.channels, id)
		}
	}
}

// Channels returns the number of channels the emulator is serving
func (e *Emulator) Channels() int {
	return len(e.channels)
}

func (e *Emulator) remove(id uint16) {
	delete(e.channels, id)
	e.mux.Remove(id)
}

func (e *Emulator) flush(ctx context.Context) error {
	for _, ec := range e.channels {
		for len(ec.replies) > 0 && ec.ch.MessageInReady() {
			r := ec.replies[0]
			ec.replies = ec.replies[1:]
			if err := ec.ch.MessageInFrom(r.SessionID, r.Type, r.Payload); err != nil {
				e.log.Warn("dropping reply", zap.Uint16("type", r.Type), zap.Error(err))
			}
		}
	}
	for e.mux.PacketOutReady() {
		packet, err := e.mux.NextPacket()
		if errors.Is(err, channel.ErrNotReady) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.link.WritePacket(ctx, packet); err != nil {
			return err
		}
	}
	return nil
}
