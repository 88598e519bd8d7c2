// Package client runs the protocol engine over a packet link: the host side
// with its retransmission policy, and a device emulator for tests and local
// development.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/channel"
	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
	"github.com/ZentaChain/thp/pkg/transport"
)

var (
	ErrTimeout         = errors.New("client: peer not responding")
	ErrNoChannel       = errors.New("client: no open channel")
	ErrChannelClosed   = errors.New("client: channel closed")
	ErrUnexpectedReply = errors.New("client: unexpected reply")
)

// Client is the host end of a link. It is not safe for concurrent use: each
// call drives the link until its operation completes.
type Client struct {
	link    transport.Link
	backend crypto.Backend
	mux     *channel.HostMux
	saver   credential.Saver
	usage   credential.UsageRecorder
	opts    options
	log     *zap.Logger

	ch  *channel.Channel
	buf []byte
}

// New creates a client. Credentials obtained by RequestCredential are saved
// to store when it implements credential.Saver.
func New(link transport.Link, b crypto.Backend, store credential.Store, opts ...Option) *Client {
	o := buildOptions(opts)
	c := &Client{
		link:    link,
		backend: b,
		mux:     channel.NewHostMux(b, store, o.channelOptions()...),
		opts:    o,
		log:     o.logger,
		buf:     make([]byte, o.packetLen),
	}
	if saver, ok := store.(credential.Saver); ok {
		c.saver = saver
	}
	if usage, ok := store.(credential.UsageRecorder); ok {
		c.usage = usage
	}
	return c
}

// Channel returns the channel opened by Open
func (c *Client) Channel() *channel.Channel {
	return c.ch
}

// Close closes the link
func (c *Client) Close() error {
	return c.link.Close()
}

// Ping checks that the device is responsive
func (c *Client) Ping(ctx context.Context) error {
	c.mux.Ping()
	return c.run(ctx,
		func() error {
			c.mux.Ping()
			return nil
		},
		func(res channel.Result) (bool, error) {
			return res.Outcome == channel.OutcomePong, nil
		})
}

// Open allocates a channel and completes the handshake. The channel is in
// the pairing phase afterwards unless the device was already paired, in
// which case EndPairing moves it to encrypted transport.
func (c *Client) Open(ctx context.Context, tryToUnlock bool) (*channel.Channel, error) {
	ch := c.mux.RequestChannel(tryToUnlock)
	retransmit := func() error {
		switch ch.State() {
		case channel.StateUnallocated, channel.StateAllocating:
			ch = c.mux.RequestChannel(tryToUnlock)
			return nil
		}
		return ch.MessageRetransmit()
	}
	err := c.run(ctx, retransmit, func(res channel.Result) (bool, error) {
		if ch.State() == channel.StateError {
			return false, channelError(ch)
		}
		return res.Outcome == channel.OutcomeHandshakeDone && res.ChannelID == ch.ID(), nil
	})
	if err != nil {
		return nil, err
	}
	c.ch = ch
	c.log.Info("channel open",
		zap.Uint16("channel", ch.ID()),
		zap.Stringer("pairing_state", ch.PairingState()))
	if device, ok := ch.CredentialDevice(); ok && ch.PairingState().IsPaired() && c.usage != nil {
		if err := c.usage.Touch(device); err != nil {
			c.log.Warn("record credential use", zap.Error(err))
		}
	}
	return ch, nil
}

// Call sends an application message on the open channel and waits for the
// device's reply
func (c *Client) Call(ctx context.Context, sessionID uint8, messageType uint16, payload []byte) (channel.Message, error) {
	ch := c.ch
	if ch == nil {
		return channel.Message{}, ErrNoChannel
	}
	if !ch.MessageInReady() {
		err := c.run(ctx, ch.MessageRetransmit, func(channel.Result) (bool, error) {
			if ch.State() == channel.StateError {
				return false, channelError(ch)
			}
			return ch.MessageInReady(), nil
		})
		if err != nil {
			return channel.Message{}, err
		}
	}
	if err := ch.MessageInFrom(sessionID, messageType, payload); err != nil {
		return channel.Message{}, err
	}
	return c.receive(ctx, ch)
}

func (c *Client) receive(ctx context.Context, ch *channel.Channel) (channel.Message, error) {
	if !ch.MessageOutReady() {
		err := c.run(ctx, ch.MessageRetransmit, func(channel.Result) (bool, error) {
			if ch.State() == channel.StateError {
				return false, channelError(ch)
			}
			return ch.MessageOutReady(), nil
		})
		if err != nil {
			return channel.Message{}, err
		}
	}
	return ch.MessageOut()
}

// RequestCredential asks the device for a pairing credential bound to the
// host static key of this channel. The credential is saved when the client
// has a credential.Saver.
func (c *Client) RequestCredential(ctx context.Context, meta credential.Metadata) (credential.Record, error) {
	ch := c.ch
	if ch == nil {
		return credential.Record{}, ErrNoChannel
	}
	hostPub, err := c.backend.PublicKey(ch.HostStaticKey())
	if err != nil {
		return credential.Record{}, err
	}
	req := credential.IssueRequest{HostStaticKey: hostPub, Metadata: meta}
	reply, err := c.Call(ctx, 0, channel.MessageTypeCredentialRequest, req.Marshal())
	if err != nil {
		return credential.Record{}, err
	}
	if reply.Type != channel.MessageTypeCredentialResponse {
		return credential.Record{}, fmt.Errorf("%w: message type %d", ErrUnexpectedReply, reply.Type)
	}
	resp, err := credential.UnmarshalIssueResponse(reply.Payload)
	if err != nil {
		return credential.Record{}, err
	}

	rec := credential.Record{
		DeviceStaticKey: resp.DeviceStaticKey,
		HostStaticKey:   ch.HostStaticKey(),
		Credential:      resp.Credential,
	}
	if c.saver != nil {
		if err := c.saver.Save(rec); err != nil {
			return rec, fmt.Errorf("save credential: %w", err)
		}
		c.log.Info("saved credential", zap.String("device", crypto.Fingerprint(rec.DeviceStaticKey)))
	}
	return rec, nil
}

// EndPairing finishes the pairing phase
func (c *Client) EndPairing(ctx context.Context) error {
	reply, err := c.Call(ctx, 0, channel.MessageTypeEndRequest, nil)
	if err != nil {
		return err
	}
	if reply.Type != channel.MessageTypeEndResponse {
		return fmt.Errorf("%w: message type %d", ErrUnexpectedReply, reply.Type)
	}
	c.log.Debug("pairing ended", zap.Uint16("channel", c.ch.ID()))
	return nil
}

// run writes pending packets and feeds received ones to the mux until done
// reports true. Each read waits for one retransmit timeout; when it expires
// retransmit is called, up to the configured number of times in a row.
func (c *Client) run(ctx context.Context, retransmit func() error, done func(channel.Result) (bool, error)) error {
	retries := 0
	for {
		if err := c.flush(ctx); err != nil {
			return err
		}
		n, err := c.read(ctx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			retries++
			if retries > c.opts.maxRetransmissions {
				return ErrTimeout
			}
			c.log.Debug("no response, retransmitting", zap.Int("attempt", retries))
			if err := retransmit(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		res := c.packetIn(c.buf[:n])
		switch res.Outcome {
		case channel.OutcomeAck, channel.OutcomeMessage, channel.OutcomePong,
			channel.OutcomeChannelAllocated, channel.OutcomeHandshakeDone:
			retries = 0
		}
		ok, err := done(res)
		if err != nil || ok {
			if ferr := c.flush(ctx); err == nil {
				err = ferr
			}
			return err
		}
	}
}

func (c *Client) read(ctx context.Context) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	return c.link.ReadPacket(rctx, c.buf)
}

func (c *Client) flush(ctx context.Context) error {
	for c.mux.PacketOutReady() {
		packet, err := c.mux.NextPacket()
		if errors.Is(err, channel.ErrNotReady) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.link.WritePacket(ctx, packet); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) packetIn(packet []byte) channel.Result {
	res := c.mux.PacketIn(packet)
	switch res.Outcome {
	case channel.OutcomeEnlargeBuffer:
		if ch := c.mux.Channel(res.ChannelID); ch != nil {
			ch.ResizeReceiveBuffer(make([]byte, res.BufferSize))
			res = c.mux.PacketIn(packet)
		}
	case channel.OutcomeRoute:
		c.log.Debug("packet for unknown channel", zap.Uint16("channel", res.ChannelID))
	case channel.OutcomeProtocolError:
		c.log.Debug("protocol error", zap.Uint16("channel", res.ChannelID), zap.Error(res.Err))
	}
	return res
}

func channelError(ch *channel.Channel) error {
	if terr := ch.TransportError(); terr != 0 {
		return fmt.Errorf("%w: %w", ErrChannelClosed, terr)
	}
	return ErrChannelClosed
}
