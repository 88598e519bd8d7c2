package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/channel"
	"github.com/ZentaChain/thp/pkg/protocol"
)

const (
	DefaultRetransmitTimeout  = 500 * time.Millisecond
	DefaultMaxRetransmissions = 20
)

// Handler answers an application message received in encrypted transport.
// Returning false sends no reply.
type Handler func(msg channel.Message) (channel.Message, bool)

// Echo replies with the received message
func Echo(msg channel.Message) (channel.Message, bool) {
	return msg, true
}

// Option configures a Client or an Emulator
type Option func(*options)

type options struct {
	logger             *zap.Logger
	packetLen          int
	receiveBuffer      int
	timeout            time.Duration
	maxRetransmissions int
	maxChannels        int
	handler            Handler
}

func buildOptions(opts []Option) options {
	o := options{
		logger:             zap.NewNop(),
		packetLen:          protocol.DefaultPacketLen,
		timeout:            DefaultRetransmitTimeout,
		maxRetransmissions: DefaultMaxRetransmissions,
		handler:            Echo,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) channelOptions() []channel.Option {
	opts := []channel.Option{
		channel.WithLogger(o.logger),
		channel.WithPacketLen(o.packetLen),
	}
	if o.receiveBuffer > 0 {
		opts = append(opts, channel.WithReceiveBuffer(o.receiveBuffer))
	}
	if o.maxChannels > 0 {
		opts = append(opts, channel.WithMaxChannels(o.maxChannels))
	}
	return opts
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithPacketLen(n int) Option {
	return func(o *options) { o.packetLen = n }
}

// WithReceiveBuffer gives each channel a fixed receive buffer of n bytes
func WithReceiveBuffer(n int) Option {
	return func(o *options) { o.receiveBuffer = n }
}

// WithRetransmitTimeout sets how long to wait for the peer before sending
// the unacknowledged message again
func WithRetransmitTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxRetransmissions bounds consecutive retransmissions before giving up
func WithMaxRetransmissions(n int) Option {
	return func(o *options) { o.maxRetransmissions = n }
}

// WithMaxChannels bounds how many channels the emulator keeps
func WithMaxChannels(n int) Option {
	return func(o *options) { o.maxChannels = n }
}

// WithHandler replaces the emulator's echo handler
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}
