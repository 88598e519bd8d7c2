package channel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/thp/pkg/protocol"
)

// Option configures a mux and the channels it creates
type Option func(*options)

// DefaultMaxChannels is how many channels a device keeps before evicting
// the least recently used one
const DefaultMaxChannels = 10

type options struct {
	logger        *zap.Logger
	packetLen     int
	receiveBuffer int
	maxChannels   int
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		packetLen:   protocol.DefaultPacketLen,
		maxChannels: DefaultMaxChannels,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxChannels < 1 {
		o.maxChannels = 1
	}
	if o.packetLen < protocol.MinPacketLen {
		panic(fmt.Sprintf("channel: packet length %d below minimum %d", o.packetLen, protocol.MinPacketLen))
	}
	return o
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPacketLen sets the packet length shared with the peer
func WithPacketLen(n int) Option {
	return func(o *options) {
		o.packetLen = n
	}
}

// WithReceiveBuffer gives every channel a fixed receive buffer of size
// bytes. Larger messages are reported with OutcomeEnlargeBuffer. Without
// this option receive buffers grow as needed.
func WithReceiveBuffer(size int) Option {
	return func(o *options) {
		o.receiveBuffer = size
	}
}

// WithMaxChannels bounds the channels a DeviceMux keeps. Allocating past
// the bound evicts the channel that has gone longest without traffic.
func WithMaxChannels(n int) Option {
	return func(o *options) {
		o.maxChannels = n
	}
}
