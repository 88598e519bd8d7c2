// Package channel implements channel lifecycle and multiplexing: allocation
// over the broadcast channel, the handshake, the pairing phase and encrypted
// transport with alternating-bit delivery.
//
// Nothing in this package blocks or starts goroutines. The caller feeds
// received packets to PacketIn, drains outgoing packets with PacketOut and
// decides when to retransmit.
package channel

import (
	"errors"
	"fmt"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
)

var (
	ErrNotReady             = errors.New("channel: not ready")
	ErrClosed               = errors.New("channel: closed")
	ErrUnexpectedHandshake  = errors.New("channel: unexpected handshake message")
	ErrPairingSession       = errors.New("channel: nonzero session id during pairing")
	ErrQueueFull            = errors.New("channel: outgoing queue full")
	ErrUnexpectedPong       = errors.New("channel: pong does not match ping")
	ErrUnexpectedAllocation = errors.New("channel: unsolicited channel allocation response")
	ErrNoChannelID          = errors.New("channel: cannot generate channel id")
)

// Pairing phase message types
const (
	MessageTypeCredentialRequest  uint16 = 1016
	MessageTypeCredentialResponse uint16 = 1017
	MessageTypeEndRequest         uint16 = 1018
	MessageTypeEndResponse        uint16 = 1019
)

const appHeaderLen = 3 // session id + message type

// MessageOverhead is the number of bytes encryption and the application
// header add to a message payload
const MessageOverhead = appHeaderLen + crypto.TagLen

// State of a channel
type State int

const (
	StateUnallocated State = iota
	StateAllocating
	StateHandshakeInit
	StateHandshakeComplete
	StateEncryptedTransport
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "unallocated"
	case StateAllocating:
		return "allocating"
	case StateHandshakeInit:
		return "handshake-init"
	case StateHandshakeComplete:
		return "handshake-complete"
	case StateEncryptedTransport:
		return "encrypted-transport"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome tells the caller what a received packet did
type Outcome int

const (
	// Packet accepted or ignored, nothing for the caller to do
	OutcomeNone Outcome = iota
	// The outstanding outgoing message was acknowledged
	OutcomeAck
	// A message is ready in MessageOut
	OutcomeMessage
	// The receive buffer must be enlarged to BufferSize and the packet fed
	// again
	OutcomeEnlargeBuffer
	// The packet was rejected; see Err
	OutcomeProtocolError
	// The last ping was answered
	OutcomePong
	// A channel was allocated with ChannelID
	OutcomeChannelAllocated
	// The packet belongs to ChannelID which the mux does not own
	OutcomeRoute
	// The handshake finished with PairingState
	OutcomeHandshakeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeAck:
		return "ack"
	case OutcomeMessage:
		return "message"
	case OutcomeEnlargeBuffer:
		return "enlarge-buffer"
	case OutcomeProtocolError:
		return "protocol-error"
	case OutcomePong:
		return "pong"
	case OutcomeChannelAllocated:
		return "channel-allocated"
	case OutcomeRoute:
		return "route"
	case OutcomeHandshakeDone:
		return "handshake-done"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result of feeding one packet
type Result struct {
	Outcome      Outcome
	ChannelID    uint16
	BufferSize   int
	PairingState credential.PairingState
	Err          error
}

// Message is an application message
type Message struct {
	SessionID uint8
	Type      uint16
	Payload   []byte
}
