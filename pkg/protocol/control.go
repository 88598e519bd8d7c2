package protocol

import "fmt"

// ControlByte is the first byte of every packet
type ControlByte byte

// Control byte values
const (
	HandshakeInitReq     ControlByte = 0x00
	HandshakeInitRes     ControlByte = 0x01
	HandshakeCompReq     ControlByte = 0x02
	HandshakeCompRes     ControlByte = 0x03
	EncryptedTransport   ControlByte = 0x04
	AckMessage           ControlByte = 0x20
	CodecV1              ControlByte = 0x3f
	ChannelAllocationReq ControlByte = 0x40
	ChannelAllocationRes ControlByte = 0x41
	TransportErrorCB     ControlByte = 0x42
	PingCB               ControlByte = 0x43
	PongCB               ControlByte = 0x44
	Continuation         ControlByte = 0x80
)

// Sync bit masks
const (
	SeqBit   ControlByte = 0x10
	AckBit   ControlByte = 0x08
	DataMask ControlByte = 0xe7
)

// Category classifies a packet by its control byte
type Category uint8

const (
	CategoryError Category = iota
	CategoryContinuation
	CategoryCodecV1
	CategoryAck
	CategoryHandshakeInitRequest
	CategoryHandshakeInitResponse
	CategoryHandshakeCompletionRequest
	CategoryHandshakeCompletionResponse
	CategoryEncrypted
	CategoryChannelAllocationRequest
	CategoryChannelAllocationResponse
	CategoryPing
	CategoryPong
)

var categoryNames = map[Category]string{
	CategoryError:                       "error",
	CategoryContinuation:                "continuation",
	CategoryCodecV1:                     "codec_v1",
	CategoryAck:                         "ack",
	CategoryHandshakeInitRequest:        "handshake_init_request",
	CategoryHandshakeInitResponse:       "handshake_init_response",
	CategoryHandshakeCompletionRequest:  "handshake_completion_request",
	CategoryHandshakeCompletionResponse: "handshake_completion_response",
	CategoryEncrypted:                   "encrypted",
	CategoryChannelAllocationRequest:    "channel_allocation_request",
	CategoryChannelAllocationResponse:   "channel_allocation_response",
	CategoryPing:                        "ping",
	CategoryPong:                        "pong",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// IsHandshake reports whether c is one of the four handshake messages
func (c Category) IsHandshake() bool {
	return c >= CategoryHandshakeInitRequest && c <= CategoryHandshakeCompletionResponse
}

// IsData reports whether messages of this category are sequenced and
// acknowledged
func (c Category) IsData() bool {
	return c.IsHandshake() || c == CategoryEncrypted
}

// SentBy reports whether role is allowed to send messages of this category
func (c Category) SentBy(role Role) bool {
	switch c {
	case CategoryHandshakeInitRequest, CategoryHandshakeCompletionRequest,
		CategoryChannelAllocationRequest, CategoryPing:
		return role == RoleHost
	case CategoryHandshakeInitResponse, CategoryHandshakeCompletionResponse,
		CategoryChannelAllocationResponse, CategoryPong:
		return role == RoleDevice
	}
	return true
}

// Base returns the control byte of c with both sync bits cleared
func (c Category) Base() ControlByte {
	switch c {
	case CategoryContinuation:
		return Continuation
	case CategoryCodecV1:
		return CodecV1
	case CategoryAck:
		return AckMessage
	case CategoryHandshakeInitRequest:
		return HandshakeInitReq
	case CategoryHandshakeInitResponse:
		return HandshakeInitRes
	case CategoryHandshakeCompletionRequest:
		return HandshakeCompReq
	case CategoryHandshakeCompletionResponse:
		return HandshakeCompRes
	case CategoryEncrypted:
		return EncryptedTransport
	case CategoryChannelAllocationRequest:
		return ChannelAllocationReq
	case CategoryChannelAllocationResponse:
		return ChannelAllocationRes
	case CategoryPing:
		return PingCB
	case CategoryPong:
		return PongCB
	default:
		return TransportErrorCB
	}
}

// Category classifies the control byte. It never fails: patterns the
// protocol does not define are reported as CategoryError, use Known to tell
// them apart from TransportError packets.
func (cb ControlByte) Category() Category {
	switch cb {
	case Continuation:
		return CategoryContinuation
	case CodecV1:
		return CategoryCodecV1
	case ChannelAllocationReq:
		return CategoryChannelAllocationRequest
	case ChannelAllocationRes:
		return CategoryChannelAllocationResponse
	case TransportErrorCB:
		return CategoryError
	case PingCB:
		return CategoryPing
	case PongCB:
		return CategoryPong
	}
	switch cb & DataMask {
	case HandshakeInitReq:
		return CategoryHandshakeInitRequest
	case HandshakeInitRes:
		return CategoryHandshakeInitResponse
	case HandshakeCompReq:
		return CategoryHandshakeCompletionRequest
	case HandshakeCompRes:
		return CategoryHandshakeCompletionResponse
	case EncryptedTransport:
		return CategoryEncrypted
	case AckMessage:
		return CategoryAck
	}
	return CategoryError
}

// Known reports whether the control byte belongs to a defined category
func (cb ControlByte) Known() bool {
	return cb == TransportErrorCB || cb.Category() != CategoryError
}

func (cb ControlByte) IsContinuation() bool { return cb == Continuation }
func (cb ControlByte) IsCodecV1() bool      { return cb == CodecV1 }
func (cb ControlByte) IsAck() bool          { return cb.Category() == CategoryAck }
func (cb ControlByte) IsEncrypted() bool    { return cb.Category() == CategoryEncrypted }
func (cb ControlByte) IsHandshake() bool    { return cb.Category().IsHandshake() }
func (cb ControlByte) IsError() bool        { return cb == TransportErrorCB }
func (cb ControlByte) IsPing() bool         { return cb == PingCB }
func (cb ControlByte) IsPong() bool         { return cb == PongCB }

func (cb ControlByte) IsChannelAllocationRequest() bool  { return cb == ChannelAllocationReq }
func (cb ControlByte) IsChannelAllocationResponse() bool { return cb == ChannelAllocationRes }

// SyncBits extracts the ack and sequence bits
func (cb ControlByte) SyncBits() SyncBits {
	return SyncBits{
		Ack: cb&AckBit != 0,
		Seq: cb&SeqBit != 0,
	}
}

// WithSyncBits returns cb with the sync bits replaced. Acknowledgments only
// carry the ack bit, data categories only the sequence bit. Other control
// bytes are returned unchanged.
func (cb ControlByte) WithSyncBits(sb SyncBits) ControlByte {
	c := cb.Category()
	switch {
	case c == CategoryAck:
		cb &^= AckBit | SeqBit
		if sb.Ack {
			cb |= AckBit
		}
	case c.IsData():
		cb &^= AckBit | SeqBit
		if sb.Seq {
			cb |= SeqBit
		}
	}
	return cb
}

// SyncBits is the (ack, sequence) pair carried in a control byte
type SyncBits struct {
	Ack bool
	Seq bool
}
