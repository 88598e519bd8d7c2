package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is a parsed packet header
type Header struct {
	Category  Category
	ChannelID uint16
	// Length of the message payload including the trailing checksum. Zero
	// for continuation and codec v1 packets.
	PayloadLen uint16
	// Error code of a TransportError packet
	ErrorCode TransportError
	// Set on a codec v1 packet that continues a legacy message
	CodecV1Continuation bool
}

// Len returns the encoded size of the header
func (h Header) Len() int {
	switch h.Category {
	case CategoryContinuation:
		return ContHeaderLen
	case CategoryCodecV1:
		return 1
	default:
		return InitHeaderLen
	}
}

// IsBroadcast reports whether the header addresses the broadcast channel
func (h Header) IsBroadcast() bool {
	return h.ChannelID == BroadcastChannelID
}

// IsInit reports whether the header starts a new message
func (h Header) IsInit() bool {
	return h.Category != CategoryContinuation && h.Category != CategoryCodecV1
}

// Encode writes the header with the given sync bits into dst and returns the
// number of bytes written
func (h Header) Encode(dst []byte, sb SyncBits) (int, error) {
	n := h.Len()
	if len(dst) < n {
		return 0, ErrInsufficientBuffer
	}
	if !ChannelIDValid(h.ChannelID) {
		return 0, fmt.Errorf("%w: channel id %#04x", ErrMalformedData, h.ChannelID)
	}
	dst[0] = byte(h.Category.Base().WithSyncBits(sb))
	if h.Category == CategoryCodecV1 {
		return n, nil
	}
	binary.BigEndian.PutUint16(dst[1:3], h.ChannelID)
	if h.Category == CategoryContinuation {
		return n, nil
	}
	if h.PayloadLen > MaxPayloadLen {
		return 0, fmt.Errorf("%w: payload length %d", ErrMalformedData, h.PayloadLen)
	}
	binary.BigEndian.PutUint16(dst[3:5], h.PayloadLen)
	return n, nil
}

// ContinuationHeader returns the header of packets following this one
func (h Header) ContinuationHeader() Header {
	return Header{Category: CategoryContinuation, ChannelID: h.ChannelID}
}

// ParseChannel reads the control byte and channel id common to every
// non-legacy packet
func ParseChannel(buf []byte) (ControlByte, uint16, []byte, error) {
	if len(buf) < 1 {
		return 0, 0, nil, ErrOutOfBounds
	}
	cb := ControlByte(buf[0])
	if cb.IsCodecV1() {
		return cb, 0, buf[1:], nil
	}
	if len(buf) < ContHeaderLen {
		return 0, 0, nil, ErrOutOfBounds
	}
	return cb, binary.BigEndian.Uint16(buf[1:3]), buf[ContHeaderLen:], nil
}

// ParseHeader parses the header at the start of a packet received by role.
// The returned remainder holds the payload bytes carried by this packet with
// any zero padding past the declared payload length stripped.
func ParseHeader(role Role, buf []byte) (Header, []byte, error) {
	cb, channelID, rest, err := ParseChannel(buf)
	if err != nil {
		return Header{}, nil, err
	}

	if cb.IsCodecV1() {
		if role == RoleHost {
			return Header{Category: CategoryCodecV1}, rest, nil
		}
		cont := len(rest) < 2 || rest[0] != '#' || rest[1] != '#'
		return Header{Category: CategoryCodecV1, CodecV1Continuation: cont}, rest, nil
	}

	if !ChannelIDValid(channelID) {
		return Header{}, nil, fmt.Errorf("%w: channel id %#04x", ErrMalformedData, channelID)
	}
	if cb.IsContinuation() {
		return Header{Category: CategoryContinuation, ChannelID: channelID}, rest, nil
	}
	if !cb.Known() {
		return Header{}, nil, fmt.Errorf("%w: control byte %#02x", ErrMalformedData, byte(cb))
	}

	if len(rest) < 2 {
		return Header{}, nil, ErrOutOfBounds
	}
	h := Header{
		Category:   cb.Category(),
		ChannelID:  channelID,
		PayloadLen: binary.BigEndian.Uint16(rest[0:2]),
	}
	rest = rest[2:]
	if h.PayloadLen > MaxPayloadLen || h.PayloadLen < ChecksumLen {
		return Header{}, nil, fmt.Errorf("%w: payload length %d", ErrMalformedData, h.PayloadLen)
	}
	if !h.Category.SentBy(role.Peer()) {
		return Header{}, nil, fmt.Errorf("%w: %s received by %s", ErrMalformedData, h.Category, role)
	}

	fixed := 0
	switch h.Category {
	case CategoryAck:
		fixed = ackPayloadLen
	case CategoryError:
		fixed = errorPayloadLen
	case CategoryPing, CategoryPong, CategoryChannelAllocationRequest:
		fixed = noncePayloadLen
	}
	switch h.Category {
	case CategoryPing, CategoryPong, CategoryChannelAllocationRequest, CategoryChannelAllocationResponse:
		if !h.IsBroadcast() {
			return Header{}, nil, fmt.Errorf("%w: %s on channel %#04x", ErrMalformedData, h.Category, channelID)
		}
	}
	if fixed != 0 {
		if int(h.PayloadLen) != fixed {
			return Header{}, nil, fmt.Errorf("%w: %s with payload length %d", ErrMalformedData, h.Category, h.PayloadLen)
		}
		if len(rest) < fixed {
			return Header{}, nil, ErrOutOfBounds
		}
	}
	if h.Category == CategoryError {
		h.ErrorCode = TransportError(rest[0])
	}

	if int(h.PayloadLen) < len(rest) {
		rest = rest[:h.PayloadLen]
	}
	return h, rest, nil
}

// NewHeader builds an init header for a message of the given category with a
// payload of payloadLen bytes, not counting the checksum
func NewHeader(category Category, channelID uint16, payloadLen int) (Header, error) {
	if category == CategoryContinuation || category == CategoryCodecV1 {
		return Header{}, fmt.Errorf("%w: %s has no payload length", ErrMalformedData, category)
	}
	if !ChannelIDValid(channelID) {
		return Header{}, fmt.Errorf("%w: channel id %#04x", ErrMalformedData, channelID)
	}
	total := payloadLen + ChecksumLen
	if payloadLen < 0 || total > MaxPayloadLen {
		return Header{}, fmt.Errorf("%w: payload length %d", ErrMalformedData, total)
	}
	return Header{Category: category, ChannelID: channelID, PayloadLen: uint16(total)}, nil
}

// NewAck returns the header of an acknowledgment on channelID
func NewAck(channelID uint16) Header {
	return Header{Category: CategoryAck, ChannelID: channelID, PayloadLen: ackPayloadLen}
}

// NewPing returns the header of a keep-alive request
func NewPing() Header {
	return Header{Category: CategoryPing, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

// NewPong returns the header of a keep-alive response
func NewPong() Header {
	return Header{Category: CategoryPong, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

// NewChannelAllocationRequest returns the header of a channel request
func NewChannelAllocationRequest() Header {
	return Header{Category: CategoryChannelAllocationRequest, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

// NewChannelAllocationResponse returns the header of a channel response
// carrying payloadLen bytes
func NewChannelAllocationResponse(payloadLen int) (Header, error) {
	return NewHeader(CategoryChannelAllocationResponse, BroadcastChannelID, payloadLen)
}

// NewTransportError returns the header of an error report for channelID. The
// error code is the single payload byte.
func NewTransportError(channelID uint16, code TransportError) Header {
	return Header{Category: CategoryError, ChannelID: channelID, PayloadLen: errorPayloadLen, ErrorCode: code}
}

// NewHandshake returns the header of a handshake message
func NewHandshake(category Category, channelID uint16, payloadLen int) (Header, error) {
	if !category.IsHandshake() {
		return Header{}, fmt.Errorf("%w: %s is not a handshake message", ErrMalformedData, category)
	}
	return NewHeader(category, channelID, payloadLen)
}

// NewEncrypted returns the header of an encrypted transport message
func NewEncrypted(channelID uint16, payloadLen int) (Header, error) {
	return NewHeader(CategoryEncrypted, channelID, payloadLen)
}
