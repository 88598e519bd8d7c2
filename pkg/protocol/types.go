package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedData      = errors.New("protocol: malformed data")
	ErrOutOfBounds        = errors.New("protocol: out of bounds")
	ErrInsufficientBuffer = errors.New("protocol: insufficient buffer")
	ErrWrongRole          = errors.New("protocol: category not valid for role")
)

// Channel and length limits
const (
	BroadcastChannelID uint16 = 0xffff
	MaxChannelID       uint16 = 0xffef
	MinChannelID       uint16 = 0x0001

	// Maximum value of the payload length field, checksum included
	MaxPayloadLen = 60000

	InitHeaderLen = 5
	ContHeaderLen = 3

	// Smallest packet that can carry an init header and one payload byte
	MinPacketLen = InitHeaderLen + 1

	// Packet length used by USB HID and the UDP emulator
	DefaultPacketLen = 64

	NonceLen = 8

	// Trailing CRC-32 carried by every init message
	ChecksumLen = 4
)

// Fixed payload lengths, checksum included
const (
	ackPayloadLen   = ChecksumLen
	noncePayloadLen = NonceLen + ChecksumLen
	errorPayloadLen = 1 + ChecksumLen
)

// CodecV1Response is sent by the device in reply to a legacy protocol
// request: "?##" + Failure message type + length + Failure_InvalidProtocol.
var CodecV1Response = []byte("?##\x00\x03\x00\x00\x00\x14\x08\x11")

// Role identifies which side of the link a component runs on
type Role uint8

const (
	RoleHost Role = iota
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleDevice:
		return "device"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Peer returns the opposite role
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleDevice
	}
	return RoleHost
}

// Nonce is the random value echoed in ping/pong and channel allocation
type Nonce [NonceLen]byte

// ParseNonce splits a nonce off the front of buf
func ParseNonce(buf []byte) (Nonce, []byte, error) {
	var n Nonce
	if len(buf) < NonceLen {
		return n, nil, ErrOutOfBounds
	}
	copy(n[:], buf)
	return n, buf[NonceLen:], nil
}

// ChannelIDValid reports whether id is an allocatable channel id or the
// broadcast channel
func ChannelIDValid(id uint16) bool {
	return id <= MaxChannelID || id == BroadcastChannelID
}

// TransportError is an error code carried by a TransportError packet
type TransportError uint8

const (
	TransportBusy      TransportError = 1
	UnallocatedChannel TransportError = 2
	DecryptionFailed   TransportError = 3
	DeviceLocked       TransportError = 5
)

func (e TransportError) Error() string {
	switch e {
	case TransportBusy:
		return "transport busy"
	case UnallocatedChannel:
		return "unallocated channel"
	case DecryptionFailed:
		return "decryption failed"
	case DeviceLocked:
		return "device locked"
	default:
		return fmt.Sprintf("transport error %d", uint8(e))
	}
}

// Known reports whether the code is one the protocol defines
func (e TransportError) Known() bool {
	switch e {
	case TransportBusy, UnallocatedChannel, DecryptionFailed, DeviceLocked:
		return true
	}
	return false
}
