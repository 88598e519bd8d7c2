package fragment

import (
	"fmt"

	"github.com/ZentaChain/thp/pkg/checksum"
	"github.com/ZentaChain/thp/pkg/protocol"
)

// Status is the outcome of feeding one packet to a Reassembler
type Status int

const (
	// StatusMoreData means the message needs further continuation packets
	StatusMoreData Status = iota
	// StatusComplete means the message is complete and its checksum is valid
	StatusComplete
	// StatusBufferTooSmall means the backing buffer cannot hold the message.
	// The reassembler is unchanged; Resize and feed the same packet again.
	StatusBufferTooSmall
	// StatusDiscarded means the message was complete but failed the
	// checksum and was dropped
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusMoreData:
		return "more_data"
	case StatusComplete:
		return "complete"
	case StatusBufferTooSmall:
		return "buffer_too_small"
	case StatusDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reassembler collects the packets of one message at a time into a backing
// buffer
type Reassembler struct {
	role     protocol.Role
	buf      []byte
	growable bool

	header protocol.Header
	sync   protocol.SyncBits
	init   [protocol.InitHeaderLen]byte
	offset int
	active bool
	done   bool
	needed int
}

// NewReassembler returns a reassembler writing into a caller-owned buffer.
// Messages larger than buf are reported with StatusBufferTooSmall.
func NewReassembler(role protocol.Role, buf []byte) *Reassembler {
	return &Reassembler{role: role, buf: buf}
}

// NewGrowableReassembler returns a reassembler that allocates as needed
func NewGrowableReassembler(role protocol.Role) *Reassembler {
	return &Reassembler{role: role, growable: true}
}

// Feed processes one packet
func (r *Reassembler) Feed(packet []byte) (Status, error) {
	h, rest, err := protocol.ParseHeader(r.role, packet)
	if err != nil {
		return StatusMoreData, err
	}

	switch {
	case h.Category == protocol.CategoryCodecV1:
		return StatusMoreData, fmt.Errorf("%w: codec v1 packet", protocol.ErrMalformedData)
	case h.Category == protocol.CategoryContinuation:
		if !r.active || r.done {
			return StatusMoreData, ErrUnexpectedContinuation
		}
		if h.ChannelID != r.header.ChannelID {
			return StatusMoreData, fmt.Errorf("%w: got %#04x, reassembling %#04x",
				ErrChannelMismatch, h.ChannelID, r.header.ChannelID)
		}
	default:
		need := int(h.PayloadLen)
		if need < checksum.Len {
			return StatusMoreData, fmt.Errorf("%w: payload length %d", ErrPayloadLength, need)
		}
		if need > len(r.buf) {
			if !r.growable {
				r.needed = need
				return StatusBufferTooSmall, nil
			}
			r.buf = make([]byte, need)
		}
		r.header = h
		r.sync = protocol.ControlByte(packet[0]).SyncBits()
		copy(r.init[:], packet[:protocol.InitHeaderLen])
		r.offset = 0
		r.active = true
		r.done = false
		r.needed = 0
	}

	total := int(r.header.PayloadLen)
	r.offset += copy(r.buf[r.offset:total], rest)
	if r.offset < total {
		return StatusMoreData, nil
	}

	crc := checksum.New()
	crc.Update(r.init[:])
	crc.Update(r.buf[:total-checksum.Len])
	if crc.Sum() != [checksum.Len]byte(r.buf[total-checksum.Len:total]) {
		r.Reset()
		return StatusDiscarded, nil
	}
	r.done = true
	return StatusComplete, nil
}

// Needed returns the buffer size requested by the last StatusBufferTooSmall
func (r *Reassembler) Needed() int {
	return r.needed
}

// Resize replaces the backing buffer, keeping any partial message
func (r *Reassembler) Resize(buf []byte) {
	if r.active {
		copy(buf, r.buf[:r.offset])
	}
	r.buf = buf
}

// Reset drops any message in progress
func (r *Reassembler) Reset() {
	r.header = protocol.Header{}
	r.sync = protocol.SyncBits{}
	r.offset = 0
	r.active = false
	r.done = false
}

// InProgress reports whether a message has been started but not completed
func (r *Reassembler) InProgress() bool {
	return r.active && !r.done
}

// Done reports whether a verified message is available
func (r *Reassembler) Done() bool {
	return r.done
}

// ChannelID returns the channel of the current message
func (r *Reassembler) ChannelID() uint16 {
	return r.header.ChannelID
}

// Header returns the init header of the current message
func (r *Reassembler) Header() protocol.Header {
	return r.header
}

// SyncBits returns the sync bits of the current message
func (r *Reassembler) SyncBits() protocol.SyncBits {
	return r.sync
}

// Message returns the verified payload without its checksum. The slice
// aliases the backing buffer and is valid until the next Feed.
func (r *Reassembler) Message() (protocol.Header, []byte, error) {
	if !r.done || int(r.header.PayloadLen) < checksum.Len {
		return protocol.Header{}, nil, ErrNotCompleted
	}
	return r.header, r.buf[:int(r.header.PayloadLen)-checksum.Len], nil
}
