// Package fragment splits messages into fixed-size packets and reassembles
// them on the receiving side.
package fragment

import (
	"errors"
	"fmt"

	"github.com/ZentaChain/thp/pkg/checksum"
	"github.com/ZentaChain/thp/pkg/protocol"
)

var (
	ErrPacketTooShort         = errors.New("fragment: packet length too short")
	ErrPayloadLength          = errors.New("fragment: payload length does not match header")
	ErrUnexpectedContinuation = errors.New("fragment: continuation without message in progress")
	ErrChannelMismatch        = errors.New("fragment: continuation for another channel")
	ErrNotCompleted           = errors.New("fragment: message not completed")
)

// Fragmenter produces the packets of one message. It keeps a reference to
// the payload until the message is acknowledged so it can be retransmitted.
type Fragmenter struct {
	header  protocol.Header
	sync    protocol.SyncBits
	init    [protocol.InitHeaderLen]byte
	payload []byte
	sum     [checksum.Len]byte
	offset  int
	started bool
}

// NewFragmenter prepares payload for sending under header. The header's
// payload length must account for the payload and its checksum.
func NewFragmenter(header protocol.Header, sb protocol.SyncBits, payload []byte) (*Fragmenter, error) {
	if !header.IsInit() {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMalformedData, header.Category)
	}
	if int(header.PayloadLen) != len(payload)+checksum.Len {
		return nil, fmt.Errorf("%w: header %d, payload %d", ErrPayloadLength, header.PayloadLen, len(payload))
	}
	f := &Fragmenter{
		header:  header,
		sync:    sb,
		payload: payload,
	}
	if _, err := header.Encode(f.init[:], sb); err != nil {
		return nil, err
	}
	crc := checksum.New()
	crc.Update(f.init[:])
	crc.Update(payload)
	f.sum = crc.Sum()
	return f, nil
}

// Header returns the header of the message being sent
func (f *Fragmenter) Header() protocol.Header {
	return f.header
}

// SyncBits returns the sync bits the message is sent with
func (f *Fragmenter) SyncBits() protocol.SyncBits {
	return f.sync
}

// Done reports whether every packet has been produced
func (f *Fragmenter) Done() bool {
	return f.started && f.offset == len(f.payload)+checksum.Len
}

// Reset rewinds to the first packet for retransmission
func (f *Fragmenter) Reset() {
	f.offset = 0
	f.started = false
}

// Next writes the next packet into dst, whose length is the packet length.
// It returns false when the message has already been fully written.
func (f *Fragmenter) Next(dst []byte) (bool, error) {
	if len(dst) < protocol.MinPacketLen {
		return false, ErrPacketTooShort
	}
	if f.Done() {
		return false, nil
	}
	clear(dst)

	var n int
	if !f.started {
		n = copy(dst, f.init[:])
		f.started = true
	} else {
		var err error
		n, err = f.header.ContinuationHeader().Encode(dst, f.sync)
		if err != nil {
			return false, err
		}
	}

	if f.offset < len(f.payload) {
		c := copy(dst[n:], f.payload[f.offset:])
		n += c
		f.offset += c
	}
	if f.offset >= len(f.payload) {
		sumOffset := f.offset - len(f.payload)
		c := copy(dst[n:], f.sum[sumOffset:])
		f.offset += c
	}
	return true, nil
}

// Single writes a message that must fit into one packet
func Single(header protocol.Header, sb protocol.SyncBits, payload []byte, dst []byte) error {
	f, err := NewFragmenter(header, sb, payload)
	if err != nil {
		return err
	}
	if _, err := f.Next(dst); err != nil {
		return err
	}
	if !f.Done() {
		return protocol.ErrInsufficientBuffer
	}
	return nil
}

// Packets fragments a whole message into packets of packetLen bytes
func Packets(header protocol.Header, sb protocol.SyncBits, payload []byte, packetLen int) ([][]byte, error) {
	f, err := NewFragmenter(header, sb, payload)
	if err != nil {
		return nil, err
	}
	var packets [][]byte
	for !f.Done() {
		pkt := make([]byte, packetLen)
		if _, err := f.Next(pkt); err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
