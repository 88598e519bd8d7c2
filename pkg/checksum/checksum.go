// Package checksum implements the CRC-32 integrity check carried at the end
// of every transport message.
package checksum

import "encoding/binary"

// Len is the size of an encoded checksum in bytes
const Len = 4

// nibbleTable holds the CRC-32 (IEEE, reflected 0xEDB88320) remainders for
// every 4-bit input. Two lookups per byte keep the table at 64 bytes.
var nibbleTable = [16]uint32{
	0x00000000, 0x1db71064, 0x3b6e20c8, 0x26d930ac,
	0x76dc4190, 0x6b6b51f4, 0x4db26158, 0x5005713c,
	0xedb88320, 0xf00f9344, 0xd6d6a3e8, 0xcb61b38c,
	0x9b64c2b0, 0x86d3d2d4, 0xa00ae278, 0xbdbdf21c,
}

// CRC32 is an incremental checksum over data that arrives in pieces
type CRC32 struct {
	state uint32
}

// New returns a checksum seeded with the initial value
func New() *CRC32 {
	c := &CRC32{}
	c.Reset()
	return c
}

// Reset restores the initial state
func (c *CRC32) Reset() {
	c.state = 0xffffffff
}

// Update feeds data into the checksum
func (c *CRC32) Update(data []byte) {
	crc := c.state
	for _, b := range data {
		crc ^= uint32(b)
		crc = (crc >> 4) ^ nibbleTable[crc&0x0f]
		crc = (crc >> 4) ^ nibbleTable[crc&0x0f]
	}
	c.state = crc
}

// Sum returns the big-endian encoded digest of everything fed so far
func (c *CRC32) Sum() [Len]byte {
	var out [Len]byte
	binary.BigEndian.PutUint32(out[:], ^c.state)
	return out
}

// Digest computes the checksum of data in one call
func Digest(data []byte) [Len]byte {
	c := New()
	c.Update(data)
	return c.Sum()
}

// Append appends data followed by its checksum to dst
func Append(dst, data []byte) []byte {
	sum := Digest(data)
	dst = append(dst, data...)
	return append(dst, sum[:]...)
}

// VerifyPayload splits the trailing checksum off buf and recomputes it over
// the remainder. It returns the remainder and true when they agree.
func VerifyPayload(buf []byte) ([]byte, bool) {
	if len(buf) < Len {
		return nil, false
	}
	data, sum := buf[:len(buf)-Len], buf[len(buf)-Len:]
	expected := Digest(data)
	if expected[0] != sum[0] || expected[1] != sum[1] || expected[2] != sum[2] || expected[3] != sum[3] {
		return nil, false
	}
	return data, true
}
