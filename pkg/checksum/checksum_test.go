package checksum

import (
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestMatchesIEEE(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		[]byte("123456789"),
		[]byte("The quick brown fox jumps over the lazy dog"),
	}
	for i := 0; i < 300; i += 7 {
		buf := make([]byte, i)
		for j := range buf {
			buf[j] = byte(j * 31)
		}
		inputs = append(inputs, buf)
	}

	for _, in := range inputs {
		got := Digest(in)
		want := crc32.ChecksumIEEE(in)
		assert.Equal(t, want, binary.BigEndian.Uint32(got[:]), "input %x", in)
	}
}

func TestDigestKnownValue(t *testing.T) {
	got := Digest([]byte("123456789"))
	assert.Equal(t, "cbf43926", hex.EncodeToString(got[:]))
}

func TestIncrementalEqualsOneShot(t *testing.T) {
	data := []byte("alternating bit protocol over small packets")
	c := New()
	c.Update(data[:5])
	c.Update(nil)
	c.Update(data[5:17])
	c.Update(data[17:])
	assert.Equal(t, Digest(data), c.Sum())

	c.Reset()
	c.Update(data)
	assert.Equal(t, Digest(data), c.Sum())
}

func TestVerifyPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x07}},
		{"text", []byte("hello device")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x08, 0xe7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Append(nil, tt.payload)
			require.Len(t, buf, len(tt.payload)+Len)

			data, ok := VerifyPayload(buf)
			require.True(t, ok)
			assert.Equal(t, tt.payload, data)

			for bit := 0; bit < len(buf)*8; bit++ {
				corrupted := append([]byte(nil), buf...)
				corrupted[bit/8] ^= 1 << (bit % 8)
				_, ok := VerifyPayload(corrupted)
				assert.False(t, ok, "flip of bit %d not detected", bit)
			}
		})
	}
}

func TestVerifyPayloadTooShort(t *testing.T) {
	for n := 0; n < Len; n++ {
		_, ok := VerifyPayload(make([]byte, n))
		assert.False(t, ok)
	}
}

func TestVerifyEmptyMessageVector(t *testing.T) {
	// Header of an empty encrypted message on channel 0x1234 followed by its checksum.
	buf, err := hex.DecodeString("0412340004edbd479c")
	require.NoError(t, err)
	data, ok := VerifyPayload(buf)
	require.True(t, ok)
	assert.Equal(t, []byte{0x04, 0x12, 0x34, 0x00, 0x04}, data)
}
