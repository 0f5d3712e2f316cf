package dissect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

var ipv6OptFormat = TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Single:      func(typ uint32) bool { return typ == 0 },
}

func TestEachTLV_Options(t *testing.T) {
	// Pad1, PadN(2), unknown type 0x3e with 3 bytes, Router Alert
	opts := []byte{
		0x00,
		0x01, 0x02, 0x00, 0x00,
		0x3e, 0x03, 0xaa, 0xbb, 0xcc,
		0x05, 0x02, 0x00, 0x00,
	}
	var seen []TLV
	end, err := EachTLV(NewCursor(opts, -1), 0, ipv6OptFormat, func(o TLV) error {
		seen = append(seen, o)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(opts), end)
	require.Len(t, seen, 4)

	assert.Equal(t, 1, seen[0].Total())
	assert.Equal(t, 0, seen[0].Length)

	assert.Equal(t, uint32(0x3e), seen[2].Type)
	assert.Equal(t, 5, seen[2].Total(), "length field plus two header bytes")
	assert.Equal(t, 7, seen[2].Value.Abs(0))
	v, err := seen[2].Value.U8At(2)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xcc), v)
}

func TestNextTLV_Overrun(t *testing.T) {
	c := NewCursor([]byte{0x05, 0x08, 0x00, 0x00}, -1)
	_, err := NextTLV(c, 0, ipv6OptFormat)
	require.ErrorIs(t, err, core.ErrFatalStructural)

	c = NewCursor([]byte{0x05}, -1)
	_, err = NextTLV(c, 0, ipv6OptFormat)
	require.ErrorIs(t, err, core.ErrTruncated)

	// reported long enough but not captured
	c = NewCursor([]byte{0x05, 0x04, 0x00}, 6)
	o, err := NextTLV(c, 0, ipv6OptFormat)
	require.ErrorIs(t, err, core.ErrTruncated)
	assert.Equal(t, 4, o.Length)
}

func TestNextTLV_InclusiveAndUnits(t *testing.T) {
	// PPP style: length covers the type and length bytes
	ppp := TLVFormat{TypeWidth: 1, LengthWidth: 1, Inclusive: true}
	o, err := NextTLV(NewCursor([]byte{0x01, 0x04, 0x05, 0xdc}, -1), 0, ppp)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Length)
	assert.Equal(t, 4, o.Total())

	_, err = NextTLV(NewCursor([]byte{0x01, 0x01}, -1), 0, ppp)
	require.ErrorIs(t, err, core.ErrFatalStructural)

	// 16-bit little-endian type and length
	le := TLVFormat{TypeWidth: 2, LengthWidth: 2, Order: LittleEndian, Unit: 4}
	o, err = NextTLV(NewCursor([]byte{0x02, 0x01, 0x01, 0x00, 1, 2, 3, 4}, -1), 0, le)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0102), o.Type)
	assert.Equal(t, 4, o.Length)
}

func TestNextTLV_TypeMask(t *testing.T) {
	f := TLVFormat{TypeWidth: 1, LengthWidth: 1, TypeMask: 0x7f}
	o, err := NextTLV(NewCursor([]byte{0x81, 0x00}, -1), 0, f)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01), o.Type)
	assert.Equal(t, uint32(0x81), o.Raw)
}

func TestInternetChecksum(t *testing.T) {
	// RFC 1071 section 3 example
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(^uint16(0xddf2)), InternetChecksum(data))

	// split at an odd boundary gives the same sum
	assert.Equal(t, InternetChecksum(data), InternetChecksum(data[:3], data[3:5], data[5:]))

	// odd length pads with zero
	assert.Equal(t, InternetChecksum([]byte{0x12, 0x34, 0x56, 0x00}), InternetChecksum([]byte{0x12, 0x34, 0x56}))

	// a header carrying its own checksum sums to zero
	hdr := []byte{0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7}
	sum := InternetChecksum(hdr)
	hdr[10], hdr[11] = byte(sum>>8), byte(sum)
	assert.Equal(t, uint16(0), InternetChecksum(hdr))
	assert.Equal(t, uint16(0xb861), sum)
}
