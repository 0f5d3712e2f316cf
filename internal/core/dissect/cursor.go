// Package dissect implements the generic packet dissection engine: a
// bounds-checked cursor over captured bytes, a per-packet decode context,
// a registry of dissector tables and the anomaly reporter.
package dissect

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
)

// Endian selects the byte order of a multi-byte read.
type Endian uint8

const (
	BigEndian Endian = iota
	LittleEndian
)

// Cursor is a read-only view over captured packet bytes. It borrows the
// backing buffer and never copies unless Clone is called. Offsets passed to
// the At methods are relative to the start of the view.
type Cursor struct {
	data     []byte // captured bytes of this view
	base     int    // absolute offset of data[0] within the top-level packet
	off      int    // current read offset, advanced by decoders
	reported int    // reported (on-the-wire) length of this view
}

// NewCursor creates a top-level cursor. reported is the on-the-wire length
// and may exceed len(data) when the frame was captured truncated; a negative
// value means "same as captured".
func NewCursor(data []byte, reported int) Cursor {
	if reported < 0 {
		reported = len(data)
	}
	return Cursor{data: data, reported: reported}
}

// Len returns the captured length of the view.
func (c Cursor) Len() int { return len(c.data) }

// Reported returns the reported length of the view.
func (c Cursor) Reported() int { return c.reported }

// Offset returns the current read offset.
func (c Cursor) Offset() int { return c.off }

// Abs converts a view-relative offset into an absolute packet offset.
func (c Cursor) Abs(off int) int { return c.base + off }

// RemainingCaptured returns the captured bytes left after the current offset.
func (c Cursor) RemainingCaptured() int {
	if c.off >= len(c.data) {
		return 0
	}
	return len(c.data) - c.off
}

// RemainingReported returns the reported bytes left after the current offset.
func (c Cursor) RemainingReported() int {
	if c.off >= c.reported {
		return 0
	}
	return c.reported - c.off
}

// Truncated reports whether fewer bytes were captured than reported.
func (c Cursor) Truncated() bool { return len(c.data) < c.reported }

// PastReported reports whether [off, off+n) extends past the reported
// length. Such a read is legal when the bytes were captured but the caller
// should flag it.
func (c Cursor) PastReported(off, n int) bool { return off+n > c.reported }

// Advance moves the current offset forward by n bytes.
func (c *Cursor) Advance(n int) error {
	if err := c.check(c.off, n); err != nil {
		return err
	}
	c.off += n
	return nil
}

// Seek sets the current offset.
func (c *Cursor) Seek(off int) error {
	if off < 0 || off > len(c.data) {
		return c.truncated(off, 0)
	}
	c.off = off
	return nil
}

// Region returns the absolute packet region for view-relative [off, off+n).
func (c Cursor) Region(off, n int) Region {
	if n < 0 {
		n = 0
	}
	return Region{Offset: c.base + off, Length: n}
}

func (c Cursor) check(off, n int) error {
	if off < 0 || n < 0 || off+n > len(c.data) {
		return c.truncated(off, n)
	}
	return nil
}

func (c Cursor) truncated(off, n int) error {
	return fmt.Errorf("%w: %d bytes at offset %d, %d captured", core.ErrTruncated, n, c.base+off, c.base+len(c.data))
}

// Bytes returns the captured bytes [off, off+n) without copying.
func (c Cursor) Bytes(off, n int) ([]byte, error) {
	if err := c.check(off, n); err != nil {
		return nil, err
	}
	return c.data[off : off+n : off+n], nil
}

// Clone returns an owned copy of [off, off+n).
func (c Cursor) Clone(off, n int) ([]byte, error) {
	b, err := c.Bytes(off, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Sub returns a narrowed view starting at off. A negative n extends the
// view to the end of the reported length; otherwise the view reports
// exactly n bytes and captures as many of them as are available.
func (c Cursor) Sub(off, n int) (Cursor, error) {
	if off < 0 || off > len(c.data) {
		return Cursor{}, c.truncated(off, 0)
	}
	reported := n
	if n < 0 {
		reported = c.reported - off
		if reported < 0 {
			reported = 0
		}
	}
	captured := len(c.data) - off
	if reported < captured {
		captured = reported
	}
	return Cursor{
		data:     c.data[off : off+captured : off+captured],
		base:     c.base + off,
		reported: reported,
	}, nil
}

// SubRest returns a view from off to the end of the reported length.
func (c Cursor) SubRest(off int) (Cursor, error) {
	return c.Sub(off, -1)
}

// Rest returns a view starting at the current offset. It never fails
// because the current offset is always within the captured bytes.
func (c Cursor) Rest() Cursor {
	sub, _ := c.Sub(c.off, -1)
	return sub
}

// Uint reads an unsigned integer of width bytes (1-8) at the current offset
// without advancing.
func (c Cursor) Uint(width int, order Endian) (uint64, error) {
	return c.UintAt(c.off, width, order)
}

// UintAt reads an unsigned integer of width bytes (1-8) at off.
func (c Cursor) UintAt(off, width int, order Endian) (uint64, error) {
	if width < 1 || width > 8 {
		return 0, fmt.Errorf("dissect: unsupported integer width %d", width)
	}
	if err := c.check(off, width); err != nil {
		return 0, err
	}
	var v uint64
	b := c.data[off : off+width]
	if order == LittleEndian {
		for i := width - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, nil
	}
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

// U8 reads one byte at the current offset.
func (c Cursor) U8() (uint8, error) { return c.U8At(c.off) }

// U16 reads a big-endian uint16 at the current offset.
func (c Cursor) U16() (uint16, error) { return c.U16At(c.off) }

// U32 reads a big-endian uint32 at the current offset.
func (c Cursor) U32() (uint32, error) { return c.U32At(c.off) }

// U8At reads the byte at off.
func (c Cursor) U8At(off int) (uint8, error) {
	if err := c.check(off, 1); err != nil {
		return 0, err
	}
	return c.data[off], nil
}

// U16At reads a big-endian uint16 at off.
func (c Cursor) U16At(off int) (uint16, error) {
	v, err := c.UintAt(off, 2, BigEndian)
	return uint16(v), err
}

// U24At reads a big-endian 24-bit value at off.
func (c Cursor) U24At(off int) (uint32, error) {
	v, err := c.UintAt(off, 3, BigEndian)
	return uint32(v), err
}

// U32At reads a big-endian uint32 at off.
func (c Cursor) U32At(off int) (uint32, error) {
	v, err := c.UintAt(off, 4, BigEndian)
	return uint32(v), err
}

// U64At reads a big-endian uint64 at off.
func (c Cursor) U64At(off int) (uint64, error) {
	return c.UintAt(off, 8, BigEndian)
}

// U16LEAt reads a little-endian uint16 at off.
func (c Cursor) U16LEAt(off int) (uint16, error) {
	v, err := c.UintAt(off, 2, LittleEndian)
	return uint16(v), err
}

// U24LEAt reads a little-endian 24-bit value at off.
func (c Cursor) U24LEAt(off int) (uint32, error) {
	v, err := c.UintAt(off, 3, LittleEndian)
	return uint32(v), err
}

// U32LEAt reads a little-endian uint32 at off.
func (c Cursor) U32LEAt(off int) (uint32, error) {
	v, err := c.UintAt(off, 4, LittleEndian)
	return uint32(v), err
}
