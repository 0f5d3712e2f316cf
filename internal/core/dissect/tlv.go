package dissect

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
)

// TLVFormat describes how options of one protocol are laid out.
type TLVFormat struct {
	TypeWidth   int    // bytes
	LengthWidth int    // bytes
	Order       Endian // byte order of type and length
	// Inclusive means the length counts the type and length fields too.
	Inclusive bool
	// Unit scales the length field; zero means 1.
	Unit int
	// Extra is added to the scaled length (IPv6 routing style "len + 1").
	Extra int
	// TypeMask is applied to the raw type before it is exposed.
	TypeMask uint32
	// Single reports types that occupy one byte with no length field, such
	// as Pad1 or End-of-Options.
	Single func(typ uint32) bool
}

// TLV is one decoded option.
type TLV struct {
	Type   uint32 // masked type
	Raw    uint32 // type as found on the wire
	Offset int    // offset of the option within the iterated cursor
	Header int    // bytes of type and length
	Length int    // value length
	Value  Cursor
}

// Total returns the bytes the option occupies.
func (t TLV) Total() int { return t.Header + t.Length }

// NextTLV decodes the option starting at off. Lengths that run past the
// reported end of c are a structural error; a value that was not fully
// captured is truncated.
func NextTLV(c Cursor, off int, f TLVFormat) (TLV, error) {
	raw, err := c.UintAt(off, f.TypeWidth, f.Order)
	if err != nil {
		return TLV{}, err
	}
	t := TLV{Raw: uint32(raw), Type: uint32(raw), Offset: off}
	if f.TypeMask != 0 {
		t.Type &= f.TypeMask
	}
	if f.Single != nil && f.Single(t.Type) {
		t.Header = f.TypeWidth
		t.Value, _ = c.Sub(off+f.TypeWidth, 0)
		return t, nil
	}

	l, err := c.UintAt(off+f.TypeWidth, f.LengthWidth, f.Order)
	if err != nil {
		return TLV{}, err
	}
	unit := f.Unit
	if unit == 0 {
		unit = 1
	}
	t.Header = f.TypeWidth + f.LengthWidth
	length := int(l)*unit + f.Extra
	if f.Inclusive {
		length -= t.Header
		if length < 0 {
			return TLV{}, fmt.Errorf("%w: option length %d shorter than its header", core.ErrFatalStructural, l)
		}
	}
	t.Length = length
	if c.PastReported(off, t.Total()) {
		return TLV{}, fmt.Errorf("%w: option at offset %d claims %d bytes, %d remain",
			core.ErrFatalStructural, c.Abs(off), t.Total(), c.Reported()-off)
	}
	t.Value, err = c.Sub(off+t.Header, length)
	if err != nil {
		return TLV{}, err
	}
	if t.Value.Truncated() {
		return t, fmt.Errorf("%w: option value at offset %d", core.ErrTruncated, c.Abs(off+t.Header))
	}
	return t, nil
}

// EachTLV iterates the options of c from off until the reported end,
// calling fn for every option. Iteration stops at the first error from
// NextTLV or fn.
func EachTLV(c Cursor, off int, f TLVFormat, fn func(TLV) error) (int, error) {
	for off < c.Reported() {
		t, err := NextTLV(c, off, f)
		if err != nil {
			return off, err
		}
		if err := fn(t); err != nil {
			return off, err
		}
		off += t.Total()
	}
	return off, nil
}
