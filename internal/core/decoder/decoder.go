// Package decoder implements the protocol dissectors: link layers, IPv4 and
// IPv6 with its extension header chain, transports, tunnels and the Juniper
// capture encapsulations. Dissectors are plain dissect.Handler functions
// wired together through registry tables by Register.
package decoder

import (
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// errEndOfOptions stops an option walk at an End-of-Options marker.
var errEndOfOptions = errors.New("end of options")

// fixed checks that a fixed-size header of n bytes was captured.
func fixed(c dissect.Cursor, n int, proto string) error {
	if c.Len() < n {
		return fmt.Errorf("%w: %s header needs %d bytes, %d captured", core.ErrFatalStructural, proto, n, c.Len())
	}
	return nil
}

// span checks that a header whose length was read from the wire fits the
// bytes that remain. A length past the reported end is structural; a
// length past the captured end is truncation.
func span(c dissect.Cursor, n int, proto string) error {
	if n > c.Reported() {
		return fmt.Errorf("%w: %s header length %d exceeds remaining length %d", core.ErrFatalStructural, proto, n, c.Reported())
	}
	if n > c.Len() {
		return fmt.Errorf("%w: %s header of %d bytes, %d captured", core.ErrTruncated, proto, n, c.Len())
	}
	return nil
}

func addr4At(c dissect.Cursor, off int) netip.Addr {
	b, err := c.Bytes(off, 4)
	if err != nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b))
}

func addr16At(c dissect.Cursor, off int) netip.Addr {
	b, err := c.Bytes(off, 16)
	if err != nil {
		return netip.Addr{}
	}
	return netip.AddrFrom16([16]byte(b))
}

// u8, u16 and u32 read fields the caller has already bounds-checked.
func u8(c dissect.Cursor, off int) uint8 {
	v, _ := c.U8At(off)
	return v
}

func u16(c dissect.Cursor, off int) uint16 {
	v, _ := c.U16At(off)
	return v
}

func u32(c dissect.Cursor, off int) uint32 {
	v, _ := c.U32At(off)
	return v
}

// rest returns the view of c from off; off is clamped to the captured end.
func rest(c dissect.Cursor, off int) dissect.Cursor {
	if off > c.Len() {
		off = c.Len()
	}
	sub, _ := c.SubRest(off)
	return sub
}

// window returns the view of c covering n reported bytes from off.
func window(c dissect.Cursor, off, n int) dissect.Cursor {
	if off > c.Len() {
		off = c.Len()
	}
	if n < 0 {
		n = 0
	}
	sub, _ := c.Sub(off, n)
	return sub
}

// trailer renders c[off:] as a named leftover field when bytes remain.
func trailer(ctx *dissect.Context, c dissect.Cursor, off int, name string) {
	if off < c.Len() {
		ctx.Addf(c, off, c.Len()-off, name, "%d bytes", c.Len()-off)
	}
}

func onOff(b bool) string {
	if b {
		return "set"
	}
	return "not set"
}
