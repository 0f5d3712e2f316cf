package decoder

import (
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	mplsEntryLen      = 4
	mplsIPv4NullLabel = 0
	mplsIPv6NullLabel = 2
)

// MPLS decodes a label stack. The payload type is not signalled on the
// wire; explicit-null labels name it, otherwise the first nibble after the
// bottom of stack is used: 4 and 6 for IP, 0 for a pseudowire control word
// in front of an Ethernet frame.
func MPLS(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, mplsEntryLen, "MPLS"); err != nil {
		return 0, err
	}
	off := 0
	var label uint32
	for {
		if err := fixed(window(c, off, c.Reported()-off), mplsEntryLen, "MPLS"); err != nil {
			return off, err
		}
		e := u32(c, off)
		label = e >> 12
		bottom := e&0x100 != 0
		ctx.Push(c, off, mplsEntryLen, "mpls")
		ctx.Add(c, off, 3, "mpls.label", label)
		ctx.Add(c, off+2, 1, "mpls.exp", (e>>9)&7)
		ctx.Add(c, off+2, 1, "mpls.bottom", bottom)
		ctx.Add(c, off+3, 1, "mpls.ttl", e&0xff)
		ctx.Pop()
		off += mplsEntryLen
		if bottom {
			break
		}
	}
	ctx.AppendInfo("MPLS label %d", label)

	payload := rest(c, off)
	if payload.Len() == 0 {
		return off, nil
	}
	switch {
	case label == mplsIPv4NullLabel:
		return off + ctx.CallNamed("ipv4", payload), nil
	case label == mplsIPv6NullLabel:
		return off + ctx.CallNamed("ipv6", payload), nil
	}
	switch u8(payload, 0) >> 4 {
	case 4:
		return off + ctx.CallNamed("ipv4", payload), nil
	case 6:
		return off + ctx.CallNamed("ipv6", payload), nil
	case 0:
		if payload.Len() >= 4 {
			ctx.Addf(payload, 0, 4, "pwmcw.control_word", "0x%08x", u32(payload, 0))
			return off + 4 + ctx.CallNamed("eth", rest(payload, 4)), nil
		}
	}
	return off + ctx.CallData(payload), nil
}
