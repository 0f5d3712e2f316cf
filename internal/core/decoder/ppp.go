package decoder

import (
	"sync/atomic"

	"firestige.xyz/dissect/internal/core/dissect"
)

// PPP protocol numbers.
const (
	pppIPv4          = 0x0021
	pppOSI           = 0x0023
	pppMP            = 0x003d
	pppIPv6          = 0x0057
	pppMPLSUnicast   = 0x0281
	pppMPLSMulticast = 0x0283
	pppIPCP          = 0x8021
	pppOSINLCP       = 0x8023
	pppMPLSCP        = 0x8281
	pppIPv6CP        = 0x8057
	pppLCP           = 0xc021
	pppPAP           = 0xc023
	pppCHAP          = 0xc223

	pppAddress = 0xff
	pppControl = 0x03
)

var pppProtocolNames = map[uint16]string{
	pppIPv4:          "IPv4",
	pppOSI:           "OSI",
	pppMP:            "Multilink",
	pppIPv6:          "IPv6",
	pppMPLSUnicast:   "MPLS unicast",
	pppMPLSMulticast: "MPLS multicast",
	pppIPCP:          "IPCP",
	pppOSINLCP:       "OSINLCP",
	pppMPLSCP:        "MPLSCP",
	pppIPv6CP:        "IPV6CP",
	pppLCP:           "LCP",
	pppPAP:           "PAP",
	pppCHAP:          "CHAP",
}

func pppProtocolName(p uint16) string {
	if n, ok := pppProtocolNames[p]; ok {
		return n
	}
	return "Unknown"
}

// PPP decodes a PPP frame with optional HDLC-like address and control
// fields (ACFC) and a one- or two-byte protocol field (PFC).
func PPP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 1, "PPP"); err != nil {
		return 0, err
	}
	off := 0
	ctx.Push(c, 0, 0, "ppp")
	if c.Len() >= 2 && u8(c, 0) == pppAddress && u8(c, 1) == pppControl {
		ctx.Addf(c, 0, 1, "ppp.address", "0x%02x", pppAddress)
		ctx.Addf(c, 1, 1, "ppp.control", "0x%02x", pppControl)
		off = 2
	}
	proto, n, err := pppProtocol(c, off)
	if err != nil {
		return off, err
	}
	ctx.Addf(c, off, n, "ppp.protocol", "%s (0x%04x)", pppProtocolName(proto), proto)
	ctx.Pop()
	off += n
	return off + ctx.Call(dissect.TablePPPProtocol, uint32(proto), rest(c, off)), nil
}

// pppProtocol reads a protocol field that may be compressed to one byte.
// Protocol numbers are odd in their low byte and even in their high byte.
func pppProtocol(c dissect.Cursor, off int) (uint16, int, error) {
	if err := fixed(window(c, off, c.Reported()-off), 1, "PPP protocol"); err != nil {
		return 0, 0, err
	}
	b := u8(c, off)
	if b&1 == 1 {
		return uint16(b), 1, nil
	}
	if err := fixed(window(c, off, c.Reported()-off), 2, "PPP protocol"); err != nil {
		return 0, 0, err
	}
	return u16(c, off), 2, nil
}

// isPPPProtocol is the protocol-field heuristic used when an encapsulation
// does not say whether PPP follows.
func isPPPProtocol(p uint16) bool {
	switch p {
	case pppIPv4, pppOSI, pppMPLSUnicast, pppMPLSMulticast, pppIPCP, pppOSINLCP,
		pppMPLSCP, pppLCP, pppPAP, pppCHAP, pppMP, pppIPv6, pppIPv6CP:
		return true
	}
	return false
}

const mpShortSeqKey = "ppp.mp.short_seq"

// mpShortSeq is the session flag set once LCP negotiates short sequence
// numbers for multilink.
func mpShortSeq(ctx *dissect.Context) *atomic.Bool {
	return ctx.Session.State(mpShortSeqKey, func() any { return new(atomic.Bool) }).(*atomic.Bool)
}

// Multilink decodes a Multilink PPP header (RFC 1990). Fragments are shown
// as data; they are not reassembled.
func Multilink(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	short := mpShortSeq(ctx).Load()
	n := 4
	if short {
		n = 2
	}
	if err := fixed(c, n, "Multilink"); err != nil {
		return 0, err
	}
	flags := u8(c, 0)
	var seq uint32
	if short {
		seq = uint32(u16(c, 0) & 0x0fff)
	} else {
		seq = u32(c, 0) & 0x00ffffff
	}
	ctx.Push(c, 0, n, "mp")
	ctx.Add(c, 0, 1, "mp.first", flags&0x80 != 0)
	ctx.Add(c, 0, 1, "mp.last", flags&0x40 != 0)
	ctx.Add(c, 0, n, "mp.seq", seq)
	ctx.Pop()
	ctx.AppendInfo("MP seq=%d", seq)
	trailer(ctx, c, n, "mp.fragment")
	return c.Len(), nil
}
