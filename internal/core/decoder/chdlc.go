package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	chdlcHeaderLen = 4
	chdlcUnicast   = 0x0f
	chdlcMulticast = 0x8f

	chdlcProtoSLARP = 0x8035
	chdlcProtoOSI   = 0xfefe

	slarpRequest   = 0
	slarpReply     = 1
	slarpKeepalive = 2
)

// CHDLC decodes a Cisco HDLC header and dispatches on its protocol field,
// which is an ethertype apart from a few Cisco values.
func CHDLC(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, chdlcHeaderLen, "CHDLC"); err != nil {
		return 0, err
	}
	addr, ctrl, proto := u8(c, 0), u8(c, 1), u16(c, 2)
	ctx.Push(c, 0, chdlcHeaderLen, "chdlc")
	switch addr {
	case chdlcUnicast:
		ctx.Addf(c, 0, 1, "chdlc.address", "Unicast (0x%02x)", addr)
	case chdlcMulticast:
		ctx.Addf(c, 0, 1, "chdlc.address", "Multicast (0x%02x)", addr)
	default:
		ctx.Addf(c, 0, 1, "chdlc.address", "Unknown (0x%02x)", addr)
		ctx.Warn(c, 0, 1, "unexpected Cisco HDLC address 0x%02x", addr)
	}
	ctx.Addf(c, 1, 1, "chdlc.control", "0x%02x", ctrl)
	ctx.Addf(c, 2, 2, "chdlc.protocol", "%s (0x%04x)", chdlcProtocolName(proto), proto)
	ctx.Pop()
	return chdlcHeaderLen + ctx.Call(dissect.TableCHDLCProtocol, uint32(proto), rest(c, chdlcHeaderLen)), nil
}

func chdlcProtocolName(p uint16) string {
	switch p {
	case chdlcProtoSLARP:
		return "SLARP"
	case chdlcProtoOSI:
		return "OSI"
	}
	return layers.EthernetType(p).String()
}

// SLARP decodes the Cisco Serial Line ARP carried over CHDLC.
func SLARP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 4, "SLARP"); err != nil {
		return 0, err
	}
	code := u32(c, 0)
	ctx.Push(c, 0, 0, "slarp")
	defer ctx.Pop()
	switch code {
	case slarpRequest, slarpReply:
		if err := fixed(c, 12, "SLARP"); err != nil {
			return 4, err
		}
		name := "request"
		if code == slarpReply {
			name = "reply"
		}
		ctx.Addf(c, 0, 4, "slarp.ptype", "%s (%d)", name, code)
		ctx.Add(c, 4, 4, "slarp.address", addr4At(c, 4))
		ctx.Add(c, 8, 4, "slarp.mask", addr4At(c, 8))
		ctx.AppendInfo("SLARP %s %s", name, addr4At(c, 4))
		return 12, nil
	case slarpKeepalive:
		if err := fixed(c, 14, "SLARP"); err != nil {
			return 4, err
		}
		mine, yours := u32(c, 4), u32(c, 8)
		ctx.Addf(c, 0, 4, "slarp.ptype", "line keepalive (%d)", code)
		ctx.Add(c, 4, 4, "slarp.mysequence", mine)
		ctx.Addf(c, 8, 4, "slarp.yoursequence", "%d", yours)
		ctx.Addf(c, 12, 2, "slarp.reliability", "0x%04x", u16(c, 12))
		ctx.AppendInfo("SLARP keepalive mine=%d yours=%d", mine, yours)
		return 14, nil
	}
	ctx.Addf(c, 0, 4, "slarp.ptype", "Unknown (%d)", code)
	ctx.Note(c, 0, 4, "unknown SLARP packet type %d", code)
	trailer(ctx, c, 4, "slarp.data")
	return c.Len(), nil
}
