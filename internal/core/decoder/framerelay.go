package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	frAddressLen = 2
	frControlUI  = 0x03
)

// FrameRelay decodes a two-byte Q.922 address. A UI control byte means
// RFC 2427 multiprotocol encapsulation keyed by NLPID; anything else is
// taken as the Cisco encapsulation with an ethertype after the address.
func FrameRelay(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, frAddressLen+1, "Frame Relay"); err != nil {
		return 0, err
	}
	b0, b1 := u8(c, 0), u8(c, 1)
	dlci := uint32(b0>>2)<<4 | uint32(b1>>4)

	ctx.Push(c, 0, frAddressLen, "fr")
	ctx.Add(c, 0, 2, "fr.dlci", dlci)
	ctx.Add(c, 0, 1, "fr.cr", b0&0x02 != 0)
	ctx.Add(c, 1, 1, "fr.fecn", b1&0x08 != 0)
	ctx.Add(c, 1, 1, "fr.becn", b1&0x04 != 0)
	ctx.Add(c, 1, 1, "fr.de", b1&0x02 != 0)
	ctx.AppendInfo("DLCI %d", dlci)
	if b0&0x01 != 0 || b1&0x01 == 0 {
		ctx.Violation(dissect.SeverityError, c, 0, frAddressLen, "Q.922 address extension bits are not 0,1 (0x%02x%02x)", b0, b1)
		ctx.Pop()
		return frAddressLen + ctx.CallData(rest(c, frAddressLen)), nil
	}

	if ctrl := u8(c, 2); ctrl == frControlUI {
		ctx.Addf(c, 2, 1, "fr.control", "UI (0x%02x)", ctrl)
		ctx.Pop()
		return dispatchNLPID(c, ctx, 3, "fr.nlpid"), nil
	}
	if err := fixed(c, frAddressLen+2, "Frame Relay"); err != nil {
		ctx.Pop()
		return frAddressLen, err
	}
	proto := u16(c, 2)
	ctx.Addf(c, 2, 2, "fr.cisco_type", "%s (0x%04x)", layers.EthernetType(proto), proto)
	ctx.Pop()
	return 4 + ctx.Call(dissect.TableEtherType, uint32(proto), rest(c, 4)), nil
}
