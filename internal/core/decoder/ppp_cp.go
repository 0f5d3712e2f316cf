package decoder

import (
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// Control protocol codes (RFC 1661 section 5).
const (
	cpConfReq    = 1
	cpConfAck    = 2
	cpConfNak    = 3
	cpConfRej    = 4
	cpTermReq    = 5
	cpTermAck    = 6
	cpCodeRej    = 7
	cpProtoRej   = 8
	cpEchoReq    = 9
	cpEchoRep    = 10
	cpDiscReq    = 11
	cpIdent      = 12
	cpTimeRemain = 13

	cpHeaderLen = 4
)

var cpCodeNames = map[uint8]string{
	cpConfReq:    "Configuration Request",
	cpConfAck:    "Configuration Ack",
	cpConfNak:    "Configuration Nak",
	cpConfRej:    "Configuration Reject",
	cpTermReq:    "Termination Request",
	cpTermAck:    "Termination Ack",
	cpCodeRej:    "Code Reject",
	cpProtoRej:   "Protocol Reject",
	cpEchoReq:    "Echo Request",
	cpEchoRep:    "Echo Reply",
	cpDiscReq:    "Discard Request",
	cpIdent:      "Identification",
	cpTimeRemain: "Time Remaining",
}

// LCP option types.
const (
	lcpOptMRU          = 1
	lcpOptACCM         = 2
	lcpOptAuthProto    = 3
	lcpOptQualityProto = 4
	lcpOptMagic        = 5
	lcpOptPFC          = 7
	lcpOptACFC         = 8
	lcpOptMRRU         = 17
	lcpOptShortSeq     = 18
	lcpOptEndpointDisc = 19
)

// cpOption describes the expected size of one option. Exact options must
// match len; the others must be at least len.
type cpOption struct {
	name  string
	len   int
	exact bool
}

var lcpOptions = map[uint32]cpOption{
	lcpOptMRU:          {"Maximum Receive Unit", 4, true},
	lcpOptACCM:         {"Async Control Character Map", 6, true},
	lcpOptAuthProto:    {"Authentication Protocol", 4, false},
	lcpOptQualityProto: {"Quality Protocol", 4, false},
	lcpOptMagic:        {"Magic Number", 6, true},
	lcpOptPFC:          {"Protocol Field Compression", 2, true},
	lcpOptACFC:         {"Address and Control Field Compression", 2, true},
	lcpOptMRRU:         {"Multilink MRRU", 4, true},
	lcpOptShortSeq:     {"Multilink Short Sequence Number Header", 2, true},
	lcpOptEndpointDisc: {"Multilink Endpoint Discriminator", 3, false},
}

var ipcpOptions = map[uint32]cpOption{
	1:   {"IP Addresses", 4, false},
	2:   {"IP Compression Protocol", 4, false},
	3:   {"IP Address", 6, true},
	129: {"Primary DNS Server", 6, true},
	130: {"Primary NBNS Server", 6, true},
	131: {"Secondary DNS Server", 6, true},
	132: {"Secondary NBNS Server", 6, true},
}

var ipv6cpOptions = map[uint32]cpOption{
	1: {"Interface Identifier", 10, true},
	2: {"IPv6 Compression Protocol", 4, false},
}

var cpOptionFormat = dissect.TLVFormat{TypeWidth: 1, LengthWidth: 1, Inclusive: true}

// controlProtocol is the shared shape of LCP and the NCPs.
type controlProtocol struct {
	name    string
	prefix  string
	options map[uint32]cpOption
	lcp     bool
}

var (
	lcp    = controlProtocol{name: "LCP", prefix: "lcp", options: lcpOptions, lcp: true}
	ipcp   = controlProtocol{name: "IPCP", prefix: "ipcp", options: ipcpOptions}
	ipv6cp = controlProtocol{name: "IPV6CP", prefix: "ipv6cp", options: ipv6cpOptions}
)

// LCP decodes a Link Control Protocol packet.
func LCP(c dissect.Cursor, ctx *dissect.Context) (int, error) { return lcp.decode(c, ctx) }

// IPCP decodes an IP Control Protocol packet.
func IPCP(c dissect.Cursor, ctx *dissect.Context) (int, error) { return ipcp.decode(c, ctx) }

// IPV6CP decodes an IPv6 Control Protocol packet.
func IPV6CP(c dissect.Cursor, ctx *dissect.Context) (int, error) { return ipv6cp.decode(c, ctx) }

func (p controlProtocol) decode(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, cpHeaderLen, p.name); err != nil {
		return 0, err
	}
	code, id := u8(c, 0), u8(c, 1)
	length := int(u16(c, 2))
	if length < cpHeaderLen || length > c.Reported() {
		return 0, fmt.Errorf("%w: %s length %d, %d bytes available", core.ErrFatalStructural, p.name, length, c.Reported())
	}
	name, ok := cpCodeNames[code]
	if !ok || (code >= cpProtoRej && !p.lcp) {
		name = "Unknown"
	}
	pkt := window(c, 0, length)

	ctx.Push(c, 0, length, p.prefix)
	ctx.Addf(c, 0, 1, p.prefix+".code", "%s (%d)", name, code)
	ctx.Add(c, 1, 1, p.prefix+".identifier", id)
	ctx.Add(c, 2, 2, p.prefix+".length", length)
	ctx.AppendInfo("%s %s", p.name, name)

	body := rest(pkt, cpHeaderLen)
	var err error
	switch {
	case code >= cpConfReq && code <= cpConfRej:
		err = p.configure(body, ctx, code)
	case code == cpTermReq || code == cpTermAck:
		trailer(ctx, body, 0, p.prefix+".data")
	case code == cpCodeRej:
		if body.Len() > 0 {
			ctx.Addf(body, 0, body.Len(), p.prefix+".rejected_packet", "%d bytes", body.Len())
		}
	case code == cpProtoRej && p.lcp:
		err = lcpProtocolReject(body, ctx)
	case code >= cpEchoReq && code <= cpTimeRemain && p.lcp:
		err = lcpMagicBody(body, ctx, code)
	default:
		ctx.Note(c, 0, 1, "unknown %s code %d", p.name, code)
		trailer(ctx, body, 0, p.prefix+".data")
	}
	ctx.Pop()
	if err != nil {
		return cpHeaderLen, err
	}
	return min(length, c.Len()), nil
}

// configure decodes the option list of a Configure Request, Ack, Nak or
// Reject.
func (p controlProtocol) configure(body dissect.Cursor, ctx *dissect.Context, code uint8) error {
	shortSeq := false
	end, err := dissect.EachTLV(body, 0, cpOptionFormat, func(t dissect.TLV) error {
		opt, known := p.options[t.Type]
		if !known {
			opt.name = "Unknown"
		}
		ctx.Push(body, t.Offset, t.Total(), p.prefix+".opt")
		defer ctx.Pop()
		ctx.Addf(body, t.Offset, 1, p.prefix+".opt.type", "%s (%d)", opt.name, t.Type)
		ctx.Add(body, t.Offset+1, 1, p.prefix+".opt.length", t.Total())
		if !known {
			ctx.Note(body, t.Offset, t.Total(), "unknown %s option %d", p.name, t.Type)
			return nil
		}
		if (opt.exact && t.Total() != opt.len) || t.Total() < opt.len {
			ctx.Warn(body, t.Offset, t.Total(), "%s option %q has length %d, expected %d", p.name, opt.name, t.Total(), opt.len)
			return nil
		}
		p.optionValue(t, ctx)
		if p.lcp && t.Type == lcpOptShortSeq {
			shortSeq = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrTruncated) {
			return err
		}
		trailer(ctx, body, end, p.prefix+".opt.malformed")
		ctx.Violation(dissect.SeverityMalformed, body, end, body.Reported()-end, "%s option overruns the packet", p.name)
		return nil
	}
	// Both ends use short sequence numbers once the option is acknowledged.
	if shortSeq && code == cpConfAck {
		mpShortSeq(ctx).Store(true)
	}
	return nil
}

func (p controlProtocol) optionValue(t dissect.TLV, ctx *dissect.Context) {
	v := t.Value
	field := p.prefix + ".opt.value"
	switch {
	case p.lcp:
		switch t.Type {
		case lcpOptMRU, lcpOptMRRU:
			ctx.Add(v, 0, 2, field, u16(v, 0))
		case lcpOptACCM, lcpOptMagic:
			ctx.Addf(v, 0, 4, field, "0x%08x", u32(v, 0))
		case lcpOptAuthProto, lcpOptQualityProto:
			proto := u16(v, 0)
			ctx.Addf(v, 0, 2, field, "%s (0x%04x)", pppProtocolName(proto), proto)
		case lcpOptEndpointDisc:
			ctx.Add(v, 0, 1, p.prefix+".opt.class", u8(v, 0))
		}
	case p.prefix == ipcp.prefix && t.Total() == 6:
		ctx.Add(v, 0, 4, field, addr4At(v, 0))
	case p.prefix == ipcp.prefix:
		ctx.Addf(v, 0, 2, field, "0x%04x", u16(v, 0))
	case p.prefix == ipv6cp.prefix && t.Type == 1:
		b, _ := v.Bytes(0, 8)
		var iid [16]byte
		copy(iid[8:], b)
		ctx.Addf(v, 0, 8, field, "%s", netip.AddrFrom16(iid))
	default:
		ctx.Addf(v, 0, 2, field, "0x%04x", u16(v, 0))
	}
}

func lcpProtocolReject(body dissect.Cursor, ctx *dissect.Context) error {
	if err := fixed(body, 2, "LCP Protocol-Reject"); err != nil {
		return err
	}
	proto := u16(body, 0)
	ctx.Addf(body, 0, 2, "lcp.rejected_protocol", "%s (0x%04x)", pppProtocolName(proto), proto)
	trailer(ctx, body, 2, "lcp.rejected_information")
	return nil
}

// lcpMagicBody decodes the codes whose data starts with a magic number.
func lcpMagicBody(body dissect.Cursor, ctx *dissect.Context, code uint8) error {
	if err := fixed(body, 4, "LCP"); err != nil {
		return err
	}
	ctx.Addf(body, 0, 4, "lcp.magic", "0x%08x", u32(body, 0))
	off := 4
	switch code {
	case cpIdent:
		if b, _ := body.Bytes(off, body.Len()-off); len(b) > 0 {
			ctx.Add(body, off, len(b), "lcp.message", string(b))
		}
		return nil
	case cpTimeRemain:
		if err := fixed(body, 8, "LCP Time-Remaining"); err != nil {
			return err
		}
		ctx.Addf(body, 4, 4, "lcp.seconds_remaining", "%d", u32(body, 4))
		off = 8
		if b, _ := body.Bytes(off, body.Len()-off); len(b) > 0 {
			ctx.Add(body, off, len(b), "lcp.message", string(b))
		}
		return nil
	}
	trailer(ctx, body, off, "lcp.data")
	return nil
}
