package decoder

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
)

const ipv4HeaderMinLen = 20

// IPv4 option types.
const (
	ipOptEOL         = 0
	ipOptNOP         = 1
	ipOptRecordRoute = 7
	ipOptTimestamp   = 68
	ipOptSecurity    = 130
	ipOptLSRR        = 131
	ipOptSSRR        = 137
	ipOptRouterAlert = 148
)

var ipv4OptionNames = map[uint32]string{
	ipOptEOL:         "End of Options List",
	ipOptNOP:         "No-Operation",
	ipOptRecordRoute: "Record Route",
	ipOptTimestamp:   "Timestamp",
	ipOptSecurity:    "Security",
	ipOptLSRR:        "Loose Source Route",
	ipOptSSRR:        "Strict Source Route",
	ipOptRouterAlert: "Router Alert",
}

var ipv4OptionFormat = dissect.TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Inclusive:   true,
	Single:      func(t uint32) bool { return t == ipOptEOL || t == ipOptNOP },
}

// IPv4 decodes an IPv4 header, reassembles fragments when enabled and
// hands the payload to ip.proto. It returns the total length of the
// datagram so the link layer can render any trailer.
func IPv4(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if c.Len() < ipv4HeaderMinLen {
		ctx.SetInfo("invalid IPv4 header")
		return 0, fmt.Errorf("%w: IPv4 header needs %d bytes, %d captured", core.ErrFatalStructural, ipv4HeaderMinLen, c.Len())
	}
	b0 := u8(c, 0)
	if v := b0 >> 4; v != 4 {
		return 0, fmt.Errorf("%w: IPv4 version %d", core.ErrFatalStructural, v)
	}
	// IHL is in 32-bit words
	hl := int(b0&0x0f) * 4
	if hl < ipv4HeaderMinLen {
		return 0, fmt.Errorf("%w: IPv4 header length %d shorter than %d", core.ErrFatalStructural, hl, ipv4HeaderMinLen)
	}
	if err := span(c, hl, "IPv4"); err != nil {
		return 0, err
	}

	tos := u8(c, 1)
	total := int(u16(c, 2))
	id := u16(c, 4)
	flags := u16(c, 6)
	offset := int(flags&0x1fff) * 8
	more := flags&0x2000 != 0
	ttl := u8(c, 8)
	proto := u8(c, 9)
	sum := u16(c, 10)
	src, dst := addr4At(c, 12), addr4At(c, 16)

	savedNet := ctx.Network
	defer func() { ctx.Network = savedNet }()
	ctx.Network = dissect.NetworkInfo{Version: 4, Proto: proto, HopLimit: ttl, PayloadLength: total - hl}

	ctx.Push(c, 0, hl, "ip")
	ctx.Add(c, 0, 1, "ip.version", 4)
	ctx.Addf(c, 0, 1, "ip.hdr_len", "%d bytes", hl)
	ctx.Addf(c, 1, 1, "ip.dsfield", "0x%02x (DSCP %d, ECN %d)", tos, tos>>2, tos&3)
	ctx.Add(c, 2, 2, "ip.len", total)
	ctx.Addf(c, 4, 2, "ip.id", "0x%04x", id)
	ctx.Addf(c, 6, 1, "ip.flags", "DF %s, MF %s", onOff(flags&0x4000 != 0), onOff(more))
	ctx.Add(c, 6, 2, "ip.frag_offset", offset)
	ctx.Add(c, 8, 1, "ip.ttl", ttl)
	ctx.Addf(c, 9, 1, "ip.proto", "%s (%d)", layers.IPProtocol(proto), proto)
	ctx.Add(c, 12, 4, "ip.src", src)
	ctx.Add(c, 16, 4, "ip.dst", dst)

	if ctx.Options().CheckIPv4Checksum {
		hdr, _ := c.Bytes(0, hl)
		if dissect.InternetChecksum(hdr) != 0 {
			ctx.Addf(c, 10, 2, "ip.checksum", "0x%04x [incorrect]", sum)
			ctx.Warn(c, 10, 2, "bad IPv4 header checksum 0x%04x", sum)
		} else {
			ctx.Addf(c, 10, 2, "ip.checksum", "0x%04x [correct]", sum)
		}
	} else {
		ctx.Addf(c, 10, 2, "ip.checksum", "0x%04x [unverified]", sum)
	}
	if hl > ipv4HeaderMinLen {
		ipv4Options(window(c, ipv4HeaderMinLen, hl-ipv4HeaderMinLen), ctx)
	}

	ctx.SetNetworkAddresses(core.IPAddress(src), core.IPAddress(dst))
	ctx.SetInfo("%s -> %s", src, dst)

	limit := total
	switch {
	case total < hl:
		ctx.Pop()
		return hl, fmt.Errorf("%w: IPv4 total length %d shorter than header length %d", core.ErrFatalStructural, total, hl)
	case total > c.Reported():
		ctx.Violation(dissect.SeverityError, c, 2, 2, "total length %d exceeds the %d bytes available", total, c.Reported())
		limit = c.Reported()
	}
	consumed := min(limit, c.Len())
	payload := window(c, hl, limit-hl)

	if more || offset > 0 {
		ctx.Fragmented = true
		ctx.Network.Fragmented = true
		whole, _ := reassemble(ctx, fragmentIn{
			key:     reassembly.Key{Src: src, Dst: dst, ID: uint32(id), Proto: proto},
			header:  proto,
			offset:  offset,
			more:    more,
			body:    payload,
			prefix:  "ip",
			enabled: ctx.Options().ReassembleIPv4,
		})
		ctx.Pop()
		if whole == nil {
			return consumed, nil
		}
		ctx.Push(*whole, 0, whole.Len(), "ip.reassembled")
		ctx.Add(*whole, 0, whole.Len(), "ip.reassembled.length", whole.Len())
		ctx.Pop()
		payload = *whole
	} else {
		ctx.Pop()
	}

	if payload.Reported() > 0 {
		ctx.Call(dissect.TableIPProto, uint32(proto), payload)
	}
	return consumed, nil
}

// ipv4Options renders header options. Malformed options are flagged and
// end the walk; they never fail the datagram.
func ipv4Options(opts dissect.Cursor, ctx *dissect.Context) {
	ctx.Push(opts, 0, opts.Len(), "ip.options")
	defer ctx.Pop()
	end, err := dissect.EachTLV(opts, 0, ipv4OptionFormat, func(t dissect.TLV) error {
		name, ok := ipv4OptionNames[t.Type]
		if !ok {
			name = fmt.Sprintf("Unknown (%d)", t.Type)
		}
		ctx.Addf(opts, t.Offset, t.Total(), "ip.opt", "%s, %d bytes", name, t.Total())
		switch t.Type {
		case ipOptEOL:
			return errEndOfOptions
		case ipOptRouterAlert:
			if t.Length != 2 {
				ctx.Warn(opts, t.Offset, t.Total(), "Router Alert option length %d, expected 4", t.Total())
			}
		case ipOptRecordRoute, ipOptLSRR, ipOptSSRR:
			if t.Length < 1 || (t.Length-1)%4 != 0 {
				ctx.Warn(opts, t.Offset, t.Total(), "%s option length %d is not 3 plus a multiple of 4", name, t.Total())
				return nil
			}
			ctx.Add(t.Value, 0, 1, "ip.opt.ptr", u8(t.Value, 0))
			for off := 1; off+4 <= t.Length; off += 4 {
				ctx.Add(t.Value, off, 4, "ip.opt.route", addr4At(t.Value, off))
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errEndOfOptions):
		trailer(ctx, opts, end+1, "ip.opt.padding")
	case err != nil:
		ctx.Warn(opts, end, opts.Len()-end, "malformed IPv4 options: %v", err)
	}
}

// IP picks IPv4 or IPv6 from the version nibble, for link types that carry
// raw IP of either family.
func IP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 1, "IP"); err != nil {
		return 0, err
	}
	switch v := u8(c, 0) >> 4; v {
	case 4:
		return ctx.CallNamed("ipv4", c), nil
	case 6:
		return ctx.CallNamed("ipv6", c), nil
	default:
		ctx.Note(c, 0, 1, "unknown IP version %d", v)
		return ctx.CallData(c), nil
	}
}
