package decoder

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// Routing header types.
const (
	routingSource  = 0 // deprecated by RFC 5095
	routingMIPv6   = 2
	routingRPL     = 3
	routingSegment = 4
)

var routingTypeNames = map[uint8]string{
	routingSource:  "Source Route",
	routingMIPv6:   "Type 2 Routing",
	routingRPL:     "RPL Source Route",
	routingSegment: "Segment Routing",
}

// SRH TLV types.
const (
	srhPad1 = 0
	srhPadN = 4
	srhHMAC = 5
)

var srhFormat = dissect.TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Single:      func(t uint32) bool { return t == srhPad1 },
}

// routeList is the decoded address list of a routing header.
type routeList struct {
	addrs   []netip.Addr
	final   netip.Addr
	reverse bool // segment routing lists the last segment first
}

// next returns the address the packet is forwarded to once the current
// node has processed the header with segleft segments left.
func (r routeList) next(segleft int) netip.Addr {
	if r.reverse {
		return r.addrs[segleft-1]
	}
	return r.addrs[len(r.addrs)-segleft]
}

func ipv6Routing(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	n, nxt, err := extHeader(c, "routing")
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, fmt.Errorf("%w: routing header shorter than 8 bytes", core.ErrFatalStructural)
	}
	typ, segleft := u8(c, 2), int(u8(c, 3))
	name, ok := routingTypeNames[typ]
	if !ok {
		name = "Unknown"
	}
	ctx.Push(c, 0, n, "ipv6.routing")
	ctx.Addf(c, 0, 1, "ipv6.routing.nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Addf(c, 1, 1, "ipv6.routing.len", "%d (%d bytes)", u8(c, 1), n)
	ctx.Addf(c, 2, 1, "ipv6.routing.type", "%s (%d)", name, typ)
	ctx.Add(c, 3, 1, "ipv6.routing.segleft", segleft)
	ctx.Scratch.IPv6.Next = nxt

	var routes routeList
	switch typ {
	case routingSource:
		ctx.Warn(c, 2, 1, "Type 0 Routing header is deprecated")
		routes = sourceRoute(c, ctx, n)
	case routingMIPv6:
		if n != 24 {
			ctx.Violation(dissect.SeverityError, c, 1, 1, "Type 2 Routing header length %d, expected 24 bytes", n)
		}
		if segleft != 1 {
			ctx.Violation(dissect.SeverityError, c, 3, 1, "Type 2 Routing header with %d segments left, expected 1", segleft)
		}
		routes = sourceRoute(c, ctx, min(n, 24))
	case routingRPL:
		routes, err = rplRoute(c, ctx, n)
	case routingSegment:
		routes, err = segmentRoute(c, ctx, n)
	default:
		ctx.Note(c, 2, 1, "unknown routing type %d", typ)
		ctx.Addf(c, 4, n-4, "ipv6.routing.data", "%d bytes", n-4)
		return n, nil
	}
	if err != nil {
		ctx.Violation(dissect.SeverityError, c, 4, n-4, "%v", err)
		return n, nil
	}

	switch {
	case segleft > len(routes.addrs):
		ctx.Violation(dissect.SeverityError, c, 3, 1, "segments left %d exceeds the %d addresses listed", segleft, len(routes.addrs))
	case segleft > 0:
		hop := routes.next(segleft)
		sc := &ctx.Scratch.IPv6
		sc.FinalDst = routes.final
		sc.Rewritten = true
		ctx.Add(c, 0, n, "ipv6.routing.next_hop", hop)
		ctx.Add(c, 0, n, "ipv6.routing.final_dst", routes.final)
		ctx.SetAddresses(ctx.Src, core.IPAddress(hop))
	}
	return n, nil
}

// sourceRoute decodes the plain address list of types 0 and 2: four
// reserved bytes followed by 16-byte addresses in visiting order.
func sourceRoute(c dissect.Cursor, ctx *dissect.Context, n int) routeList {
	var r routeList
	ctx.Addf(c, 4, 4, "ipv6.routing.reserved", "0x%08x", u32(c, 4))
	for off := 8; off+16 <= n; off += 16 {
		a := addr16At(c, off)
		ctx.Add(c, off, 16, "ipv6.routing.address", a)
		r.addrs = append(r.addrs, a)
	}
	if len(r.addrs) > 0 {
		r.final = r.addrs[len(r.addrs)-1]
	}
	return r
}

// rplRoute decodes an RPL Source Route header (RFC 6554). Addresses share
// CmprI (or CmprE for the last one) leading bytes with the IPv6
// destination.
func rplRoute(c dissect.Cursor, ctx *dissect.Context, n int) (routeList, error) {
	var r routeList
	cmprI, cmprE := int(u8(c, 4)>>4), int(u8(c, 4)&0x0f)
	pad := int(u8(c, 5) >> 4)
	ctx.Add(c, 4, 1, "ipv6.routing.rpl.cmprI", cmprI)
	ctx.Add(c, 4, 1, "ipv6.routing.rpl.cmprE", cmprE)
	ctx.Add(c, 5, 1, "ipv6.routing.rpl.pad", pad)

	avail := n - 8 - pad - (16 - cmprE)
	if avail < 0 || avail%(16-cmprI) != 0 {
		return r, fmt.Errorf("RPL routing header length %d inconsistent with CmprI=%d CmprE=%d Pad=%d", n, cmprI, cmprE, pad)
	}
	count := avail/(16-cmprI) + 1
	prefix := ctx.Scratch.IPv6.Dst.As16()
	off := 8
	for i := 0; i < count; i++ {
		elided := cmprI
		if i == count-1 {
			elided = cmprE
		}
		var full [16]byte
		copy(full[:elided], prefix[:elided])
		b, err := c.Bytes(off, 16-elided)
		if err != nil {
			return r, err
		}
		copy(full[elided:], b)
		a := netip.AddrFrom16(full)
		ctx.Add(c, off, 16-elided, "ipv6.routing.rpl.address", a)
		r.addrs = append(r.addrs, a)
		off += 16 - elided
	}
	if pad > 0 {
		ctx.Addf(c, off, pad, "ipv6.routing.rpl.padding", "%d bytes", pad)
	}
	r.final = r.addrs[len(r.addrs)-1]
	return r, nil
}

// segmentRoute decodes a Segment Routing Header (RFC 8754). The segment
// list is encoded in reverse: entry 0 is the final segment.
func segmentRoute(c dissect.Cursor, ctx *dissect.Context, n int) (routeList, error) {
	var r routeList
	last := int(u8(c, 4))
	ctx.Add(c, 4, 1, "ipv6.routing.srh.last_entry", last)
	ctx.Addf(c, 5, 1, "ipv6.routing.srh.flags", "0x%02x", u8(c, 5))
	ctx.Add(c, 6, 2, "ipv6.routing.srh.tag", u16(c, 6))

	end := 8 + (last+1)*16
	if end > n {
		return r, fmt.Errorf("segment list of %d entries overruns the %d byte header", last+1, n)
	}
	for off := 8; off < end; off += 16 {
		a := addr16At(c, off)
		ctx.Add(c, off, 16, "ipv6.routing.srh.segment", a)
		r.addrs = append(r.addrs, a)
	}
	r.final = r.addrs[0]
	r.reverse = true

	tlvs := window(c, end, n-end)
	_, err := dissect.EachTLV(tlvs, 0, srhFormat, func(t dissect.TLV) error {
		switch t.Type {
		case srhPad1, srhPadN:
			ctx.Addf(tlvs, t.Offset, t.Total(), "ipv6.routing.srh.padding", "%d bytes", t.Total())
		case srhHMAC:
			if t.Length < 6 {
				ctx.Warn(tlvs, t.Offset, t.Total(), "HMAC TLV length %d, expected at least 6", t.Length)
				return nil
			}
			ctx.Addf(t.Value, 2, 4, "ipv6.routing.srh.hmac_key_id", "0x%08x", u32(t.Value, 2))
			ctx.Addf(t.Value, 6, t.Length-6, "ipv6.routing.srh.hmac", "%d bytes", t.Length-6)
		default:
			ctx.Addf(tlvs, t.Offset, t.Total(), "ipv6.routing.srh.tlv", "type %d, %d bytes", t.Type, t.Length)
		}
		return nil
	})
	if err != nil {
		ctx.Warn(tlvs, 0, tlvs.Len(), "malformed SRH TLVs: %v", err)
	}
	return r, nil
}
