package decoder

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const ipv6HeaderLen = 40

// IPv6 decodes the fixed header, walks the extension header chain through
// table ipv6.nxt and hands the upper-layer payload to ip.proto. It returns
// the length of the IPv6 packet so the link layer can render any trailer.
func IPv6(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if c.Len() < ipv6HeaderLen {
		ctx.SetInfo("invalid IPv6 header")
		return 0, fmt.Errorf("%w: IPv6 header needs %d bytes, %d captured", core.ErrFatalStructural, ipv6HeaderLen, c.Len())
	}
	word := u32(c, 0)
	if v := word >> 28; v != 6 {
		ctx.SetInfo("invalid IPv6 header")
		return 0, fmt.Errorf("%w: IPv6 version %d", core.ErrFatalStructural, v)
	}
	plen := int(u16(c, 4))
	nxt := u8(c, 6)
	hlim := u8(c, 7)
	src, dst := addr16At(c, 8), addr16At(c, 24)

	savedScratch, savedNet := ctx.Scratch.IPv6, ctx.Network
	defer func() {
		ctx.Scratch.IPv6, ctx.Network = savedScratch, savedNet
	}()
	ctx.Scratch.IPv6 = dissect.IPv6Scratch{Src: src, Dst: dst}
	ctx.Network = dissect.NetworkInfo{Version: 6, Proto: nxt, HopLimit: hlim, PayloadLength: plen}

	ctx.Push(c, 0, ipv6HeaderLen, "ipv6")
	ctx.Add(c, 0, 1, "ipv6.version", 6)
	ctx.Addf(c, 0, 2, "ipv6.tclass", "0x%02x", (word>>20)&0xff)
	ctx.Addf(c, 1, 3, "ipv6.flow", "0x%05x", word&0xfffff)
	ctx.Add(c, 4, 2, "ipv6.plen", plen)
	ctx.Addf(c, 6, 1, "ipv6.nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Add(c, 7, 1, "ipv6.hlim", hlim)
	ctx.Add(c, 8, 16, "ipv6.src", src)
	ctx.Add(c, 24, 16, "ipv6.dst", dst)

	ctx.SetNetworkAddresses(core.IPAddress(src), core.IPAddress(dst))
	ctx.SetFlowKey(word & 0xfffff)
	ctx.SetInfo("%s -> %s", src, dst)

	limit := ipv6HeaderLen + plen
	zeroLen := false
	hbh := uint8(layers.IPProtocolIPv6HopByHop)
	switch {
	case plen == 0 && nxt == hbh:
		// Jumbogram candidate; the Hop-by-Hop header must supply the length.
		zeroLen = true
		limit = c.Reported()
	case plen == 0 && nxt == uint8(layers.IPProtocolNoNextHeader):
	case plen == 0 && isExtHeader(ctx, nxt):
		ctx.Pop()
		return ipv6HeaderLen, fmt.Errorf("%w: zero payload length with extension headers and no Jumbo Payload option", core.ErrFatalStructural)
	case plen == 0:
		ctx.Warn(c, 4, 2, "zero payload length without a Jumbo Payload option")
		limit = c.Reported()
	case limit > c.Reported():
		ctx.Violation(dissect.SeverityError, c, 4, 2, "payload length %d exceeds the %d bytes available", plen, c.Reported()-ipv6HeaderLen)
		limit = c.Reported()
	}

	consumed := min(limit, c.Len())
	cur, off := c, ipv6HeaderLen
	budget := ctx.Options().MaxExtHeaders

	for isExtHeader(ctx, nxt) {
		sc := &ctx.Scratch.IPv6
		if sc.ExtHeaders >= budget {
			ctx.Violation(dissect.SeverityMalformed, cur, off, 0, "more than %d extension headers", budget)
			trailer(ctx, window(cur, 0, limit), off, "data")
			return consumed, nil
		}
		if nxt == hbh && sc.ExtHeaders > 0 {
			ctx.Violation(dissect.SeverityError, cur, off, 1, "Hop-by-Hop Options header must immediately follow the IPv6 header")
		}
		sc.ExtHeaders++
		sc.Next, sc.Stop, sc.Payload = 0, false, nil

		n, err := ctx.CallErr(dissect.TableIPv6NextHdr, uint32(nxt), window(cur, off, limit-off))
		if err != nil {
			trailer(ctx, window(cur, 0, limit), off+n, "data")
			return consumed, nil
		}
		off += n
		nxt = sc.Next

		if zeroLen && sc.ExtHeaders == 1 {
			if !sc.HasJumbo {
				ctx.Pop()
				return off, fmt.Errorf("%w: zero payload length without a Jumbo Payload option", core.ErrFatalStructural)
			}
			limit = ipv6HeaderLen + int(sc.JumboLength)
			if limit > c.Reported() {
				ctx.Violation(dissect.SeverityError, c, 4, 2, "jumbo payload length %d exceeds the %d bytes available", sc.JumboLength, c.Reported()-ipv6HeaderLen)
				limit = c.Reported()
			}
			consumed = min(limit, c.Len())
			if limit < off {
				ctx.Pop()
				return off, fmt.Errorf("%w: negative remaining payload length: jumbo payload length %d ends inside the %d header bytes", core.ErrFatalStructural, sc.JumboLength, off-ipv6HeaderLen)
			}
		}

		if sc.Payload != nil {
			cur, off, limit = *sc.Payload, 0, sc.Payload.Reported()
			sc.Payload = nil
			ctx.Pop()
			ctx.Push(cur, 0, cur.Len(), "ipv6.reassembled")
			ctx.Add(cur, 0, cur.Len(), "ipv6.reassembled.length", cur.Len())
		}
		if sc.Stop {
			ctx.Network.Proto = nxt
			return consumed, nil
		}
	}
	ctx.Pop()

	if limit < off {
		return off, fmt.Errorf("%w: negative remaining payload length %d", core.ErrFatalStructural, limit-off)
	}
	ctx.Network.Proto = nxt
	payload := window(cur, off, limit-off)
	if payload.Reported() == 0 {
		return consumed, nil
	}
	ctx.Call(dissect.TableIPProto, uint32(nxt), payload)
	return consumed, nil
}

// isExtHeader reports whether nxt continues the extension header chain.
func isExtHeader(ctx *dissect.Context, nxt uint8) bool {
	return ctx.Has(dissect.TableIPv6NextHdr, uint32(nxt))
}

// extHeader validates the common next-header/length prefix of an extension
// header whose length counts 8-octet units beyond the first.
func extHeader(c dissect.Cursor, proto string) (int, uint8, error) {
	if c.Reported() < 2 {
		return 0, 0, fmt.Errorf("%w: %s header needs 2 bytes, %d remain", core.ErrFatalStructural, proto, c.Reported())
	}
	if c.Len() < 2 {
		return 0, 0, fmt.Errorf("%w: %s header", core.ErrTruncated, proto)
	}
	n := (int(u8(c, 1)) + 1) * 8
	if err := span(c, n, proto); err != nil {
		return 0, 0, err
	}
	return n, u8(c, 0), nil
}
