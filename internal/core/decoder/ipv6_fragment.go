package decoder

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
)

const ipv6FragmentLen = 8

func ipv6Fragment(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if c.Reported() < ipv6FragmentLen {
		return 0, fmt.Errorf("%w: fragment header needs 8 bytes, %d remain", core.ErrFatalStructural, c.Reported())
	}
	if c.Len() < ipv6FragmentLen {
		return 0, fmt.Errorf("%w: fragment header", core.ErrTruncated)
	}
	nxt := u8(c, 0)
	word := u16(c, 2)
	offset := int(word &^ 7)
	more := word&1 == 1
	id := u32(c, 4)

	ctx.Push(c, 0, ipv6FragmentLen, "ipv6.fragment")
	ctx.Addf(c, 0, 1, "ipv6.fragment.nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Add(c, 2, 2, "ipv6.fragment.offset", offset)
	ctx.Add(c, 3, 1, "ipv6.fragment.more", more)
	ctx.Addf(c, 4, 4, "ipv6.fragment.id", "0x%08x", id)

	sc := &ctx.Scratch.IPv6
	sc.Next = nxt
	if sc.HasJumbo {
		ctx.Violation(dissect.SeverityError, c, 0, ipv6FragmentLen, "Fragment header combined with a Jumbo Payload option")
	}
	sc.SeenFragment = true

	if offset == 0 && !more {
		ctx.Note(c, 2, 2, "atomic fragment")
		return ipv6FragmentLen, nil
	}
	ctx.Fragmented = true
	ctx.Network.Fragmented = true
	body := rest(c, ipv6FragmentLen)
	if more && body.Reported()%8 != 0 {
		ctx.Warn(c, 2, 2, "non-final fragment length %d is not a multiple of 8", body.Reported())
	}

	payload, first := reassemble(ctx, fragmentIn{
		key:     reassembly.Key{Src: sc.Src, Dst: sc.Dst, ID: id},
		header:  nxt,
		offset:  offset,
		more:    more,
		body:    body,
		prefix:  "ipv6",
		enabled: ctx.Options().ReassembleIPv6,
	})
	if payload == nil {
		sc.Stop = true
	} else {
		sc.Payload = payload
		sc.Next = first
	}
	return c.Len(), nil
}
