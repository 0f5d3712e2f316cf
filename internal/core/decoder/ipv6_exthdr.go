package decoder

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// IPv6 option types.
const (
	optPad1          = 0x00
	optPadN          = 0x01
	optTunnelEncap   = 0x04
	optRouterAlert   = 0x05
	optCALIPSO       = 0x07
	optQuickStart    = 0x26
	optRPL           = 0x63
	optJumbo         = 0xc2
	optHomeAddress   = 0xc9
	maxPaddingRun    = 7
	jumboMinimum     = 65535
	routerAlertBytes = 2
)

var ipv6OptionFormat = dissect.TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Single:      func(t uint32) bool { return t == optPad1 },
}

var optionNames = map[uint32]string{
	optPad1:        "Pad1",
	optPadN:        "PadN",
	optTunnelEncap: "Tunnel Encapsulation Limit",
	optRouterAlert: "Router Alert",
	optCALIPSO:     "CALIPSO",
	optQuickStart:  "Quick-Start",
	optRPL:         "RPL Option",
	optJumbo:       "Jumbo Payload",
	optHomeAddress: "Home Address",
}

var unknownOptionActions = [4]string{
	"skip over this option",
	"discard the packet",
	"discard and send ICMP Parameter Problem",
	"discard and send ICMP Parameter Problem unless multicast",
}

func ipv6HopByHop(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	return ipv6Options(c, ctx, "ipv6.hopopts", true)
}

func ipv6DstOpts(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	return ipv6Options(c, ctx, "ipv6.dstopts", false)
}

func ipv6Options(c dissect.Cursor, ctx *dissect.Context, name string, hbh bool) (int, error) {
	n, nxt, err := extHeader(c, name)
	if err != nil {
		return 0, err
	}
	ctx.Push(c, 0, n, name)
	ctx.Addf(c, 0, 1, name+".nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Addf(c, 1, 1, name+".len", "%d (%d bytes)", u8(c, 1), n)

	opts := window(c, 2, n-2)
	padRun := 0
	end, err := dissect.EachTLV(opts, 0, ipv6OptionFormat, func(t dissect.TLV) error {
		if t.Type == optPad1 || t.Type == optPadN {
			padRun += t.Total()
			if padRun > maxPaddingRun && padRun-t.Total() <= maxPaddingRun {
				ctx.Warn(opts, t.Offset, t.Total(), "%d consecutive padding bytes", padRun)
			}
		} else {
			padRun = 0
		}
		ipv6Option(ctx, opts, t, hbh)
		return nil
	})
	if err != nil {
		return 2 + end, err
	}
	ctx.Scratch.IPv6.Next = nxt
	return n, nil
}

func ipv6Option(ctx *dissect.Context, opts dissect.Cursor, t dissect.TLV, hbh bool) {
	name, known := optionNames[t.Type]
	if !known {
		name = fmt.Sprintf("Unknown (0x%02x)", t.Type)
	}
	ctx.Push(opts, t.Offset, t.Total(), "ipv6.opt")
	defer ctx.Pop()
	ctx.Addf(opts, t.Offset, 1, "ipv6.opt.type", "%s (0x%02x)", name, t.Type)
	if t.Type == optPad1 {
		return
	}
	ctx.Add(opts, t.Offset+1, 1, "ipv6.opt.length", t.Length)
	v := t.Value

	switch t.Type {
	case optPadN:
		b, _ := v.Bytes(0, v.Len())
		for _, x := range b {
			if x != 0 {
				ctx.Warn(v, 0, v.Len(), "PadN option carries non-zero padding")
				break
			}
		}
		ctx.Addf(v, 0, v.Len(), "ipv6.opt.padn", "%d bytes", v.Len())
	case optTunnelEncap:
		if !fixedOption(ctx, opts, t, 1) {
			return
		}
		ctx.Add(v, 0, 1, "ipv6.opt.tel", u8(v, 0))
	case optRouterAlert:
		if !fixedOption(ctx, opts, t, routerAlertBytes) {
			return
		}
		ctx.Add(v, 0, 2, "ipv6.opt.router_alert", u16(v, 0))
	case optQuickStart:
		if !fixedOption(ctx, opts, t, 6) {
			return
		}
		ctx.Add(v, 0, 1, "ipv6.opt.qs_func", u8(v, 0)>>4)
		ctx.Add(v, 0, 1, "ipv6.opt.qs_rate", u8(v, 0)&0x0f)
		ctx.Add(v, 1, 1, "ipv6.opt.qs_ttl", u8(v, 1))
		ctx.Addf(v, 2, 4, "ipv6.opt.qs_nonce", "0x%08x", u32(v, 2)>>2)
	case optCALIPSO:
		if v.Len() < 8 {
			ctx.Warn(opts, t.Offset, t.Total(), "CALIPSO option length %d, expected at least 8", t.Length)
			return
		}
		ctx.Add(v, 0, 4, "ipv6.opt.calipso_doi", u32(v, 0))
		ctx.Add(v, 4, 1, "ipv6.opt.calipso_cmpt_length", u8(v, 4))
		ctx.Add(v, 5, 1, "ipv6.opt.calipso_sens_level", u8(v, 5))
		ctx.Addf(v, 6, 2, "ipv6.opt.calipso_checksum", "0x%04x", u16(v, 6))
	case optRPL:
		if v.Len() < 4 {
			ctx.Warn(opts, t.Offset, t.Total(), "RPL option length %d, expected at least 4", t.Length)
			return
		}
		f := u8(v, 0)
		ctx.Addf(v, 0, 1, "ipv6.opt.rpl_flags", "down=%t rank_error=%t fwd_error=%t", f&0x80 != 0, f&0x40 != 0, f&0x20 != 0)
		ctx.Add(v, 1, 1, "ipv6.opt.rpl_instance", u8(v, 1))
		ctx.Add(v, 2, 2, "ipv6.opt.rpl_sender_rank", u16(v, 2))
	case optJumbo:
		if !fixedOption(ctx, opts, t, 4) {
			return
		}
		jumbo(ctx, v, hbh)
	case optHomeAddress:
		if !fixedOption(ctx, opts, t, 16) {
			return
		}
		ctx.Add(v, 0, 16, "ipv6.opt.home_address", addr16At(v, 0))
	default:
		action := t.Type >> 6
		ctx.Addf(v, 0, v.Len(), "ipv6.opt.unknown", "%d bytes", v.Len())
		ctx.Note(opts, t.Offset, t.Total(), "unknown option 0x%02x, action: %s, may change: %t",
			t.Type, unknownOptionActions[action], t.Type&0x20 != 0)
	}
}

// jumbo records a Jumbo Payload option. The length stays in the IPv6
// scratch for the rest of the chain and for payload bookkeeping.
func jumbo(ctx *dissect.Context, v dissect.Cursor, hbh bool) {
	length := u32(v, 0)
	ctx.Add(v, 0, 4, "ipv6.opt.jumbo", length)
	sc := &ctx.Scratch.IPv6
	if !hbh {
		ctx.Violation(dissect.SeverityError, v, 0, 4, "Jumbo Payload option outside the Hop-by-Hop Options header")
		return
	}
	if length <= jumboMinimum {
		ctx.Violation(dissect.SeverityError, v, 0, 4, "jumbo payload length %d does not exceed %d", length, jumboMinimum)
	}
	if plen := ctx.Network.PayloadLength; plen != 0 {
		ctx.Violation(dissect.SeverityError, v, 0, 4, "Jumbo Payload option with non-zero payload length %d", plen)
	}
	if sc.SeenFragment {
		ctx.Violation(dissect.SeverityError, v, 0, 4, "Jumbo Payload option combined with a Fragment header")
	}
	sc.HasJumbo = true
	sc.JumboLength = length
}

// fixedOption flags options whose value length is not the one the option
// defines. The value is left undecoded.
func fixedOption(ctx *dissect.Context, opts dissect.Cursor, t dissect.TLV, want int) bool {
	if t.Length != want {
		ctx.Warn(opts, t.Offset, t.Total(), "%s option length %d, expected %d", optionNames[t.Type], t.Length, want)
		return false
	}
	return true
}

// ipv6NoNext ends the chain. Anything after it is unexpected.
func ipv6NoNext(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	ctx.Scratch.IPv6.Stop = true
	if c.Reported() > 0 {
		ctx.Warn(c, 0, c.Len(), "%d bytes follow a No Next Header value", c.Reported())
		ctx.Addf(c, 0, c.Len(), "ipv6.nonxt.data", "%d bytes", c.Len())
	}
	return c.Len(), nil
}

// authHeader decodes an Authentication Header and returns its length and
// next header.
func authHeader(c dissect.Cursor, ctx *dissect.Context) (int, uint8, error) {
	if err := fixed(c, 2, "AH"); err != nil {
		return 0, 0, err
	}
	n := (int(u8(c, 1)) + 2) * 4
	if n < 12 {
		return 0, 0, fmt.Errorf("%w: AH length %d shorter than 12", core.ErrFatalStructural, n)
	}
	if err := span(c, n, "AH"); err != nil {
		return 0, 0, err
	}
	nxt := u8(c, 0)
	ctx.Push(c, 0, n, "ah")
	ctx.Addf(c, 0, 1, "ah.nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Addf(c, 1, 1, "ah.len", "%d (%d bytes)", u8(c, 1), n)
	ctx.Addf(c, 4, 4, "ah.spi", "0x%08x", u32(c, 4))
	ctx.Add(c, 8, 4, "ah.sequence", u32(c, 8))
	if n > 12 {
		ctx.Addf(c, 12, n-12, "ah.icv", "%d bytes", n-12)
	}
	ctx.Pop()
	ctx.AppendInfo("AH spi=0x%08x", u32(c, 4))
	return n, nxt, nil
}

// ipv6AH is the Authentication Header inside an IPv6 chain.
func ipv6AH(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	n, nxt, err := authHeader(c, ctx)
	if err != nil {
		return 0, err
	}
	ctx.Scratch.IPv6.Next = nxt
	return n, nil
}

// AH is the Authentication Header carried directly by IPv4.
func AH(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	n, nxt, err := authHeader(c, ctx)
	if err != nil {
		return 0, err
	}
	return n + ctx.Call(dissect.TableIPProto, uint32(nxt), rest(c, n)), nil
}

// ESP renders an Encapsulating Security Payload; everything after the
// sequence number is encrypted.
func ESP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 8, "ESP"); err != nil {
		return 0, err
	}
	ctx.Push(c, 0, c.Len(), "esp")
	ctx.Addf(c, 0, 4, "esp.spi", "0x%08x", u32(c, 0))
	ctx.Add(c, 4, 4, "esp.sequence", u32(c, 4))
	trailer(ctx, c, 8, "esp.payload")
	ctx.AppendInfo("ESP spi=0x%08x", u32(c, 0))
	return c.Len(), nil
}
