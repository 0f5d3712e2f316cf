package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
)

// TCP option kinds.
const (
	tcpOptEOL       = 0
	tcpOptNOP       = 1
	tcpOptMSS       = 2
	tcpOptWS        = 3
	tcpOptSACKPerm  = 4
	tcpOptSACK      = 5
	tcpOptTimestamp = 8
)

var tcpOptionFormat = dissect.TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Inclusive:   true,
	Single:      func(t uint32) bool { return t == tcpOptEOL || t == tcpOptNOP },
}

var tcpFlagNames = []struct {
	bit  uint16
	name string
}{
	{0x100, "NS"}, {0x080, "CWR"}, {0x040, "ECE"}, {0x020, "URG"},
	{0x010, "ACK"}, {0x008, "PSH"}, {0x004, "RST"}, {0x002, "SYN"}, {0x001, "FIN"},
}

// UDP decodes a UDP header and dispatches the payload by port.
func UDP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, udpHeaderLen, "UDP"); err != nil {
		return 0, err
	}
	sp, dp := u16(c, 0), u16(c, 2)
	ulen := int(u16(c, 4))

	ctx.Push(c, 0, udpHeaderLen, "udp")
	ctx.Add(c, 0, 2, "udp.srcport", sp)
	ctx.Add(c, 2, 2, "udp.dstport", dp)
	ctx.Add(c, 4, 2, "udp.length", ulen)
	ctx.Addf(c, 6, 2, "udp.checksum", "0x%04x", u16(c, 6))

	end := c.Reported()
	switch {
	case ulen == 0 && ctx.Network.Version == 6 && c.Reported() > 0xffff:
		// RFC 2675 jumbogram: length comes from the IPv6 layer.
	case ulen < udpHeaderLen:
		ctx.Violation(dissect.SeverityError, c, 4, 2, "bad UDP length %d, shorter than the header", ulen)
	case ulen > c.Reported():
		ctx.Violation(dissect.SeverityError, c, 4, 2, "UDP length %d exceeds the %d bytes available", ulen, c.Reported())
	default:
		end = ulen
	}
	ctx.Pop()

	ctx.SetPorts(sp, dp)
	ctx.SetFlowProto(uint8(layers.IPProtocolUDP))
	ctx.AppendInfo("UDP %d -> %d", sp, dp)

	dispatchPorts(ctx, dissect.TableUDPPort, sp, dp, window(c, udpHeaderLen, end-udpHeaderLen))
	trailer(ctx, c, end, "udp.trailer")
	return c.Len(), nil
}

// TCP decodes a TCP header with its options and dispatches any payload by
// port. Stream reassembly is out of scope; each segment stands alone.
func TCP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, tcpHeaderMinLen, "TCP"); err != nil {
		return 0, err
	}
	sp, dp := u16(c, 0), u16(c, 2)
	hl := int(u8(c, 12)>>4) * 4
	if hl < tcpHeaderMinLen {
		return 0, fmt.Errorf("%w: TCP header length %d shorter than %d", core.ErrFatalStructural, hl, tcpHeaderMinLen)
	}
	if err := span(c, hl, "TCP"); err != nil {
		return 0, err
	}
	flags := u16(c, 12) & 0x01ff
	var set []string
	for _, f := range tcpFlagNames {
		if flags&f.bit != 0 {
			set = append(set, f.name)
		}
	}

	ctx.Push(c, 0, hl, "tcp")
	ctx.Add(c, 0, 2, "tcp.srcport", sp)
	ctx.Add(c, 2, 2, "tcp.dstport", dp)
	ctx.Add(c, 4, 4, "tcp.seq", u32(c, 4))
	ctx.Add(c, 8, 4, "tcp.ack", u32(c, 8))
	ctx.Addf(c, 12, 1, "tcp.hdr_len", "%d bytes", hl)
	ctx.Addf(c, 12, 2, "tcp.flags", "0x%03x [%s]", flags, strings.Join(set, ", "))
	ctx.Add(c, 14, 2, "tcp.window_size", u16(c, 14))
	ctx.Addf(c, 16, 2, "tcp.checksum", "0x%04x", u16(c, 16))
	ctx.Add(c, 18, 2, "tcp.urgent_pointer", u16(c, 18))
	if hl > tcpHeaderMinLen {
		tcpOptions(window(c, tcpHeaderMinLen, hl-tcpHeaderMinLen), ctx)
	}
	ctx.Pop()

	ctx.SetPorts(sp, dp)
	ctx.SetFlowProto(uint8(layers.IPProtocolTCP))
	ctx.AppendInfo("TCP %d -> %d [%s]", sp, dp, strings.Join(set, ", "))

	dispatchPorts(ctx, dissect.TableTCPPort, sp, dp, rest(c, hl))
	return c.Len(), nil
}

func tcpOptions(opts dissect.Cursor, ctx *dissect.Context) {
	ctx.Push(opts, 0, opts.Len(), "tcp.options")
	defer ctx.Pop()
	end, err := dissect.EachTLV(opts, 0, tcpOptionFormat, func(t dissect.TLV) error {
		v := t.Value
		want := 0
		switch t.Type {
		case tcpOptEOL:
			ctx.Add(opts, t.Offset, 1, "tcp.option.eol", "End of Option List")
			return errEndOfOptions
		case tcpOptNOP:
			ctx.Add(opts, t.Offset, 1, "tcp.option.nop", "No-Operation")
			return nil
		case tcpOptMSS:
			want = 2
		case tcpOptWS:
			want = 1
		case tcpOptSACKPerm:
			want = 0
		case tcpOptTimestamp:
			want = 8
		case tcpOptSACK:
			if t.Length%8 != 0 {
				ctx.Warn(opts, t.Offset, t.Total(), "SACK option length %d is not 2 plus a multiple of 8", t.Total())
				return nil
			}
			for off := 0; off < t.Length; off += 8 {
				ctx.Addf(v, off, 8, "tcp.option.sack", "%d-%d", u32(v, off), u32(v, off+4))
			}
			return nil
		default:
			ctx.Addf(opts, t.Offset, t.Total(), "tcp.option.unknown", "kind %d, %d bytes", t.Type, t.Total())
			return nil
		}
		if t.Length != want {
			ctx.Warn(opts, t.Offset, t.Total(), "TCP option %d length %d, expected %d", t.Type, t.Total(), want+2)
			return nil
		}
		switch t.Type {
		case tcpOptMSS:
			ctx.Add(v, 0, 2, "tcp.option.mss", u16(v, 0))
		case tcpOptWS:
			ctx.Addf(v, 0, 1, "tcp.option.wscale", "%d (multiply by %d)", u8(v, 0), 1<<min(u8(v, 0), 14))
		case tcpOptSACKPerm:
			ctx.Add(opts, t.Offset, 2, "tcp.option.sack_perm", true)
		case tcpOptTimestamp:
			ctx.Addf(v, 0, 8, "tcp.option.timestamp", "TSval %d, TSecr %d", u32(v, 0), u32(v, 4))
		}
		return nil
	})
	switch {
	case errors.Is(err, errEndOfOptions):
		trailer(ctx, opts, end+1, "tcp.option.padding")
	case err != nil:
		ctx.Warn(opts, end, opts.Len()-end, "malformed TCP options: %v", err)
	}
}

// dispatchPorts hands a transport payload to the first port with a
// registered dissector. With TryLowerPortFirst the lower port is tried
// first, otherwise the destination port. Unclaimed payloads render as data.
func dispatchPorts(ctx *dissect.Context, table string, src, dst uint16, payload dissect.Cursor) int {
	if payload.Reported() == 0 {
		return 0
	}
	first, second := dst, src
	if ctx.Options().TryLowerPortFirst && src < dst {
		first, second = src, dst
	}
	for _, p := range [2]uint16{first, second} {
		if ctx.Has(table, uint32(p)) {
			return ctx.Call(table, uint32(p), payload)
		}
	}
	return ctx.CallData(payload)
}
