package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	vxlanHeaderLen  = 8
	geneveHeaderLen = 8
	greHeaderMinLen = 4

	vxlanPort      = 4789
	genevePort     = 6081
	mplsInUDPPort  = 6635
	greVersionPPTP = 1
)

// VXLAN decodes a VXLAN header and hands the inner frame to Ethernet.
func VXLAN(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, vxlanHeaderLen, "VXLAN"); err != nil {
		return 0, err
	}
	flags := u8(c, 0)
	vni := u32(c, 4) >> 8
	ctx.Push(c, 0, vxlanHeaderLen, "vxlan")
	ctx.Addf(c, 0, 1, "vxlan.flags", "0x%02x", flags)
	if flags&0x08 == 0 {
		ctx.Warn(c, 0, 1, "VNI flag not set")
	}
	ctx.Add(c, 4, 3, "vxlan.vni", vni)
	ctx.Pop()
	ctx.AppendInfo("VXLAN vni=%d", vni)
	return vxlanHeaderLen + ctx.CallNamed("eth", rest(c, vxlanHeaderLen)), nil
}

// Geneve decodes a Geneve header with its options and dispatches the inner
// payload by protocol type through the ethertype table.
func Geneve(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, geneveHeaderLen, "Geneve"); err != nil {
		return 0, err
	}
	ver := u8(c, 0) >> 6
	optLen := int(u8(c, 0)&0x3f) * 4
	n := geneveHeaderLen + optLen
	if err := span(c, n, "Geneve"); err != nil {
		return 0, err
	}
	proto := u16(c, 2)
	vni := u32(c, 4) >> 8

	ctx.Push(c, 0, n, "geneve")
	ctx.Add(c, 0, 1, "geneve.version", ver)
	if ver != 0 {
		ctx.Warn(c, 0, 1, "unknown Geneve version %d", ver)
	}
	ctx.Addf(c, 0, 1, "geneve.options_length", "%d bytes", optLen)
	ctx.Add(c, 1, 1, "geneve.oam", u8(c, 1)&0x80 != 0)
	ctx.Add(c, 1, 1, "geneve.critical", u8(c, 1)&0x40 != 0)
	ctx.Addf(c, 2, 2, "geneve.proto_type", "%s (0x%04x)", layers.EthernetType(proto), proto)
	ctx.Add(c, 4, 3, "geneve.vni", vni)

	opts := window(c, geneveHeaderLen, optLen)
	for off := 0; off+4 <= opts.Len(); {
		l := int(u8(opts, off+3)&0x1f) * 4
		if off+4+l > opts.Len() {
			ctx.Warn(opts, off, opts.Len()-off, "Geneve option overruns the options area")
			break
		}
		ctx.Addf(opts, off, 4+l, "geneve.option", "class 0x%04x type 0x%02x, %d bytes", u16(opts, off), u8(opts, off+2), l)
		off += 4 + l
	}
	ctx.Pop()
	ctx.AppendInfo("Geneve vni=%d", vni)
	return n + ctx.Call(dissect.TableEtherType, uint32(proto), rest(c, n)), nil
}

// GRE decodes a GRE header (RFC 2784/2890) or the enhanced GRE header of
// PPTP (RFC 2637) and dispatches the payload through gre.proto.
func GRE(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, greHeaderMinLen, "GRE"); err != nil {
		return 0, err
	}
	flags := u16(c, 0)
	csum, key, seq := flags&0x8000 != 0, flags&0x2000 != 0, flags&0x1000 != 0
	ack := flags&0x0080 != 0
	ver := flags & 0x0007
	proto := u16(c, 2)

	n := greHeaderMinLen
	if csum {
		n += 4
	}
	if key {
		n += 4
	}
	if seq {
		n += 4
	}
	if ver == greVersionPPTP && ack {
		n += 4
	}
	if err := span(c, n, "GRE"); err != nil {
		return 0, err
	}

	ctx.Push(c, 0, n, "gre")
	ctx.Addf(c, 0, 2, "gre.flags", "0x%04x", flags)
	ctx.Add(c, 1, 1, "gre.version", ver)
	ctx.Addf(c, 2, 2, "gre.proto", "%s (0x%04x)", layers.EthernetType(proto), proto)
	off := greHeaderMinLen
	if csum {
		sum := u16(c, off)
		if !c.Truncated() {
			b, _ := c.Bytes(0, c.Len())
			if dissect.InternetChecksum(b) != 0 {
				ctx.Warn(c, off, 2, "bad GRE checksum 0x%04x", sum)
			}
		}
		ctx.Addf(c, off, 2, "gre.checksum", "0x%04x", sum)
		off += 4
	}
	switch {
	case ver == greVersionPPTP:
		if !key {
			ctx.Violation(dissect.SeverityError, c, 0, 2, "enhanced GRE without the key present bit")
		} else {
			ctx.Add(c, off, 2, "gre.payload_length", u16(c, off))
			ctx.Add(c, off+2, 2, "gre.call_id", u16(c, off+2))
			off += 4
		}
	case key:
		ctx.Addf(c, off, 4, "gre.key", "0x%08x", u32(c, off))
		off += 4
	}
	if seq {
		ctx.Add(c, off, 4, "gre.sequence", u32(c, off))
		off += 4
	}
	if ver == greVersionPPTP && ack {
		ctx.Add(c, off, 4, "gre.ack", u32(c, off))
	}
	ctx.Pop()

	if ver == greVersionPPTP && rest(c, n).Reported() == 0 {
		return n, nil
	}
	return n + ctx.Call(dissect.TableGREProto, uint32(proto), rest(c, n)), nil
}
