package decoder

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// Juniper link types (pcap DLT values).
const (
	LinkTypeJuniperMLPPP  = 130
	LinkTypeJuniperMLFR   = 131
	LinkTypeJuniperGGSN   = 133
	LinkTypeJuniperATM2   = 135
	LinkTypeJuniperSVCS   = 136
	LinkTypeJuniperATM1   = 137
	LinkTypeJuniperPPPoE  = 167
	LinkTypeJuniperEther  = 178
	LinkTypeJuniperPPP    = 179
	LinkTypeJuniperFRelay = 180
	LinkTypeJuniperCHDLC  = 181
)

const (
	juniperMagic     = 0x4d4743 // "MGC"
	juniperMagicLen  = 3
	juniperHeaderLen = 4

	juniperFlagPktIn = 0x01
	juniperFlagNoL2  = 0x02
	juniperFlagExt   = 0x80
)

// Payload protocol ids carried by NO_L2 captures and derived from cookies.
const (
	juniperProtoUnknown  = 0
	juniperProtoIP       = 2
	juniperProtoMPLSIP   = 3
	juniperProtoIPMPLS   = 4
	juniperProtoMPLS     = 5
	juniperProtoIP6      = 6
	juniperProtoMPLSIP6  = 7
	juniperProtoIP6MPLS  = 8
	juniperProtoCLNP     = 10
	juniperProtoCLNPMPLS = 32
	juniperProtoMPLSCLNP = 33
	juniperProtoPPP      = 200
	juniperProtoISO      = 201
	juniperProtoLLC      = 202
	juniperProtoLLCSNAP  = 203
	juniperProtoEther    = 204
	juniperProtoOAM      = 205
	juniperProtoQ933     = 206
	juniperProtoFRelay   = 207
	juniperProtoCHDLC    = 208
)

var juniperProtoNames = map[uint32]string{
	juniperProtoIP:       "IPv4",
	juniperProtoMPLSIP:   "MPLS->IPv4",
	juniperProtoIPMPLS:   "IPv4->MPLS",
	juniperProtoMPLS:     "MPLS",
	juniperProtoIP6:      "IPv6",
	juniperProtoMPLSIP6:  "MPLS->IPv6",
	juniperProtoIP6MPLS:  "IPv6->MPLS",
	juniperProtoCLNP:     "CLNP",
	juniperProtoCLNPMPLS: "CLNP->MPLS",
	juniperProtoMPLSCLNP: "MPLS->CLNP",
	juniperProtoPPP:      "PPP",
	juniperProtoISO:      "ISO",
	juniperProtoLLC:      "LLC",
	juniperProtoLLCSNAP:  "LLC/SNAP",
	juniperProtoEther:    "Ethernet",
	juniperProtoOAM:      "ATM OAM Cell",
	juniperProtoQ933:     "Q.933",
	juniperProtoFRelay:   "Frame-Relay",
	juniperProtoCHDLC:    "C-HDLC",
}

func juniperProtoName(p uint32) string {
	if n, ok := juniperProtoNames[p]; ok {
		return n
	}
	return "Unknown"
}

// Extension TLV types.
const (
	juniperExtIFDIndex     = 1
	juniperExtIFDName      = 2
	juniperExtIFDMediaType = 3
	juniperExtIFLIndex     = 4
	juniperExtIFLUnit      = 5
	juniperExtIFLEncaps    = 6
	juniperExtTTPMediaType = 7
	juniperExtTTPEncaps    = 8
)

var juniperExtNames = map[uint8]string{
	juniperExtIFDIndex:     "Device Interface Index",
	juniperExtIFDName:      "Device Interface Name",
	juniperExtIFDMediaType: "Device Media Type",
	juniperExtIFLIndex:     "Logical Interface Index",
	juniperExtIFLUnit:      "Logical Unit Number",
	juniperExtIFLEncaps:    "Logical Interface Encapsulation",
	juniperExtTTPMediaType: "TTP Device Media Type",
	juniperExtTTPEncaps:    "TTP Logical Interface Encapsulation",
}

// juniperHeader decodes the common capture header and returns the offset
// of the link-layer payload. done is set when the frame had no layer 2
// header; the payload was then already dispatched and off covers it.
func juniperHeader(c dissect.Cursor, ctx *dissect.Context, pic string) (off int, done bool, err error) {
	if err := fixed(c, juniperHeaderLen, "Juniper"); err != nil {
		return 0, false, err
	}
	magic, _ := c.U24At(0)
	if magic != juniperMagic {
		ctx.SetInfo("no Juniper magic")
		return 0, false, fmt.Errorf("%w: Juniper magic 0x%06x, want 0x%06x", core.ErrFatalStructural, magic, juniperMagic)
	}
	flags := u8(c, 3)

	ctx.Push(c, 0, juniperHeaderLen, "juniper")
	ctx.Addf(c, 0, juniperMagicLen, "juniper.magic", "0x%06x", magic)
	ctx.Addf(c, 3, 1, "juniper.flags", "0x%02x", flags)
	dir := core.DirectionOutbound
	if flags&juniperFlagPktIn != 0 {
		dir = core.DirectionInbound
	}
	ctx.Direction = dir
	ctx.Add(c, 3, 1, "juniper.direction", dir)
	ctx.Add(c, 3, 1, "juniper.l2hdr", onOff(flags&juniperFlagNoL2 == 0))
	ctx.SetInfo("Juniper %s %s", pic, dir)

	off = juniperHeaderLen
	if flags&juniperFlagExt != 0 {
		if err := fixed(c, off+2, "Juniper extension"); err != nil {
			ctx.Pop()
			return off, false, err
		}
		extLen := int(u16(c, off))
		off += 2
		if err := span(window(c, off, c.Reported()-off), extLen, "Juniper extension"); err != nil {
			ctx.Pop()
			return off, false, err
		}
		ctx.Add(c, off-2, 2, "juniper.ext_total_len", extLen)
		juniperExtensions(window(c, off, extLen), ctx)
		off += extLen
	}

	if flags&juniperFlagNoL2 == 0 {
		ctx.Pop()
		return off, false, nil
	}
	if err := fixed(window(c, off, c.Reported()-off), 4, "Juniper"); err != nil {
		ctx.Pop()
		return off, false, err
	}
	proto, _ := c.U32LEAt(off)
	ctx.Addf(c, off, 4, "juniper.proto", "%s (%d)", juniperProtoName(proto), proto)
	ctx.Pop()
	off += 4
	return off + juniperPayload(ctx, proto, rest(c, off)), true, nil
}

// juniperExtensions decodes the extension TLV block. A TLV with a zero or
// overrunning length ends the walk.
func juniperExtensions(ext dissect.Cursor, ctx *dissect.Context) {
	for off := 0; off+2 <= ext.Len(); {
		typ, l := u8(ext, off), int(u8(ext, off+1))
		if l == 0 || l > ext.Len()-off-2 {
			break
		}
		name, ok := juniperExtNames[typ]
		if !ok {
			name = "Unknown"
		}
		order := dissect.BigEndian
		if typ < 128 && ctx.Options().JuniperExtTLVLE {
			order = dissect.LittleEndian
		}
		v := window(ext, off+2, l)
		ctx.Push(ext, off, l+2, "juniper.ext")
		ctx.Addf(ext, off, 1, "juniper.ext.type", "%s (%d)", name, typ)
		ctx.Add(ext, off+1, 1, "juniper.ext.len", l)
		switch {
		case typ == juniperExtIFDName:
			b, _ := v.Bytes(0, l)
			ctx.Add(v, 0, l, "juniper.ext.value", string(trimNUL(b)))
		case l <= 4:
			x, _ := v.UintAt(0, l, order)
			ctx.Add(v, 0, l, "juniper.ext.value", uint32(x))
		default:
			ctx.Addf(v, 0, l, "juniper.ext.value", "%d bytes", l)
		}
		ctx.Pop()
		off += l + 2
	}
}

func trimNUL(b []byte) []byte {
	for i, x := range b {
		if x == 0 {
			return b[:i]
		}
	}
	return b
}

// juniperPayload dispatches through juniper.proto. Unknown ids are noted
// and rendered as data.
func juniperPayload(ctx *dissect.Context, proto uint32, c dissect.Cursor) int {
	if c.Reported() == 0 {
		return 0
	}
	if !ctx.Has(dissect.TableJuniperProto, proto) {
		ctx.Note(c, 0, c.Len(), "unknown Juniper payload protocol %d", proto)
		return ctx.CallData(c)
	}
	return ctx.Call(dissect.TableJuniperProto, proto, c)
}

// juniperLink builds the handler for a PIC whose layer 2 framing follows
// the common header directly. skip bytes are passed over first.
func juniperLink(pic, next string, skip int) dissect.Handler {
	return func(c dissect.Cursor, ctx *dissect.Context) (int, error) {
		off, done, err := juniperHeader(c, ctx, pic)
		if err != nil || done {
			return off, err
		}
		if skip > 0 {
			if err := fixed(window(c, off, c.Reported()-off), skip, "Juniper "+pic); err != nil {
				return off, err
			}
			pad, _ := c.UintAt(off, skip, dissect.BigEndian)
			ctx.Addf(c, off, skip, "juniper.l2_pad", "0x%0*x", skip*2, pad)
			off += skip
		}
		return off + ctx.CallNamed(next, rest(c, off)), nil
	}
}

var (
	// JuniperEther decodes DLT_JUNIPER_ETHER.
	JuniperEther = juniperLink("Ethernet", "eth", 0)
	// JuniperPPP decodes DLT_JUNIPER_PPP; two bytes precede the PPP frame.
	JuniperPPP = juniperLink("PPP", "ppp", 2)
	// JuniperPPPoE decodes DLT_JUNIPER_PPPOE.
	JuniperPPPoE = juniperLink("PPPoE", "pppoe", 0)
	// JuniperFrameRelay decodes DLT_JUNIPER_FRELAY.
	JuniperFrameRelay = juniperLink("Frame-Relay", "fr", 0)
	// JuniperCHDLC decodes DLT_JUNIPER_CHDLC.
	JuniperCHDLC = juniperLink("C-HDLC", "chdlc", 0)
)

const juniperGGSNHeaderLen = 8

// JuniperGGSN decodes DLT_JUNIPER_GGSN: an 8-byte header naming the
// payload protocol and VLAN.
func JuniperGGSN(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	off, done, err := juniperHeader(c, ctx, "GGSN")
	if err != nil || done {
		return off, err
	}
	g := rest(c, off)
	if err := fixed(g, juniperGGSNHeaderLen, "Juniper GGSN"); err != nil {
		return off, err
	}
	proto := uint32(u8(g, 2))
	vlan, _ := g.U16LEAt(4)
	ctx.Push(g, 0, juniperGGSNHeaderLen, "juniper.ggsn")
	ctx.Addf(g, 2, 1, "juniper.proto", "%s (%d)", juniperProtoName(proto), proto)
	ctx.Add(g, 4, 2, "juniper.vlan", vlan)
	ctx.Pop()
	off += juniperGGSNHeaderLen
	return off + juniperPayload(ctx, proto, rest(c, off)), nil
}

// JuniperISO strips the optional 0x03 (or 0x0300) UI control in front of
// an OSI PDU.
func JuniperISO(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	off := 0
	switch {
	case c.Len() >= 2 && u16(c, 0) == 0x0300:
		off = 2
		ctx.Addf(c, 0, 2, "juniper.iso.control", "0x%04x", 0x0300)
	case c.Len() >= 1 && u8(c, 0) == 0x03:
		off = 1
		ctx.Addf(c, 0, 1, "juniper.iso.control", "0x%02x", 0x03)
	}
	return off + ctx.CallNamed("osi", rest(c, off)), nil
}

// JuniperOAM renders an ATM OAM cell.
func JuniperOAM(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	ctx.AppendInfo("ATM OAM cell")
	if c.Len() > 0 {
		ctx.Addf(c, 0, c.Len(), "juniper.oam", "%d bytes", c.Len())
	}
	return c.Len(), nil
}
