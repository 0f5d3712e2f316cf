package decoder

import (
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	atm1CookieLen = 4
	atm2CookieLen = 8

	// ATM1 marks OAM cells with this VPI byte.
	atm1OAMMarker = 0x80
	// ATM2 carries a packet type in the first byte of the second cookie
	// word.
	atm2PktTypeMask  = 0x70
	atm2PktTypeShift = 4
	atm2OAMF4        = 3
	atm2OAMF5        = 4
	// A non-zero gap count marks Ethernet over RFC 1483.
	atm2GapCountMask = 0x3f

	// Services cookie ids.
	cookieIDLS     = 0x54
	cookieIDApollo = 0x40
	cookieIDLSQ    = 0x47

	lsCookieLen  = 4
	asCookieLen  = 8
	mlCookieLen  = 2
	lsqDirMask   = 0x03
	lsqDirShift  = 24
	lsqL3Mask    = 0xf0
	lsqL3Shift   = 16
	lsqL3IPv4    = 0x00
	lsqL3IPv6    = 0x10
	lsqL3MPLS    = 0x20
	lsqL3ISO     = 0x30
	lsqDirBundle = 3
)

// juniperATM builds the handler for the ATM PICs. ATM1 carries a 4-byte
// cookie, ATM2 an 8-byte one; neither names the payload protocol, so it is
// guessed from the leading bytes.
func juniperATM(pic string, atm1 bool) dissect.Handler {
	cookieLen := atm2CookieLen
	if atm1 {
		cookieLen = atm1CookieLen
	}
	return func(c dissect.Cursor, ctx *dissect.Context) (int, error) {
		off, done, err := juniperHeader(c, ctx, pic)
		if err != nil || done {
			return off, err
		}
		if err := fixed(window(c, off, c.Reported()-off), cookieLen, "Juniper "+pic+" cookie"); err != nil {
			return off, err
		}
		cookie1 := u32(c, off)
		ctx.Push(c, off, cookieLen, "juniper.atm")
		if atm1 {
			ctx.Addf(c, off, 4, "juniper.atm1.cookie", "0x%08x", cookie1)
		} else {
			cookie2, _ := c.U64At(off)
			ctx.Addf(c, off, 8, "juniper.atm2.cookie", "0x%016x", cookie2)
		}
		ctx.Pop()

		oam := false
		if atm1 {
			oam = cookie1>>24 == atm1OAMMarker
		} else {
			switch (u8(c, off+4) & atm2PktTypeMask) >> atm2PktTypeShift {
			case atm2OAMF4, atm2OAMF5:
				oam = true
			}
		}
		off += cookieLen
		if oam {
			return off + juniperPayload(ctx, juniperProtoOAM, rest(c, off)), nil
		}
		inbound := ctx.Direction == core.DirectionInbound
		return off + atmGuess(ctx, rest(c, off), cookie1, inbound, atm1), nil
	}
}

// atmGuess identifies the payload of an ATM cell stream. The checks run
// from the most to the least specific signature.
func atmGuess(ctx *dissect.Context, p dissect.Cursor, cookie1 uint32, inbound, atm1 bool) int {
	if p.Len() < 1 {
		return ctx.CallData(p)
	}
	if p.Len() >= 3 {
		switch sig, _ := p.U24At(0); sig {
		case 0xfefe03:
			return ctx.CallNamed("osi", rest(p, 3))
		case 0xaaaa03:
			return ctx.CallNamed("llc", p)
		}
	}
	if !inbound && cookie1&atm2GapCountMask != 0 && !atm1 {
		return ctx.CallNamed("eth", p)
	}
	if p.Len() >= 2 && isPPPProtocol(u16(p, 0)) && !atm1 {
		return ctx.CallNamed("ppp", p)
	}
	first := u8(p, 0)
	if first == 0x03 {
		return 1 + ctx.CallNamed("osi", rest(p, 1))
	}
	if isIPGuess(first) {
		return ctx.CallNamed("ip", p)
	}
	return ctx.CallNamed("llc", p)
}

// isIPGuess reports a byte that looks like the start of an IPv4 header
// (version 4, IHL at least 5) or an IPv6 header.
func isIPGuess(b uint8) bool {
	return (b >= 0x45 && b <= 0x4f) || (b >= 0x60 && b <= 0x6f)
}

var (
	// JuniperATM1 decodes DLT_JUNIPER_ATM1.
	JuniperATM1 = juniperATM("ATM1", true)
	// JuniperATM2 decodes DLT_JUNIPER_ATM2.
	JuniperATM2 = juniperATM("ATM2", false)
)

type juniperPIC uint8

const (
	picMLPPP juniperPIC = iota
	picMLFR
	picServices
)

func (p juniperPIC) String() string {
	switch p {
	case picMLPPP:
		return "MLPPP"
	case picMLFR:
		return "MLFR"
	}
	return "Services"
}

// juniperCookie builds the handler for the PICs that prefix frames with a
// services or multilink cookie.
func juniperCookie(pic juniperPIC) dissect.Handler {
	return func(c dissect.Cursor, ctx *dissect.Context) (int, error) {
		off, done, err := juniperHeader(c, ctx, pic.String())
		if err != nil || done {
			return off, err
		}
		p := rest(c, off)
		n, proto, err := cookieProto(p, ctx, pic)
		if err != nil {
			return off, err
		}
		off += n
		return off + juniperPayload(ctx, proto, rest(c, off)), nil
	}
}

// cookieProto decodes the cookie at the start of p and returns its length
// and the payload protocol it implies.
func cookieProto(p dissect.Cursor, ctx *dissect.Context, pic juniperPIC) (int, uint32, error) {
	if err := fixed(p, 1, "Juniper cookie"); err != nil {
		return 0, 0, err
	}
	inbound := ctx.Direction == core.DirectionInbound
	switch id := u8(p, 0); {
	case id == cookieIDLS:
		if err := fixed(p, lsCookieLen, "Juniper LS cookie"); err != nil {
			return 0, 0, err
		}
		ctx.Addf(p, 0, lsCookieLen, "juniper.lspic.cookie", "0x%08x", u32(p, 0))
		switch pic {
		case picMLPPP:
			return lsCookieLen, juniperProtoPPP, nil
		case picMLFR:
			return lsCookieLen, juniperProtoISO, nil
		}
		return lsCookieLen, juniperProtoIP, nil

	case id == cookieIDApollo || id == cookieIDLSQ:
		if err := fixed(p, asCookieLen, "Juniper AS cookie"); err != nil {
			return 0, 0, err
		}
		cookie, _ := p.U64At(0)
		l3 := uint32(cookie>>lsqL3Shift) & lsqL3Mask
		dir := uint32(cookie>>lsqDirShift) & lsqDirMask
		ctx.Push(p, 0, asCookieLen, "juniper.aspic")
		ctx.Addf(p, 0, asCookieLen, "juniper.aspic.cookie", "0x%016x", cookie)
		ctx.Addf(p, 0, asCookieLen, "juniper.lsq.l3_proto", "0x%02x", l3)
		ctx.Add(p, 0, asCookieLen, "juniper.lsq.dir", dir)
		ctx.Pop()
		return asCookieLen, lsqProto(pic, l3, dir, inbound), nil

	case pic == picMLPPP && p.Len() >= 4 && u16(p, 2) == 0xff03:
		ctx.Addf(p, 0, mlCookieLen, "juniper.mlpic.cookie", "0x%04x", u16(p, 0))
		return mlCookieLen, juniperProtoPPP, nil
	}

	if err := fixed(p, mlCookieLen, "Juniper ML cookie"); err != nil {
		return 0, 0, err
	}
	ctx.Addf(p, 0, mlCookieLen, "juniper.mlpic.cookie", "0x%04x", u16(p, 0))
	if p.Len() > mlCookieLen && u8(p, mlCookieLen) == 0x03 {
		return mlCookieLen, juniperProtoISO, nil
	}
	switch pic {
	case picMLPPP:
		return mlCookieLen, juniperProtoPPP, nil
	case picMLFR:
		return mlCookieLen, juniperProtoFRelay, nil
	}
	return mlCookieLen, juniperProtoUnknown, nil
}

// lsqProto maps the layer 3 bits of an AS or LSQ cookie to a payload
// protocol. IPv4 frames heading into a multilink bundle are still PPP
// framed.
func lsqProto(pic juniperPIC, l3, dir uint32, inbound bool) uint32 {
	switch l3 {
	case lsqL3IPv4:
		switch pic {
		case picMLPPP:
			if inbound && dir != lsqDirBundle {
				return juniperProtoPPP
			}
		case picMLFR:
			if dir == lsqDirBundle {
				return juniperProtoUnknown
			}
		}
		return juniperProtoIP
	case lsqL3IPv6:
		return juniperProtoIP6
	case lsqL3MPLS:
		return juniperProtoMPLS
	case lsqL3ISO:
		return juniperProtoISO
	}
	return juniperProtoUnknown
}

var (
	// JuniperMLPPP decodes DLT_JUNIPER_MLPPP.
	JuniperMLPPP = juniperCookie(picMLPPP)
	// JuniperMLFR decodes DLT_JUNIPER_MLFR.
	JuniperMLFR = juniperCookie(picMLFR)
	// JuniperServices decodes DLT_JUNIPER_SERVICES.
	JuniperServices = juniperCookie(picServices)
)
