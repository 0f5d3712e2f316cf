package decoder

import (
	"fmt"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	pppoeHeaderLen = 6

	pppoeCodeSession = 0x00
	pppoeCodePADI    = 0x09
	pppoeCodePADO    = 0x07
	pppoeCodePADR    = 0x19
	pppoeCodePADS    = 0x65
	pppoeCodePADT    = 0xa7
)

var pppoeCodeNames = map[uint8]string{
	pppoeCodeSession: "Session Data",
	pppoeCodePADI:    "Active Discovery Initiation (PADI)",
	pppoeCodePADO:    "Active Discovery Offer (PADO)",
	pppoeCodePADR:    "Active Discovery Request (PADR)",
	pppoeCodePADS:    "Active Discovery Session-confirmation (PADS)",
	pppoeCodePADT:    "Active Discovery Terminate (PADT)",
}

var pppoeTagNames = map[uint32]string{
	0x0000: "End-Of-List",
	0x0101: "Service-Name",
	0x0102: "AC-Name",
	0x0103: "Host-Uniq",
	0x0104: "AC-Cookie",
	0x0105: "Vendor-Specific",
	0x0110: "Relay-Session-Id",
	0x0201: "Service-Name-Error",
	0x0202: "AC-System-Error",
	0x0203: "Generic-Error",
}

// Tags whose value is UTF-8 text.
func pppoeTextTag(t uint32) bool {
	switch t {
	case 0x0101, 0x0102, 0x0201, 0x0202, 0x0203:
		return true
	}
	return false
}

var pppoeTagFormat = dissect.TLVFormat{TypeWidth: 2, LengthWidth: 2}

// pppoeHeader decodes the common header and returns the payload bounded by
// the length field.
func pppoeHeader(c dissect.Cursor, ctx *dissect.Context, name string) (dissect.Cursor, uint8, error) {
	if err := fixed(c, pppoeHeaderLen, name); err != nil {
		return dissect.Cursor{}, 0, err
	}
	vt, code := u8(c, 0), u8(c, 1)
	sid, length := u16(c, 2), int(u16(c, 4))
	codeName, ok := pppoeCodeNames[code]
	if !ok {
		codeName = "Unknown"
	}
	ctx.Push(c, 0, pppoeHeaderLen, "pppoe")
	ctx.Add(c, 0, 1, "pppoe.version", vt>>4)
	ctx.Add(c, 0, 1, "pppoe.type", vt&0x0f)
	if vt != 0x11 {
		ctx.Warn(c, 0, 1, "unexpected PPPoE version/type 0x%02x", vt)
	}
	ctx.Addf(c, 1, 1, "pppoe.code", "%s (0x%02x)", codeName, code)
	ctx.Addf(c, 2, 2, "pppoe.session_id", "0x%04x", sid)
	ctx.Add(c, 4, 2, "pppoe.payload_length", length)
	ctx.Pop()
	ctx.AppendInfo("PPPoE %s", codeName)

	avail := c.Reported() - pppoeHeaderLen
	if length > avail {
		ctx.Violation(dissect.SeverityError, c, 4, 2, "PPPoE payload length %d exceeds the %d bytes available", length, avail)
		length = avail
	}
	return window(c, pppoeHeaderLen, length), code, nil
}

// PPPoEDiscovery decodes the discovery stage (ethertype 0x8863).
func PPPoEDiscovery(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	body, code, err := pppoeHeader(c, ctx, "PPPoE discovery")
	if err != nil {
		return 0, err
	}
	if code == pppoeCodeSession {
		ctx.Violation(dissect.SeverityError, c, 1, 1, "session code on the discovery ethertype")
	}
	ctx.Push(body, 0, body.Reported(), "pppoe.tags")
	end, err := dissect.EachTLV(body, 0, pppoeTagFormat, func(t dissect.TLV) error {
		name, ok := pppoeTagNames[t.Type]
		if !ok {
			name = "Unknown"
		}
		switch {
		case t.Length > 0 && pppoeTextTag(t.Type):
			b, _ := t.Value.Bytes(0, t.Length)
			ctx.Addf(body, t.Offset, t.Total(), "pppoe.tag", "%s: %q", name, b)
		default:
			ctx.Addf(body, t.Offset, t.Total(), "pppoe.tag", "%s (0x%04x), %d bytes", name, t.Type, t.Length)
		}
		return nil
	})
	ctx.Pop()
	if err != nil {
		trailer(ctx, body, end, "pppoe.tag.malformed")
		return pppoeHeaderLen + end, err
	}
	return pppoeHeaderLen + body.Len(), nil
}

// PPPoESession decodes the session stage (ethertype 0x8864); the payload
// is a PPP frame without address and control fields.
func PPPoESession(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	body, code, err := pppoeHeader(c, ctx, "PPPoE session")
	if err != nil {
		return 0, err
	}
	if code != pppoeCodeSession {
		return pppoeHeaderLen, fmt.Errorf("%w: PPPoE session frame with code 0x%02x", core.ErrSpecViolation, code)
	}
	if body.Len() < 2 {
		return pppoeHeaderLen + ctx.CallData(body), nil
	}
	proto := u16(body, 0)
	ctx.Addf(body, 0, 2, "ppp.protocol", "%s (0x%04x)", pppProtocolName(proto), proto)
	return pppoeHeaderLen + 2 + ctx.Call(dissect.TablePPPProtocol, uint32(proto), rest(body, 2)), nil
}
