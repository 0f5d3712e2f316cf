package decoder

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

// ipProtoSHIM6 is the next header value of the SHIM6 header.
const ipProtoSHIM6 = 140

// SHIM6 control message types (RFC 5533).
const (
	shim6I1            = 1
	shim6R1            = 2
	shim6I2            = 3
	shim6R2            = 4
	shim6R1bis         = 5
	shim6I2bis         = 6
	shim6UpdateRequest = 64
	shim6UpdateAck     = 65
	shim6Keepalive     = 66
	shim6Probe         = 67
)

var shim6TypeNames = map[uint8]string{
	shim6I1:            "I1",
	shim6R1:            "R1",
	shim6I2:            "I2",
	shim6R2:            "R2",
	shim6R1bis:         "R1bis",
	shim6I2bis:         "I2bis",
	shim6UpdateRequest: "Update Request",
	shim6UpdateAck:     "Update Acknowledgement",
	shim6Keepalive:     "Keepalive",
	shim6Probe:         "Probe",
}

// SHIM6 option types.
const (
	shim6OptValidator   = 1
	shim6OptLocators    = 2
	shim6OptLocPrefs    = 3
	shim6OptCGAPDS      = 4
	shim6OptCGASig      = 5
	shim6OptULIDPair    = 6
	shim6OptForkedID    = 7
	shim6OptKATimeout   = 10
	shim6OptHeaderBytes = 4
)

var shim6OptionNames = map[uint16]string{
	shim6OptValidator: "Responder Validator",
	shim6OptLocators:  "Locator List",
	shim6OptLocPrefs:  "Locator Preferences",
	shim6OptCGAPDS:    "CGA Parameter Data Structure",
	shim6OptCGASig:    "CGA Signature",
	shim6OptULIDPair:  "ULID Pair",
	shim6OptForkedID:  "Forked Instance Identifier",
	shim6OptKATimeout: "Keepalive Timeout",
}

func contextTag(c dissect.Cursor, off int) uint64 {
	return uint64(u16(c, off)&0x7fff)<<32 | uint64(u32(c, off+2))
}

func shim6(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	n, nxt, err := extHeader(c, "SHIM6")
	if err != nil {
		return 0, err
	}
	ctx.Push(c, 0, n, "shim6")
	ctx.Addf(c, 0, 1, "shim6.nxt", "%s (%d)", layers.IPProtocol(nxt), nxt)
	ctx.Addf(c, 1, 1, "shim6.len", "%d (%d bytes)", u8(c, 1), n)
	ctx.Scratch.IPv6.Next = nxt

	if u8(c, 2)&0x80 != 0 {
		return shim6Payload(c, ctx, n)
	}
	return shim6Control(c, ctx, n, nxt)
}

// shim6Payload decodes the payload extension header that carries ULP data
// between locators other than the ULIDs.
func shim6Payload(c dissect.Cursor, ctx *dissect.Context, n int) (int, error) {
	if n != 8 {
		ctx.Violation(dissect.SeverityError, c, 1, 1, "payload extension header length %d, expected 8", n)
	}
	tag := contextTag(c, 2)
	ctx.Addf(c, 2, 6, "shim6.ct", "0x%012x", tag)
	if state, ok := shim6Tracker(ctx).Lookup(tag); ok {
		ctx.Add(c, 2, 6, "shim6.association", state)
	}
	ctx.AppendInfo("SHIM6 payload ct=0x%012x", tag)
	return n, nil
}

func shim6Control(c dissect.Cursor, ctx *dissect.Context, n int, nxt uint8) (int, error) {
	typ := u8(c, 2) & 0x7f
	name, known := shim6TypeNames[typ]
	if !known {
		name = fmt.Sprintf("Unknown (%d)", typ)
	}
	ctx.Addf(c, 2, 1, "shim6.type", "%s (%d)", name, typ)
	ctx.Add(c, 3, 1, "shim6.s", u8(c, 3)&1)
	if n < 8 {
		return 0, fmt.Errorf("%w: SHIM6 control message shorter than 8 bytes", core.ErrFatalStructural)
	}
	sum := u16(c, 4)
	if b, err := c.Bytes(0, n); err == nil && dissect.InternetChecksum(b) != 0 {
		ctx.Addf(c, 4, 2, "shim6.checksum", "0x%04x [incorrect]", sum)
		ctx.Warn(c, 4, 2, "bad SHIM6 checksum 0x%04x", sum)
	} else {
		ctx.Addf(c, 4, 2, "shim6.checksum", "0x%04x [correct]", sum)
	}
	if nxt != uint8(layers.IPProtocolNoNextHeader) {
		ctx.Warn(c, 0, 1, "control message next header %d, expected 59", nxt)
	}
	ctx.AppendInfo("SHIM6 %s", name)

	m := shim6Msg{Type: typ}
	optStart := 16
	need := func(k int) error {
		if n < k {
			return fmt.Errorf("%w: SHIM6 %s needs %d bytes, header has %d", core.ErrFatalStructural, name, k, n)
		}
		return nil
	}
	switch typ {
	case shim6I1:
		if err := need(16); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		m.InitNonce = u32(c, 12)
		ctx.Addf(c, 6, 6, "shim6.ict", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.init_nonce", "0x%08x", m.InitNonce)
	case shim6R1:
		if err := need(16); err != nil {
			return 0, err
		}
		m.InitNonce = u32(c, 8)
		ctx.Addf(c, 8, 4, "shim6.init_nonce", "0x%08x", m.InitNonce)
		ctx.Addf(c, 12, 4, "shim6.resp_nonce", "0x%08x", u32(c, 12))
	case shim6I2:
		if err := need(24); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		m.InitNonce = u32(c, 12)
		ctx.Addf(c, 6, 6, "shim6.ict", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.init_nonce", "0x%08x", m.InitNonce)
		ctx.Addf(c, 16, 4, "shim6.resp_nonce", "0x%08x", u32(c, 16))
		optStart = 24
	case shim6R2:
		if err := need(16); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		m.InitNonce = u32(c, 12)
		ctx.Addf(c, 6, 6, "shim6.rct", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.init_nonce", "0x%08x", m.InitNonce)
	case shim6R1bis:
		if err := need(16); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		ctx.Addf(c, 6, 6, "shim6.pct", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.resp_nonce", "0x%08x", u32(c, 12))
	case shim6I2bis:
		if err := need(32); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		m.InitNonce = u32(c, 12)
		m.Peer = contextTag(c, 26)
		ctx.Addf(c, 6, 6, "shim6.ict", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.init_nonce", "0x%08x", m.InitNonce)
		ctx.Addf(c, 16, 4, "shim6.resp_nonce", "0x%08x", u32(c, 16))
		ctx.Addf(c, 26, 6, "shim6.pct", "0x%012x", m.Peer)
		optStart = 32
	case shim6UpdateRequest, shim6UpdateAck:
		if err := need(16); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		ctx.Addf(c, 6, 6, "shim6.rct", "0x%012x", m.Tag)
		ctx.Addf(c, 12, 4, "shim6.request_nonce", "0x%08x", u32(c, 12))
	case shim6Keepalive:
		if err := need(16); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		ctx.Addf(c, 6, 6, "shim6.rct", "0x%012x", m.Tag)
	case shim6Probe:
		if err := need(12); err != nil {
			return 0, err
		}
		m.Tag = contextTag(c, 6)
		ctx.Addf(c, 6, 6, "shim6.rct", "0x%012x", m.Tag)
		trailer(ctx, window(c, 0, n), 12, "shim6.probe")
		optStart = n
	default:
		ctx.Note(c, 2, 1, "unknown SHIM6 message type %d", typ)
		trailer(ctx, window(c, 0, n), 6, "shim6.data")
		return n, nil
	}

	state, expected := shim6Tracker(ctx).Observe(m)
	ctx.Add(c, 2, 1, "shim6.association", state)
	if !expected {
		ctx.Note(c, 2, 1, "unexpected %s for association in state %s", name, state)
	}

	if optStart < n {
		if err := shim6Options(window(c, optStart, n-optStart), ctx); err != nil {
			return optStart, err
		}
	}
	return n, nil
}

func shim6Options(opts dissect.Cursor, ctx *dissect.Context) error {
	for off := 0; off < opts.Reported(); {
		if opts.Reported()-off < shim6OptHeaderBytes {
			return fmt.Errorf("%w: %d bytes left for a SHIM6 option", core.ErrFatalStructural, opts.Reported()-off)
		}
		if opts.Len()-off < shim6OptHeaderBytes {
			return fmt.Errorf("%w: SHIM6 option header", core.ErrTruncated)
		}
		tc := u16(opts, off)
		typ, critical := tc>>1, tc&1 == 1
		length := int(u16(opts, off+2))
		total := (shim6OptHeaderBytes + length + 7) &^ 7
		if off+total > opts.Reported() {
			return fmt.Errorf("%w: SHIM6 option of %d bytes overruns the header", core.ErrFatalStructural, total)
		}
		if off+total > opts.Len() {
			return fmt.Errorf("%w: SHIM6 option", core.ErrTruncated)
		}
		name, known := shim6OptionNames[typ]
		if !known {
			name = fmt.Sprintf("Unknown (%d)", typ)
		}
		ctx.Push(opts, off, total, "shim6.opt")
		ctx.Addf(opts, off, 2, "shim6.opt.type", "%s (%d)", name, typ)
		ctx.Add(opts, off, 2, "shim6.opt.critical", critical)
		ctx.Add(opts, off+2, 2, "shim6.opt.length", length)
		v := window(opts, off+shim6OptHeaderBytes, length)
		shim6Option(ctx, v, typ, critical, known)
		if pad := total - shim6OptHeaderBytes - length; pad > 0 {
			ctx.Addf(opts, off+shim6OptHeaderBytes+length, pad, "shim6.opt.padding", "%d bytes", pad)
		}
		ctx.Pop()
		off += total
	}
	return nil
}

func shim6Option(ctx *dissect.Context, v dissect.Cursor, typ uint16, critical, known bool) {
	short := func(want int) bool {
		if v.Len() < want {
			ctx.Warn(v, 0, v.Len(), "%s option of %d bytes, expected at least %d", shim6OptionNames[typ], v.Len(), want)
			return true
		}
		return false
	}
	switch typ {
	case shim6OptLocators:
		if short(5) {
			return
		}
		ctx.Addf(v, 0, 4, "shim6.opt.loc_generation", "0x%08x", u32(v, 0))
		num := int(u8(v, 4))
		ctx.Add(v, 4, 1, "shim6.opt.loc_count", num)
		// Verification methods follow, padded so locators are 8-byte aligned
		// relative to the option start.
		start := ((shim6OptHeaderBytes + 5 + num + 7) &^ 7) - shim6OptHeaderBytes
		if short(start + 16*num) {
			return
		}
		for i := 0; i < num; i++ {
			ctx.Add(v, 5+i, 1, "shim6.opt.loc_verif_method", u8(v, 5+i))
			ctx.Add(v, start+16*i, 16, "shim6.opt.locator", addr16At(v, start+16*i))
		}
	case shim6OptLocPrefs:
		if short(2) {
			return
		}
		num, elen := int(u8(v, 0)), int(u8(v, 1))
		ctx.Add(v, 0, 1, "shim6.opt.pref_count", num)
		ctx.Add(v, 1, 1, "shim6.opt.pref_element_length", elen)
		if elen == 0 || short(2+num*elen) {
			return
		}
		for i := 0; i < num; i++ {
			off := 2 + i*elen
			ctx.Addf(v, off, elen, "shim6.opt.pref", "flags=0x%02x priority=%d", u8(v, off), prefPriority(v, off, elen))
		}
	case shim6OptULIDPair:
		if short(36) {
			return
		}
		ctx.Add(v, 4, 16, "shim6.opt.sender_ulid", addr16At(v, 4))
		ctx.Add(v, 20, 16, "shim6.opt.receiver_ulid", addr16At(v, 20))
	case shim6OptForkedID:
		if short(4) {
			return
		}
		ctx.Add(v, 0, 4, "shim6.opt.fii", u32(v, 0))
	case shim6OptKATimeout:
		if short(4) {
			return
		}
		ctx.Addf(v, 2, 2, "shim6.opt.keepalive_timeout", "%ds", u16(v, 2))
	case shim6OptValidator, shim6OptCGAPDS, shim6OptCGASig:
		ctx.Addf(v, 0, v.Len(), "shim6.opt.value", "%d bytes", v.Len())
	default:
		ctx.Addf(v, 0, v.Len(), "shim6.opt.value", "%d bytes", v.Len())
		if critical {
			ctx.Warn(v, 0, v.Len(), "unknown critical SHIM6 option %d", typ)
		} else if !known {
			ctx.Note(v, 0, v.Len(), "unknown SHIM6 option %d", typ)
		}
	}
}

func prefPriority(v dissect.Cursor, off, elen int) uint8 {
	if elen < 2 {
		return 0
	}
	return u8(v, off+1)
}
