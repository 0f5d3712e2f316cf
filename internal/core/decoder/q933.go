package decoder

import (
	"firestige.xyz/dissect/internal/core/dissect"
)

const q933Discriminator = 0x08

var q933MessageNames = map[uint8]string{
	0x02: "CALL PROCEEDING",
	0x05: "SETUP",
	0x07: "CONNECT",
	0x0f: "CONNECT ACKNOWLEDGE",
	0x0d: "SETUP ACKNOWLEDGE",
	0x45: "DISCONNECT",
	0x4d: "RELEASE",
	0x5a: "RELEASE COMPLETE",
	0x75: "STATUS ENQUIRY",
	0x7d: "STATUS",
}

// Information elements used by the PVC management procedures. ANSI T1.617
// Annex D sends them in codeset 5, where they appear with the low codes.
const (
	q933IEReportType     = 0x51
	q933IELinkIntegrity  = 0x53
	q933IEPVCStatus      = 0x57
	q933IEReportTypeD    = 0x01
	q933IELinkIntegrityD = 0x03
	q933IEPVCStatusD     = 0x07

	q933LockingShift = 0x90
)

var q933IEFormat = dissect.TLVFormat{
	TypeWidth:   1,
	LengthWidth: 1,
	Single:      func(t uint32) bool { return t&0x80 != 0 },
}

// Q933 decodes a Q.933 signalling message, including the Annex A and
// Annex D link management information elements.
func Q933(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 2, "Q.933"); err != nil {
		return 0, err
	}
	pd := u8(c, 0)
	crLen := int(u8(c, 1) & 0x0f)
	hl := 2 + crLen + 1
	if err := fixed(c, hl, "Q.933"); err != nil {
		return 0, err
	}
	ctx.Push(c, 0, c.Len(), "q933")
	defer ctx.Pop()
	ctx.Addf(c, 0, 1, "q933.discriminator", "0x%02x", pd)
	if pd != q933Discriminator {
		ctx.Warn(c, 0, 1, "unexpected Q.933 protocol discriminator 0x%02x", pd)
	}
	ctx.Add(c, 1, 1, "q933.call_ref_len", crLen)
	if crLen > 0 {
		v, _ := c.UintAt(2, min(crLen, 8), dissect.BigEndian)
		ctx.Addf(c, 2, crLen, "q933.call_ref", "0x%x", v)
	}
	mt := u8(c, 2+crLen)
	name, ok := q933MessageNames[mt]
	if !ok {
		name = "Unknown"
	}
	ctx.Addf(c, 2+crLen, 1, "q933.message_type", "%s (0x%02x)", name, mt)
	ctx.AppendInfo("Q.933 %s", name)

	end, err := dissect.EachTLV(c, hl, q933IEFormat, func(t dissect.TLV) error {
		q933IE(t, c, ctx)
		return nil
	})
	if err != nil {
		trailer(ctx, c, end, "q933.ie.malformed")
		return end, err
	}
	return c.Len(), nil
}

func q933IE(t dissect.TLV, c dissect.Cursor, ctx *dissect.Context) {
	if t.Header == 1 {
		if t.Type&0xf0 == q933LockingShift {
			ctx.Addf(c, t.Offset, 1, "q933.shift", "locking shift to codeset %d", t.Type&0x07)
			return
		}
		ctx.Addf(c, t.Offset, 1, "q933.ie", "single octet 0x%02x", t.Type)
		return
	}
	v := t.Value
	switch t.Type {
	case q933IEReportType, q933IEReportTypeD:
		ctx.Push(c, t.Offset, t.Total(), "q933.report_type")
		if v.Len() >= 1 {
			rt := u8(v, 0)
			label := "Unknown"
			switch rt {
			case 0:
				label = "Full status"
			case 1:
				label = "Link integrity verification only"
			case 2:
				label = "Single PVC asynchronous status"
			}
			ctx.Addf(v, 0, 1, "q933.report_type.value", "%s (%d)", label, rt)
		}
		ctx.Pop()
	case q933IELinkIntegrity, q933IELinkIntegrityD:
		ctx.Push(c, t.Offset, t.Total(), "q933.link_integrity")
		if v.Len() >= 2 {
			ctx.Add(v, 0, 1, "q933.send_seq", u8(v, 0))
			ctx.Add(v, 1, 1, "q933.recv_seq", u8(v, 1))
		}
		ctx.Pop()
	case q933IEPVCStatus, q933IEPVCStatusD:
		ctx.Push(c, t.Offset, t.Total(), "q933.pvc_status")
		if v.Len() >= 3 {
			dlci := uint32(u8(v, 0)&0x3f)<<4 | uint32(u8(v, 1)>>3)&0x0f
			st := u8(v, 2)
			ctx.Add(v, 0, 2, "q933.pvc_status.dlci", dlci)
			ctx.Add(v, 2, 1, "q933.pvc_status.new", st&0x08 != 0)
			ctx.Add(v, 2, 1, "q933.pvc_status.active", st&0x02 != 0)
		}
		ctx.Pop()
	default:
		ctx.Addf(c, t.Offset, t.Total(), "q933.ie", "type 0x%02x, %d bytes", t.Type, t.Length)
	}
}
