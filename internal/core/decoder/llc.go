package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	llcSAPSNAP = 0xaa
	llcSAPOSI  = 0xfe
	llcSAPIP   = 0x06

	snapHeaderLen = 5

	ouiEncapEther = 0x000000
	ouiBridged    = 0x0080c2
	// Bridged Ethernet PIDs with and without a preserved FCS.
	pidBridgedEthFCS   = 0x0001
	pidBridgedEthNoFCS = 0x0007
)

// NLPIDs (ISO/IEC TR 9577).
const (
	nlpidPad   = 0x00
	nlpidQ933  = 0x08
	nlpidSNAP  = 0x80
	nlpidCLNP  = 0x81
	nlpidESIS  = 0x82
	nlpidISIS  = 0x83
	nlpidIPv6  = 0x8e
	nlpidIPv4  = 0xcc
	nlpidPPP   = 0xcf
	nlpidBytes = 1
)

var nlpidNames = map[uint8]string{
	nlpidPad:  "Padding",
	nlpidQ933: "Q.933",
	nlpidSNAP: "SNAP",
	nlpidCLNP: "CLNP",
	nlpidESIS: "ES-IS",
	nlpidISIS: "IS-IS",
	nlpidIPv6: "IPv6",
	nlpidIPv4: "IPv4",
	nlpidPPP:  "PPP",
}

// nlpidInPDU reports NLPIDs that are the first byte of the protocol's own
// PDU rather than a separate encapsulation byte.
func nlpidInPDU(id uint8) bool {
	switch id {
	case nlpidQ933, nlpidCLNP, nlpidESIS, nlpidISIS:
		return true
	}
	return false
}

// LLC decodes an IEEE 802.2 header and dispatches on the DSAP.
func LLC(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, 3, "LLC"); err != nil {
		return 0, err
	}
	dsap, ssap, ctrl := u8(c, 0), u8(c, 1), u8(c, 2)
	n := 3
	// I and S format PDUs carry a two-byte control field.
	if ctrl&0x03 != 0x03 {
		n = 4
		if err := fixed(c, n, "LLC"); err != nil {
			return 0, err
		}
	}
	ctx.Push(c, 0, n, "llc")
	ctx.Addf(c, 0, 1, "llc.dsap", "0x%02x", dsap)
	ctx.Addf(c, 1, 1, "llc.ssap", "0x%02x", ssap&0xfe)
	ctx.Add(c, 1, 1, "llc.response", ssap&1 == 1)
	if n == 3 {
		ctx.Addf(c, 2, 1, "llc.control", "0x%02x", ctrl)
	} else {
		ctx.Addf(c, 2, 2, "llc.control", "0x%04x", u16(c, 2))
	}
	ctx.Pop()
	return n + ctx.Call(dissect.TableLLCDSAP, uint32(dsap), rest(c, n)), nil
}

// SNAP decodes a SubNetwork Access Protocol header: an OUI and a protocol
// id that is an ethertype when the OUI is zero.
func SNAP(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, snapHeaderLen, "SNAP"); err != nil {
		return 0, err
	}
	oui := uint32(u8(c, 0))<<16 | uint32(u16(c, 1))
	pid := u16(c, 3)
	ctx.Push(c, 0, snapHeaderLen, "snap")
	ctx.Addf(c, 0, 3, "snap.oui", "0x%06x", oui)
	ctx.Addf(c, 3, 2, "snap.pid", "0x%04x", pid)
	ctx.Pop()

	payload := rest(c, snapHeaderLen)
	switch {
	case oui == ouiEncapEther:
		ctx.Addf(c, 3, 2, "snap.type", "%s", layers.EthernetType(pid))
		return snapHeaderLen + ctx.Call(dissect.TableEtherType, uint32(pid), payload), nil
	case oui == ouiBridged && (pid == pidBridgedEthNoFCS || pid == pidBridgedEthFCS):
		// Two bytes of padding precede the bridged frame.
		return snapHeaderLen + 2 + ctx.CallNamed("eth", rest(payload, 2)), nil
	}
	ctx.Note(c, 0, snapHeaderLen, "unknown SNAP OUI 0x%06x PID 0x%04x", oui, pid)
	return snapHeaderLen + ctx.CallData(payload), nil
}

// OSI dispatches an OSI network-layer PDU on its NLPID. Encapsulated
// protocols such as IP receive the bytes after the NLPID; OSI protocols
// receive their whole PDU.
func OSI(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, nlpidBytes, "OSI"); err != nil {
		return 0, err
	}
	return dispatchNLPID(c, ctx, 0, "osi.nlpid"), nil
}

// dispatchNLPID hands c[off:] to the fr.nlpid table, skipping one padding
// byte if present.
func dispatchNLPID(c dissect.Cursor, ctx *dissect.Context, off int, field string) int {
	if off >= c.Len() {
		return c.Len()
	}
	id := u8(c, off)
	if id == nlpidPad && c.Len() > off+1 {
		ctx.Add(c, off, 1, field+".padding", 0)
		off++
		id = u8(c, off)
	}
	name, ok := nlpidNames[id]
	if !ok {
		name = "Unknown"
	}
	ctx.Addf(c, off, 1, field, "%s (0x%02x)", name, id)
	if !ctx.Has(dissect.TableFRNLPID, uint32(id)) {
		return off + ctx.CallData(rest(c, off))
	}
	if nlpidInPDU(id) {
		return off + ctx.Call(dissect.TableFRNLPID, uint32(id), rest(c, off))
	}
	return off + 1 + ctx.Call(dissect.TableFRNLPID, uint32(id), rest(c, off+1))
}
