package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core/dissect"
)

func ethHeader(typ uint16) []byte {
	b := []byte{
		0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb,
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55,
		0, 0,
	}
	binary.BigEndian.PutUint16(b[12:], typ)
	return b
}

func be16(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

func values(n *dissect.Node, name string) []string {
	var out []string
	for _, x := range n.FindAll(name) {
		out = append(out, x.Value)
	}
	return out
}

func TestEthernet_VLAN(t *testing.T) {
	h := newHarness(t)
	frame := concat(ethHeader(0x8100), be16(0xa064), be16(0x0800), innerProbeIPv4([]byte{1}))
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "100", res.Tree.Find("vlan.id").Value)
	assert.Equal(t, "5", res.Tree.Find("vlan.priority").Value)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 18+20, h.probe.calls[0].abs)
}

func TestEthernet_QinQ(t *testing.T) {
	h := newHarness(t)
	frame := concat(ethHeader(0x88a8), be16(10), be16(0x8100), be16(20), be16(0x0800), innerProbeIPv4([]byte{1}))
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"10", "20"}, values(res.Tree, "vlan.id"))
	require.Len(t, h.probe.calls, 1)
}

func TestEthernet_TooManyTags(t *testing.T) {
	h := newHarness(t)
	frame := ethHeader(0x8100)
	for i := 0; i < maxVLANTags; i++ {
		frame = concat(frame, be16(uint16(i+1)), be16(0x8100))
	}
	frame = concat(frame, be16(99), be16(0x0800))
	res := h.decode(LinkTypeEthernet, frame)
	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
}

func TestEthernet_Padding(t *testing.T) {
	h := newHarness(t)
	frame := concat(ethHeader(0x0800), innerProbeIPv4([]byte{1}), make([]byte, 25))
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	pad := res.Tree.Find("eth.padding")
	require.NotNil(t, pad)
	assert.Equal(t, 35, pad.Offset)
	assert.Equal(t, 25, pad.Length)
	assert.Equal(t, len(frame), res.Consumed)
}

func TestEthernet_8023SNAP(t *testing.T) {
	h := newHarness(t)
	ip := innerProbeIPv4([]byte{1, 2})
	llc := concat([]byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00, 0x08, 0x00}, ip)
	frame := concat(ethHeader(uint16(len(llc))), llc)
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"eth", "llc", "llc.snap", "ipv4", "probe"}, res.Protocols)
	require.Len(t, h.probe.calls, 1)
}

func TestEthernet_InvalidType(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeEthernet, concat(ethHeader(0x05ff), make([]byte, 10)))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.KindSpecViolation, res.Anomalies[0].Kind)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
}

func TestEthernet_UnknownEtherType(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeEthernet, concat(ethHeader(0x88b5), []byte{1, 2, 3}))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"eth", "data"}, res.Protocols)
}

func TestPPP_AddressControlAndProtocol(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, concat([]byte{0xff, 0x03, 0x00, 0x21}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "IPv4 (0x0021)", res.Tree.Find("ppp.protocol").Value)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 24, h.probe.calls[0].abs)
}

func TestPPP_CompressedProtocol(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPPHDLC, concat([]byte{0x21}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	proto := res.Tree.Find("ppp.protocol")
	require.NotNil(t, proto)
	assert.Equal(t, 1, proto.Length)
	require.Len(t, h.probe.calls, 1)
}

func TestLCP_ConfigureRequest(t *testing.T) {
	h := newHarness(t)
	lcpPkt := []byte{
		cpConfReq, 1, 0x00, 0x0e,
		lcpOptMRU, 4, 0x05, 0xdc,
		lcpOptMagic, 6, 0x11, 0x22, 0x33, 0x44,
	}
	res := h.decode(LinkTypePPP, concat([]byte{0xff, 0x03, 0xc0, 0x21}, lcpPkt))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"1500", "0x11223344"}, values(res.Tree, "lcp.opt.value"))
	assert.Contains(t, res.Info, "LCP Configuration Request")
}

func TestLCP_OptionLengthMismatch(t *testing.T) {
	h := newHarness(t)
	// MRU with a 3-byte length, then an unassigned option.
	lcpPkt := []byte{cpConfReq, 1, 0x00, 0x09, lcpOptMRU, 3, 0x05, 99, 2}
	res := h.decode(LinkTypePPP, concat([]byte{0xc0, 0x21}, lcpPkt))

	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, dissect.SeverityWarning, res.Anomalies[0].Severity)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[1].Severity)
}

func TestLCP_LengthBeyondPacket(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0xc0, 0x21, cpConfReq, 1, 0x00, 0x40, lcpOptMRU, 4, 0x05, 0xdc})
	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
}

func TestLCP_EchoAndIdentification(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0xc0, 0x21, cpEchoReq, 7, 0x00, 0x08, 0xde, 0xad, 0xbe, 0xef})
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "0xdeadbeef", res.Tree.Find("lcp.magic").Value)

	ident := concat([]byte{0xc0, 0x21, cpIdent, 8, 0x00, 0x0d, 0, 0, 0, 1}, []byte("hello"))
	res = h.decode(LinkTypePPP, ident)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "hello", res.Tree.Find("lcp.message").Value)
}

func TestLCP_ProtocolReject(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0xc0, 0x21, cpProtoRej, 3, 0x00, 0x08, 0x80, 0x57, 0x01, 0x02})
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "IPV6CP (0x8057)", res.Tree.Find("lcp.rejected_protocol").Value)
}

func TestIPCP_Address(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0x80, 0x21, cpConfNak, 2, 0x00, 0x0a, 3, 6, 192, 0, 2, 1})
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "192.0.2.1", res.Tree.Find("ipcp.opt.value").Value)
}

func TestIPCP_UnknownCode(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0x80, 0x21, cpEchoReq, 2, 0x00, 0x06, 1, 2})

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[0].Severity)
	assert.Equal(t, "Unknown (9)", res.Tree.Find("ipcp.code").Value)
}

func TestIPV6CP_InterfaceIdentifier(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0x80, 0x57, cpConfReq, 1, 0x00, 0x0e, 1, 10, 0, 0, 0, 0, 0, 0, 0, 5})
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "::5", res.Tree.Find("ipv6cp.opt.value").Value)
}

func TestMultilink_ShortSequenceNegotiation(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypePPP, []byte{0x00, 0x3d, 0xc0, 0x00, 0x00, 0x05, 0xaa, 0xbb})
	assert.Equal(t, "5", res.Tree.Find("mp.seq").Value)
	assert.NotNil(t, res.Tree.Find("mp.fragment"))

	// A Configure-Request alone does not switch the header format.
	h.decode(LinkTypePPP, []byte{0xc0, 0x21, cpConfReq, 1, 0x00, 0x06, lcpOptShortSeq, 2})
	res = h.decode(LinkTypePPP, []byte{0x00, 0x3d, 0xc0, 0x00, 0x00, 0x06, 0xaa})
	assert.Equal(t, "6", res.Tree.Find("mp.seq").Value)

	h.decode(LinkTypePPP, []byte{0xc0, 0x21, cpConfAck, 1, 0x00, 0x06, lcpOptShortSeq, 2})
	res = h.decode(LinkTypePPP, []byte{0x00, 0x3d, 0xc0, 0x07, 0xaa, 0xbb})
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "7", res.Tree.Find("mp.seq").Value)
	assert.Equal(t, "true", res.Tree.Find("mp.first").Value)
	assert.Equal(t, "true", res.Tree.Find("mp.last").Value)
}

func TestCHDLC_IPv4(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeCHDLC, concat([]byte{0x0f, 0x00, 0x08, 0x00}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"chdlc", "ipv4", "probe"}, res.Protocols)
}

func TestCHDLC_UnexpectedAddress(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeCHDLC, concat([]byte{0x55, 0x00, 0x08, 0x00}, innerProbeIPv4([]byte{1})))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityWarning, res.Anomalies[0].Severity)
	require.Len(t, h.probe.calls, 1)
}

func TestSLARP(t *testing.T) {
	h := newHarness(t)
	keepalive := []byte{
		0x8f, 0x00, 0x80, 0x35,
		0, 0, 0, 2,
		0, 0, 0, 10,
		0, 0, 0, 9,
		0xff, 0xff,
	}
	res := h.decode(LinkTypeCHDLC, keepalive)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "10", res.Tree.Find("slarp.mysequence").Value)
	assert.Contains(t, res.Info, "SLARP keepalive mine=10 yours=9")

	request := []byte{
		0x0f, 0x00, 0x80, 0x35,
		0, 0, 0, 0,
		192, 0, 2, 1,
		255, 255, 255, 252,
	}
	res = h.decode(LinkTypeCHDLC, request)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "192.0.2.1", res.Tree.Find("slarp.address").Value)
	assert.Equal(t, "255.255.255.252", res.Tree.Find("slarp.mask").Value)

	res = h.decode(LinkTypeCHDLC, []byte{0x0f, 0x00, 0x80, 0x35, 0, 0, 0, 7, 1, 2})
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[0].Severity)
}

func TestFrameRelay_NLPID(t *testing.T) {
	h := newHarness(t)
	// DLCI 100, UI, NLPID IPv4.
	res := h.decode(LinkTypeFRelay, concat([]byte{0x18, 0x41, 0x03, 0xcc}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "100", res.Tree.Find("fr.dlci").Value)
	assert.Equal(t, "IPv4 (0xcc)", res.Tree.Find("fr.nlpid").Value)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 24, h.probe.calls[0].abs)
}

func TestFrameRelay_NLPIDPadding(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeFRelay, concat([]byte{0x18, 0x41, 0x03, 0x00, 0xcc}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.NotNil(t, res.Tree.Find("fr.nlpid.padding"))
	require.Len(t, h.probe.calls, 1)
}

func TestFrameRelay_Cisco(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeFRelay, concat([]byte{0x18, 0x41, 0x08, 0x00}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.NotNil(t, res.Tree.Find("fr.cisco_type"))
	require.Len(t, h.probe.calls, 1)
}

func TestFrameRelay_BadAddressExtension(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeFRelay, []byte{0x19, 0x41, 0x03, 0xcc, 0x45})

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
	assert.Empty(t, h.probe.calls)
}

func TestQ933_AnnexDStatus(t *testing.T) {
	h := newHarness(t)
	msg := []byte{
		0x00, 0x01, 0x03, // DLCI 0, UI
		0x08, 0x00, 0x7d, // Q.933, no call reference, STATUS
		0x95,             // locking shift to codeset 5
		0x01, 0x01, 0x00, // report type: full status
		0x03, 0x02, 0x05, 0x04, // link integrity
		0x07, 0x03, 0x06, 0x41, 0x82, // PVC status for DLCI 104, active
	}
	res := h.decode(LinkTypeFRelay, msg)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "STATUS (0x7d)", res.Tree.Find("q933.message_type").Value)
	assert.Equal(t, "locking shift to codeset 5", res.Tree.Find("q933.shift").Value)
	assert.Equal(t, "Full status (0)", res.Tree.Find("q933.report_type.value").Value)
	assert.Equal(t, "5", res.Tree.Find("q933.send_seq").Value)
	assert.Equal(t, "4", res.Tree.Find("q933.recv_seq").Value)
	assert.Equal(t, "104", res.Tree.Find("q933.pvc_status.dlci").Value)
	assert.Equal(t, "false", res.Tree.Find("q933.pvc_status.new").Value)
	assert.Equal(t, "true", res.Tree.Find("q933.pvc_status.active").Value)
	assert.Equal(t, len(msg), res.Consumed)
}

func TestQ933_ElementOverrun(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeFRelay, []byte{0x00, 0x01, 0x03, 0x08, 0x00, 0x75, 0x51, 0x09, 0x00})
	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
	assert.NotNil(t, res.Tree.Find("q933.ie.malformed"))
}

func pppoeFrame(etherType uint16, code byte, sid uint16, payload []byte) []byte {
	hdr := []byte{0x11, code, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(hdr[2:], sid)
	binary.BigEndian.PutUint16(hdr[4:], uint16(len(payload)))
	return concat(ethHeader(etherType), hdr, payload)
}

func TestPPPoE_Discovery(t *testing.T) {
	h := newHarness(t)
	tags := []byte{
		0x01, 0x01, 0x00, 0x00,
		0x01, 0x02, 0x00, 0x03, 'b', 'n', 'g',
		0x01, 0x03, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef,
	}
	res := h.decode(LinkTypeEthernet, pppoeFrame(0x8863, pppoeCodePADO, 0, tags))

	assert.Empty(t, res.Anomalies)
	got := values(res.Tree, "pppoe.tag")
	require.Len(t, got, 3)
	assert.Equal(t, "Service-Name (0x0101), 0 bytes", got[0])
	assert.Equal(t, `AC-Name: "bng"`, got[1])
	assert.Equal(t, "Host-Uniq (0x0103), 4 bytes", got[2])
	assert.Contains(t, res.Info, "PPPoE Active Discovery Offer (PADO)")
}

func TestPPPoE_Session(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeEthernet, pppoeFrame(0x8864, pppoeCodeSession, 0x1234, concat(be16(0x0021), innerProbeIPv4([]byte{1, 2}))))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "0x1234", res.Tree.Find("pppoe.session_id").Value)
	assert.Equal(t, []string{"eth", "pppoe", "ipv4", "probe"}, res.Protocols)
	require.Len(t, h.probe.calls, 1)
}

func TestPPPoE_SessionWrongCode(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeEthernet, pppoeFrame(0x8864, pppoeCodePADI, 1, []byte{0x00, 0x21}))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.KindSpecViolation, res.Anomalies[0].Kind)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
}

func TestPPPoE_LengthBeyondFrame(t *testing.T) {
	h := newHarness(t)
	frame := pppoeFrame(0x8864, pppoeCodeSession, 1, concat(be16(0x0021), innerProbeIPv4([]byte{1})))
	binary.BigEndian.PutUint16(frame[18:], 500)
	res := h.decode(LinkTypeEthernet, frame)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
	require.Len(t, h.probe.calls, 1, "the payload is clamped to the frame")
}
