package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

func juniperHdr(flags byte) []byte {
	return []byte{0x4d, 0x47, 0x43, flags}
}

func juniperNoL2(flags byte, proto uint32) []byte {
	return concat(juniperHdr(flags|juniperFlagNoL2), binary.LittleEndian.AppendUint32(nil, proto))
}

func TestJuniper_Ether(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, concat(juniperHdr(juniperFlagPktIn), ethHeader(0x0800), innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "in", res.Tree.Find("juniper.direction").Value)
	assert.Equal(t, "set", res.Tree.Find("juniper.l2hdr").Value)
	assert.Equal(t, []string{"juniper.ether", "eth", "ipv4", "probe"}, res.Protocols)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 4+14+20, h.probe.calls[0].abs)
}

func TestJuniper_BadMagic(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, concat([]byte{0x4d, 0x47, 0x44, 0x00}, ethHeader(0x0800)))

	assert.Equal(t, []dissect.Kind{dissect.KindFatalStructural}, kinds(res))
	assert.Contains(t, res.Info, "no Juniper magic")
	assert.Empty(t, h.probe.calls)
}

func juniperExtFrame() []byte {
	ext := []byte{
		0x00, 0x0c,
		juniperExtIFDIndex, 4, 0x0a, 0x00, 0x00, 0x00,
		juniperExtIFDName, 4, 'x', 'e', '0', 0,
	}
	return concat(juniperHdr(juniperFlagExt|juniperFlagPktIn), ext, ethHeader(0x0800), innerProbeIPv4([]byte{1}))
}

func TestJuniper_ExtensionTLVs(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, juniperExtFrame())

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "12", res.Tree.Find("juniper.ext_total_len").Value)
	assert.Equal(t, []string{"10", "xe0"}, values(res.Tree, "juniper.ext.value"))
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 4+2+12+14+20, h.probe.calls[0].abs)
}

func TestJuniper_ExtensionTLVsBigEndian(t *testing.T) {
	h := newHarness(t, func(o *dissect.Options) { o.JuniperExtTLVLE = false })
	res := h.decode(LinkTypeJuniperEther, juniperExtFrame())

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"167772160", "xe0"}, values(res.Tree, "juniper.ext.value"))
}

func TestJuniper_ExtensionOverrun(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, concat(juniperHdr(juniperFlagExt), []byte{0x00, 0x40, 1, 2}))
	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
}

func TestJuniper_NoL2(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, concat(juniperNoL2(0, juniperProtoIP), innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "not set", res.Tree.Find("juniper.l2hdr").Value)
	assert.Equal(t, "IPv4 (2)", res.Tree.Find("juniper.proto").Value)
	assert.Equal(t, []string{"juniper.ether", "ipv4", "probe"}, res.Protocols)
	assert.Equal(t, "out", res.Tree.Find("juniper.direction").Value)
}

func TestJuniper_NoL2UnknownProtocol(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperEther, concat(juniperNoL2(0, 99), []byte{1, 2, 3}))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[0].Severity)
	assert.Equal(t, []string{"juniper.ether", "data"}, res.Protocols)
}

func TestJuniper_FixedEncapsulations(t *testing.T) {
	ip := innerProbeIPv4([]byte{1})
	pppoe := []byte{0x11, 0x00, 0x00, 0x07, 0, 0}
	binary.BigEndian.PutUint16(pppoe[4:], uint16(2+len(ip)))

	cases := []struct {
		name     string
		linkType uint32
		body     []byte
		want     []string
	}{
		{"ppp", LinkTypeJuniperPPP, concat([]byte{0, 0, 0xff, 0x03, 0x00, 0x21}, ip), []string{"juniper.ppp", "ppp", "ipv4", "probe"}},
		{"pppoe", LinkTypeJuniperPPPoE, concat(pppoe, be16(pppIPv4), ip), []string{"juniper.pppoe", "pppoe", "ipv4", "probe"}},
		{"frelay", LinkTypeJuniperFRelay, concat([]byte{0x18, 0x41, 0x03, 0xcc}, ip), []string{"juniper.frelay", "fr", "ipv4", "probe"}},
		{"chdlc", LinkTypeJuniperCHDLC, concat([]byte{0x0f, 0x00, 0x08, 0x00}, ip), []string{"juniper.chdlc", "chdlc", "ipv4", "probe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.decode(tc.linkType, concat(juniperHdr(0), tc.body))
			assert.Empty(t, res.Anomalies)
			assert.Equal(t, tc.want, res.Protocols)
			require.Len(t, h.probe.calls, 1)
		})
	}
}

func TestJuniper_ATM2(t *testing.T) {
	ip := innerProbeIPv4([]byte{1})
	snap := concat([]byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00, 0x08, 0x00}, ip)

	cases := []struct {
		name   string
		flags  byte
		cookie []byte
		body   []byte
		want   []string
	}{
		{"llc snap", juniperFlagPktIn, make([]byte, 8), snap,
			[]string{"juniper.atm2", "llc", "llc.snap", "ipv4", "probe"}},
		{"ethernet", 0, []byte{0, 0, 0, 0x01, 0, 0, 0, 0}, concat(ethHeader(0x0800), ip),
			[]string{"juniper.atm2", "eth", "ipv4", "probe"}},
		{"ppp", juniperFlagPktIn, make([]byte, 8), concat(be16(pppIPv4), ip),
			[]string{"juniper.atm2", "ppp", "ipv4", "probe"}},
		{"ip", juniperFlagPktIn, make([]byte, 8), ip,
			[]string{"juniper.atm2", "ip", "ipv4", "probe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.decode(LinkTypeJuniperATM2, concat(juniperHdr(tc.flags), tc.cookie, tc.body))
			assert.Empty(t, res.Anomalies)
			assert.Equal(t, tc.want, res.Protocols)
			require.Len(t, h.probe.calls, 1)
		})
	}
}

func TestJuniper_ATMOAM(t *testing.T) {
	h := newHarness(t)
	cell := make([]byte, 48)

	res := h.decode(LinkTypeJuniperATM2, concat(juniperHdr(0), []byte{0, 0, 0, 0, 0x30, 0, 0, 0}, cell))
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"juniper.atm2", "juniper.oam"}, res.Protocols)
	assert.Contains(t, res.Info, "ATM OAM cell")

	res = h.decode(LinkTypeJuniperATM1, concat(juniperHdr(0), []byte{0x80, 0, 0, 0}, cell))
	assert.Equal(t, []string{"juniper.atm1", "juniper.oam"}, res.Protocols)
}

func TestJuniper_ATM1OSI(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperATM1, concat(juniperHdr(0), make([]byte, 4), []byte{0xfe, 0xfe, 0x03, nlpidIPv4}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"juniper.atm1", "osi", "ipv4", "probe"}, res.Protocols)
	assert.Equal(t, "IPv4 (0xcc)", res.Tree.Find("osi.nlpid").Value)
}

func TestJuniper_MLPPPCookies(t *testing.T) {
	ip := innerProbeIPv4([]byte{1})
	ppp := concat([]byte{0xff, 0x03, 0x00, 0x21}, ip)
	ipv6 := concat(ipv6Header(1, protoProbe, testSrc, testDst), []byte{1})

	cases := []struct {
		name  string
		body  []byte
		field string
		want  []string
	}{
		{"ls cookie", concat([]byte{cookieIDLS, 0, 0, 0}, ppp), "juniper.lspic.cookie",
			[]string{"juniper.mlppp", "ppp", "ipv4", "probe"}},
		{"ml cookie", concat([]byte{0x12, 0x34}, ppp), "juniper.mlpic.cookie",
			[]string{"juniper.mlppp", "ppp", "ipv4", "probe"}},
		{"lsq ipv6", concat([]byte{cookieIDLSQ, 0, 0, 0, 0, 0x10, 0, 0}, ipv6), "juniper.aspic.cookie",
			[]string{"juniper.mlppp", "ipv6", "probe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.decode(LinkTypeJuniperMLPPP, concat(juniperHdr(0), tc.body))
			assert.Empty(t, res.Anomalies)
			assert.NotNil(t, res.Tree.Find(tc.field))
			assert.Equal(t, tc.want, res.Protocols)
			require.Len(t, h.probe.calls, 1)
		})
	}
}

func TestLSQProto(t *testing.T) {
	assert.Equal(t, uint32(juniperProtoPPP), lsqProto(picMLPPP, lsqL3IPv4, 0, true))
	assert.Equal(t, uint32(juniperProtoIP), lsqProto(picMLPPP, lsqL3IPv4, lsqDirBundle, true))
	assert.Equal(t, uint32(juniperProtoIP), lsqProto(picMLPPP, lsqL3IPv4, 0, false))
	assert.Equal(t, uint32(juniperProtoUnknown), lsqProto(picMLFR, lsqL3IPv4, lsqDirBundle, false))
	assert.Equal(t, uint32(juniperProtoMPLS), lsqProto(picServices, lsqL3MPLS, 0, false))
	assert.Equal(t, uint32(juniperProtoISO), lsqProto(picServices, lsqL3ISO, 0, false))
	assert.Equal(t, uint32(juniperProtoUnknown), lsqProto(picServices, 0x70, 0, false))
}

func TestJuniper_MLFRISO(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperMLFR, concat(juniperHdr(0), []byte{0x00, 0x01, 0x03, nlpidIPv4}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"juniper.mlfr", "juniper.iso", "osi", "ipv4", "probe"}, res.Protocols)
}

func TestJuniper_Services(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperSVCS, concat(juniperHdr(0), []byte{cookieIDLS, 0, 0, 1}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"juniper.svcs", "ipv4", "probe"}, res.Protocols)
}

func TestJuniper_GGSN(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeJuniperGGSN, concat(juniperHdr(0), []byte{0, 0, juniperProtoIP, 0, 0x64, 0, 0, 0}, innerProbeIPv4([]byte{1})))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "100", res.Tree.Find("juniper.vlan").Value)
	assert.Equal(t, []string{"juniper.ggsn", "ipv4", "probe"}, res.Protocols)
}

func TestJuniper_DirectionOverridesCapture(t *testing.T) {
	h := newHarness(t)
	res := h.decodeDir(LinkTypeJuniperEther, core.DirectionOutbound, concat(juniperHdr(juniperFlagPktIn), ethHeader(0x0800), innerProbeIPv4([]byte{1})))

	assert.Equal(t, "out", res.Tree.Find("frame.direction").Value)
	assert.Equal(t, "in", res.Tree.Find("juniper.direction").Value)
}
