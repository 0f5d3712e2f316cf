package decoder

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core/dissect"
)

var (
	outerSrcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	outerDstMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

// serialize builds a frame with gopacket, fixing lengths and checksums.
func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func outerIPv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
}

// innerProbeIPv4 is a raw IPv4 datagram carrying the probe protocol.
func innerProbeIPv4(payload []byte) []byte {
	return concat(ipv4Header(20+len(payload), protoProbe, 77, 0, nil), payload)
}

func TestUDP_VXLAN(t *testing.T) {
	h := newHarness(t)
	inner := serialize(t,
		&layers.Ethernet{SrcMAC: outerDstMAC, DstMAC: outerSrcMAC, EthernetType: layers.EthernetTypeIPv4},
		gopacket.Payload(innerProbeIPv4([]byte("inner!"))),
	)
	vx := make([]byte, 8)
	vx[0] = 0x08
	binary.BigEndian.PutUint32(vx[4:], 5001<<8)

	ip := outerIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: vxlanPort}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t,
		&layers.Ethernet{SrcMAC: outerSrcMAC, DstMAC: outerDstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload(concat(vx, inner)),
	)
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"eth", "ipv4", "udp", "vxlan", "eth", "ipv4", "probe"}, res.Protocols)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, []byte("inner!"), h.probe.calls[0].data)

	assert.Equal(t, "10.0.0.1", res.Flow.Src.String())
	assert.Equal(t, uint16(40000), res.Flow.SrcPort)
	assert.Equal(t, uint16(vxlanPort), res.Flow.DstPort)
	assert.Equal(t, uint8(layers.IPProtocolUDP), res.Flow.Proto)
	assert.Equal(t, "5001", res.Tree.Find("vxlan.vni").Value)
	assert.Contains(t, res.Info, "VXLAN vni=5001")
}

func TestUDP_UnclaimedPayloadIsData(t *testing.T) {
	h := newHarness(t)
	ip := outerIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5353, DstPort: 9999}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serialize(t, ip, udp, gopacket.Payload([]byte{1, 2, 3}))
	res := h.decode(LinkTypeIPv4, frame)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, []string{"ipv4", "udp", "data"}, res.Protocols)
}

func TestUDP_BadLength(t *testing.T) {
	h := newHarness(t)
	udp := []byte{0x13, 0x88, 0x13, 0x89, 0x00, 0x04, 0, 0, 0xaa}
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(udp), uint8(layers.IPProtocolUDP), 1, 0, nil), udp))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
}

func TestUDP_Trailer(t *testing.T) {
	h := newHarness(t)
	// UDP length covers 10 bytes; two more follow inside the IP datagram.
	udp := []byte{0x13, 0x88, 0x13, 0x89, 0x00, 0x0a, 0, 0, 0xaa, 0xbb, 0xcc, 0xdd}
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(udp), uint8(layers.IPProtocolUDP), 1, 0, nil), udp))

	assert.Empty(t, res.Anomalies)
	tr := res.Tree.Find("udp.trailer")
	require.NotNil(t, tr)
	assert.Equal(t, 30, tr.Offset)
	assert.Equal(t, 2, tr.Length)
}

func TestTCP_SYNWithOptions(t *testing.T) {
	h := newHarness(t)
	ip := outerIPv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: 51000,
		DstPort: 443,
		Seq:     1000,
		SYN:     true,
		Window:  65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	res := h.decode(LinkTypeIPv4, serialize(t, ip, tcp))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "1460", res.Tree.Find("tcp.option.mss").Value)
	assert.Equal(t, "7 (multiply by 128)", res.Tree.Find("tcp.option.wscale").Value)
	assert.Contains(t, res.Info, "TCP 51000 -> 443 [SYN]")
	assert.Equal(t, uint16(51000), res.Flow.SrcPort)
	assert.Equal(t, uint8(layers.IPProtocolTCP), res.Flow.Proto)
}

func TestTCP_BadOptionLength(t *testing.T) {
	h := newHarness(t)
	hdr := make([]byte, 24)
	binary.BigEndian.PutUint16(hdr[0:], 1234)
	binary.BigEndian.PutUint16(hdr[2:], 80)
	hdr[12] = 6 << 4
	hdr[13] = 0x10
	copy(hdr[20:], []byte{tcpOptMSS, 3, 0x05, tcpOptNOP})
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(hdr), uint8(layers.IPProtocolTCP), 1, 0, nil), hdr))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityWarning, res.Anomalies[0].Severity)
}

func TestTCP_HeaderLengthTooShort(t *testing.T) {
	h := newHarness(t)
	hdr := make([]byte, 20)
	hdr[12] = 4 << 4
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(40, uint8(layers.IPProtocolTCP), 1, 0, nil), hdr))
	assert.Equal(t, []dissect.Kind{dissect.KindFatalStructural}, kinds(res))
}

func TestGRE_KeyedIPv4(t *testing.T) {
	h := newHarness(t)
	gre := []byte{0x20, 0x00, 0x08, 0x00, 0xde, 0xad, 0xbe, 0xef}
	inner := innerProbeIPv4([]byte{1, 2, 3})
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(gre)+len(inner), uint8(layers.IPProtocolGRE), 1, 0, nil), gre, inner))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, "0xdeadbeef", res.Tree.Find("gre.key").Value)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, []byte{1, 2, 3}, h.probe.calls[0].data)
}

func TestGRE_PPTPWithoutKey(t *testing.T) {
	h := newHarness(t)
	gre := []byte{0x00, 0x01, 0x88, 0x0b}
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(gre), uint8(layers.IPProtocolGRE), 1, 0, nil), gre))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
}

func TestGeneve_Options(t *testing.T) {
	h := newHarness(t)
	gen := []byte{
		0x02, 0x00, 0x08, 0x00, 0x00, 0x00, 0x2a, 0x00, // 8 bytes of options
		0x01, 0x02, 0x03, 0x01, 0xaa, 0xbb, 0xcc, 0xdd,
	}
	inner := innerProbeIPv4([]byte{9})
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:], 50000)
	binary.BigEndian.PutUint16(udp[2:], genevePort)
	binary.BigEndian.PutUint16(udp[4:], uint16(8+len(gen)+len(inner)))
	payload := concat(udp, gen, inner)
	res := h.decode(LinkTypeIPv4, concat(ipv4Header(20+len(payload), uint8(layers.IPProtocolUDP), 1, 0, nil), payload))

	assert.Empty(t, res.Anomalies)
	assert.Len(t, res.Tree.FindAll("geneve.option"), 1)
	assert.Equal(t, "42", res.Tree.Find("geneve.vni").Value)
	require.Len(t, h.probe.calls, 1)
}

func TestMPLS_StackAndGuess(t *testing.T) {
	h := newHarness(t)
	stack := []byte{
		0x00, 0x01, 0x00, 0x40, // label 16
		0x00, 0x01, 0x11, 0x40, // label 17, bottom of stack
	}
	inner := innerProbeIPv4([]byte{5, 5})
	frame := serialize(t,
		&layers.Ethernet{SrcMAC: outerSrcMAC, DstMAC: outerDstMAC, EthernetType: layers.EthernetTypeMPLSUnicast},
		gopacket.Payload(concat(stack, inner)),
	)
	res := h.decode(LinkTypeEthernet, frame)

	assert.Empty(t, res.Anomalies)
	labels := res.Tree.FindAll("mpls.label")
	require.Len(t, labels, 2)
	assert.Equal(t, "16", labels[0].Value)
	assert.Equal(t, "17", labels[1].Value)
	require.Len(t, h.probe.calls, 1)
}

func TestMPLS_PseudowireEthernet(t *testing.T) {
	h := newHarness(t)
	stack := []byte{0x00, 0x01, 0x11, 0x40}
	cw := []byte{0, 0, 0, 0}
	eth := serialize(t,
		&layers.Ethernet{SrcMAC: outerSrcMAC, DstMAC: outerDstMAC, EthernetType: layers.EthernetTypeIPv4},
		gopacket.Payload(innerProbeIPv4(make([]byte, 30))),
	)
	res := h.decode(LinkTypeRaw, concat(ipv4Header(20+len(stack)+len(cw)+len(eth), uint8(layers.IPProtocolMPLSInIP), 1, 0, nil), stack, cw, eth))

	assert.Empty(t, res.Anomalies)
	assert.NotNil(t, res.Tree.Find("pwmcw.control_word"))
	assert.Contains(t, res.Protocols, "eth")
	require.Len(t, h.probe.calls, 1)
}
