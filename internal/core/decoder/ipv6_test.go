package decoder

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	nxtHopByHop = 0
	nxtRouting  = 43
	nxtFragment = 44
	nxtNoNext   = 59
	nxtDstOpts  = 60
)

func TestIPv6_PlainPayload(t *testing.T) {
	h := newHarness(t)
	payload := []byte("twelve bytes")
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(12, protoProbe, testSrc, testDst), payload))

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 52, res.Consumed)
	assert.Equal(t, []string{"ipv6", "probe"}, res.Protocols)
	require.Len(t, h.probe.calls, 1)
	call := h.probe.calls[0]
	assert.Equal(t, 40, call.abs)
	assert.Equal(t, 12, call.len)
	assert.Equal(t, payload, call.data)
	assert.Equal(t, core.IPAddress(testSrc), res.Flow.Src)
	assert.Equal(t, core.IPAddress(testDst), res.Flow.Dst)
	assert.Equal(t, "2001:db8::1 -> 2001:db8::2", res.Info)
}

func TestIPv6_ShortHeader(t *testing.T) {
	h := newHarness(t)
	data := ipv6Header(0, protoProbe, testSrc, testDst)[:20]
	res := h.decode(LinkTypeIPv6, data)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.KindFatalStructural, res.Anomalies[0].Kind)
	assert.Equal(t, dissect.SeverityMalformed, res.Anomalies[0].Severity)
	assert.Empty(t, h.probe.calls)
	assert.Equal(t, "invalid IPv6 header", res.Info)
}

func TestIPv6_WrongVersion(t *testing.T) {
	h := newHarness(t)
	data := ipv6Header(0, protoProbe, testSrc, testDst)
	data[0] = 0x40
	res := h.decode(LinkTypeIPv6, data)
	assert.Equal(t, []dissect.Kind{dissect.KindFatalStructural}, kinds(res))
}

func TestIPv6_PayloadLengthBeyondFrame(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(100, protoProbe, testSrc, testDst), make([]byte, 10)))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
	assert.Equal(t, dissect.KindSpecViolation, res.Anomalies[0].Kind)
	require.Len(t, h.probe.calls, 1, "decoding continues with the bytes available")
	assert.Equal(t, 10, h.probe.calls[0].len)
}

func TestIPv6_ExtensionHeaderOverrunsPayload(t *testing.T) {
	h := newHarness(t)
	// Destination Options claims 32 bytes but the payload length is 16.
	ext := make([]byte, 16)
	ext[0], ext[1] = protoProbe, 3
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(16, nxtDstOpts, testSrc, testDst), ext))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.KindFatalStructural, res.Anomalies[0].Kind)
	assert.Empty(t, h.probe.calls)
}

func TestIPv6_HopByHopOptions(t *testing.T) {
	h := newHarness(t)
	hbh := []byte{
		protoProbe, 1,
		0x05, 0x02, 0x00, 0x00, // Router Alert
		0x1e, 0x03, 0xaa, 0xbb, 0xcc, // unknown, skippable
		0x01, 0x03, 0x00, 0x00, 0x00, // PadN
	}
	payload := []byte{1, 2, 3, 4}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(hbh)+len(payload), nxtHopByHop, testSrc, testDst), hbh, payload))

	opts := res.Tree.FindAll("ipv6.opt")
	require.Len(t, opts, 3)
	assert.Equal(t, 46, opts[1].Offset)
	assert.Equal(t, 5, opts[1].Length)

	unknown := res.Tree.Find("ipv6.opt.unknown")
	require.NotNil(t, unknown)
	assert.Equal(t, 3, unknown.Length)
	assert.Equal(t, 49, unknown.Offset)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[0].Severity)
	assert.Equal(t, dissect.KindInfo, res.Anomalies[0].Kind)

	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, 4, h.probe.calls[0].len)
	assert.Equal(t, 56, h.probe.calls[0].abs)
}

func TestIPv6_LongPaddingRun(t *testing.T) {
	h := newHarness(t)
	hbh := []byte{protoProbe, 1, 0x01, 0x0c, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(hbh), nxtHopByHop, testSrc, testDst), hbh))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityWarning, res.Anomalies[0].Severity)
	assert.Contains(t, res.Anomalies[0].Message, "14 consecutive padding bytes")
}

func TestIPv6_HopByHopNotFirst(t *testing.T) {
	h := newHarness(t)
	dst := []byte{nxtHopByHop, 0, 0x01, 0x04, 0, 0, 0, 0}
	hbh := []byte{protoProbe, 0, 0x01, 0x04, 0, 0, 0, 0}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(20, nxtDstOpts, testSrc, testDst), dst, hbh, []byte{9, 9, 9, 9}))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityError, res.Anomalies[0].Severity)
	assert.Contains(t, res.Anomalies[0].Message, "immediately follow")
	require.Len(t, h.probe.calls, 1)
}

func TestIPv6_ExtensionHeaderBudget(t *testing.T) {
	h := newHarness(t, func(o *dissect.Options) { o.MaxExtHeaders = 4 })
	var chain []byte
	for i := 0; i < 5; i++ {
		nxt := byte(nxtDstOpts)
		if i == 4 {
			nxt = protoProbe
		}
		chain = append(chain, nxt, 0, 0x01, 0x04, 0, 0, 0, 0)
	}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(chain), nxtDstOpts, testSrc, testDst), chain))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityMalformed, res.Anomalies[0].Severity)
	assert.Empty(t, h.probe.calls)
	assert.Equal(t, 40+len(chain), res.Consumed)
}

func TestIPv6_NoNextHeaderWithTrailingBytes(t *testing.T) {
	h := newHarness(t)
	dst := []byte{nxtNoNext, 0, 0x01, 0x04, 0, 0, 0, 0}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(12, nxtDstOpts, testSrc, testDst), dst, []byte{1, 2, 3, 4}))

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityWarning, res.Anomalies[0].Severity)
	assert.NotNil(t, res.Tree.Find("ipv6.nonxt.data"))
	assert.Empty(t, h.probe.calls)
}

// dstOptsChain builds a chain of Destination Options headers of the given
// lengths, each filled by one skippable unknown option, ending in the
// probe protocol.
func dstOptsChain(lengths []int) []byte {
	var out []byte
	for i, l := range lengths {
		nxt := byte(nxtDstOpts)
		if i == len(lengths)-1 {
			nxt = protoProbe
		}
		hdr := make([]byte, l)
		hdr[0], hdr[1] = nxt, byte(l/8-1)
		hdr[2], hdr[3] = 0x1e, byte(l-4)
		out = append(out, hdr...)
	}
	return out
}

func TestIPv6_ChainAccounting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "headers")
		lengths := make([]int, n)
		for i := range lengths {
			lengths[i] = 8 * rapid.IntRange(1, 4).Draw(rt, "units")
		}
		payload := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "payload")
		chain := dstOptsChain(lengths)
		plen := len(chain) + len(payload)

		h := newHarness(t)
		res := h.decode(LinkTypeIPv6, concat(ipv6Header(plen, nxtDstOpts, testSrc, testDst), chain, payload))

		if len(h.probe.calls) != 1 {
			rt.Fatalf("probe called %d times", len(h.probe.calls))
		}
		call := h.probe.calls[0]
		if call.abs+call.len != 40+plen {
			rt.Fatalf("payload ends at %d, want %d", call.abs+call.len, 40+plen)
		}
		if !bytes.Equal(call.data, payload) {
			rt.Fatalf("payload mismatch")
		}
		if res.MaxSeverity() > dissect.SeverityNote {
			rt.Fatalf("unexpected anomalies %v", res.Anomalies)
		}
		if got := len(res.Tree.FindAll("ipv6.opt.unknown")); got != n {
			rt.Fatalf("%d unknown options rendered, want %d", got, n)
		}
	})
}

func TestIPv6_ChainOverrun(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "headers")
		lengths := make([]int, n)
		for i := range lengths {
			lengths[i] = 8 * rapid.IntRange(2, 4).Draw(rt, "units")
		}
		chain := dstOptsChain(lengths)
		// The payload length stops 8 bytes short of the last header's end.
		plen := len(chain) - 8

		h := newHarness(t)
		res := h.decode(LinkTypeIPv6, concat(ipv6Header(plen, nxtDstOpts, testSrc, testDst), chain))

		if len(h.probe.calls) != 0 {
			rt.Fatalf("probe reached through an overrunning header")
		}
		if countKind(res, dissect.KindFatalStructural) != 1 {
			rt.Fatalf("anomalies %v, want one structural error", res.Anomalies)
		}
	})
}

func TestIPv6_Type2RoutingRewritesDestination(t *testing.T) {
	h := newHarness(t)
	home := netip.MustParseAddr("2001:db8:ffff::9")
	rh := []byte{protoProbe, 2, 2, 1, 0, 0, 0, 0}
	a := home.As16()
	rh = append(rh, a[:]...)
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(rh)+4, nxtRouting, testSrc, testDst), rh, []byte{1, 2, 3, 4}))

	assert.Empty(t, res.Anomalies)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, core.IPAddress(home), h.probe.calls[0].dst)
	assert.Equal(t, core.IPAddress(testDst), res.Flow.Dst, "flow keeps the header destination")
	require.NotNil(t, res.Tree.Find("ipv6.routing.next_hop"))
}

func TestIPv6_Type2RoutingBadSegmentsLeft(t *testing.T) {
	h := newHarness(t)
	rh := []byte{protoProbe, 2, 2, 2, 0, 0, 0, 0}
	rh = append(rh, make([]byte, 16)...)
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(rh), nxtRouting, testSrc, testDst), rh))

	assert.GreaterOrEqual(t, len(res.Anomalies), 1)
	assert.Equal(t, dissect.SeverityError, res.MaxSeverity())
}

func TestIPv6_Jumbogram(t *testing.T) {
	h := newHarness(t)
	payload := make([]byte, 65600)
	for i := range payload {
		payload[i] = byte(i)
	}
	hbh := []byte{protoProbe, 0, optJumbo, 4, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hbh[4:], uint32(len(hbh)+len(payload)))
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(0, nxtHopByHop, testSrc, testDst), hbh, payload))

	assert.Empty(t, res.Anomalies)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, len(payload), h.probe.calls[0].len)
	assert.Equal(t, 40+len(hbh)+len(payload), res.Consumed)
	require.NotNil(t, res.Tree.Find("ipv6.opt.jumbo"))
}

func TestIPv6_ZeroLengthWithoutJumbo(t *testing.T) {
	h := newHarness(t)
	hbh := []byte{protoProbe, 0, 0x01, 0x04, 0, 0, 0, 0}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(0, nxtHopByHop, testSrc, testDst), hbh, make([]byte, 32)))

	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
	assert.Empty(t, h.probe.calls)
}

func TestIPv6_JumboShorterThanHeaders(t *testing.T) {
	h := newHarness(t)
	hbh := []byte{protoProbe, 0, optJumbo, 4, 0, 0, 0, 4}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(0, nxtHopByHop, testSrc, testDst), hbh, make([]byte, 64)))

	assert.Equal(t, 1, countKind(res, dissect.KindFatalStructural))
	assert.Equal(t, dissect.SeverityMalformed, res.MaxSeverity())
	assert.Empty(t, h.probe.calls)
}

func TestIPv6_JumboOutsideHopByHop(t *testing.T) {
	h := newHarness(t)
	dst := []byte{protoProbe, 0, optJumbo, 4, 0, 1, 0, 0}
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(dst)+2, nxtDstOpts, testSrc, testDst), dst, []byte{1, 2}))

	assert.Equal(t, dissect.SeverityError, res.MaxSeverity())
	require.Len(t, h.probe.calls, 1)
}

func fragmentHeader(nxt uint8, offset int, more bool, id uint32) []byte {
	b := make([]byte, 8)
	b[0] = nxt
	word := uint16(offset)
	if more {
		word |= 1
	}
	binary.BigEndian.PutUint16(b[2:], word)
	binary.BigEndian.PutUint32(b[4:], id)
	return b
}

func fragmentPacket(id uint32, offset int, more bool, body []byte) []byte {
	fh := fragmentHeader(protoProbe, offset, more, id)
	return concat(ipv6Header(len(fh)+len(body), nxtFragment, testSrc, testDst), fh, body)
}

func TestIPv6_FragmentReassembly(t *testing.T) {
	h := newHarness(t)
	first := bytes.Repeat([]byte{0x11}, 16)
	second := bytes.Repeat([]byte{0x22}, 8)

	res := h.decode(LinkTypeIPv6, fragmentPacket(0xabcd, 0, true, first))
	assert.True(t, res.Fragmented)
	assert.False(t, res.Reassembled)
	assert.Empty(t, h.probe.calls)
	assert.Contains(t, res.Info, "not yet reassembled")

	res = h.decode(LinkTypeIPv6, fragmentPacket(0xabcd, 16, false, second))
	assert.True(t, res.Reassembled)
	assert.Empty(t, res.Anomalies)
	require.Len(t, h.probe.calls, 1)
	call := h.probe.calls[0]
	assert.Equal(t, 24, call.len)
	assert.Equal(t, 0, call.abs, "reassembled payload is addressed from its own start")
	assert.Equal(t, concat(first, second), call.data)
	assert.NotNil(t, res.Tree.Find("ipv6.reassembled"))
}

func TestIPv6_FragmentNextHeaderFromFirstFragment(t *testing.T) {
	h := newHarness(t)
	first := bytes.Repeat([]byte{0x11}, 16)
	last := bytes.Repeat([]byte{0x22}, 8)

	fh := fragmentHeader(protoProbe, 0, true, 9)
	h.decode(LinkTypeIPv6, concat(ipv6Header(len(fh)+len(first), nxtFragment, testSrc, testDst), fh, first))

	fh = fragmentHeader(nxtNoNext, 16, false, 9)
	res := h.decode(LinkTypeIPv6, concat(ipv6Header(len(fh)+len(last), nxtFragment, testSrc, testDst), fh, last))

	assert.True(t, res.Reassembled)
	require.Len(t, h.probe.calls, 1, "the offset-0 next header selects the payload handler")
	assert.Equal(t, concat(first, last), h.probe.calls[0].data)
}

func TestIPv6_FragmentConflictKeepsFirstBytes(t *testing.T) {
	h := newHarness(t)
	h.decode(LinkTypeIPv6, fragmentPacket(7, 0, true, bytes.Repeat([]byte{0xaa}, 16)))
	res := h.decode(LinkTypeIPv6, fragmentPacket(7, 8, false, bytes.Repeat([]byte{0xbb}, 16)))

	require.Equal(t, 1, countKind(res, dissect.KindReassemblyConflict))
	assert.Equal(t, dissect.SeverityWarning, res.MaxSeverity())
	require.Len(t, h.probe.calls, 1)
	want := concat(bytes.Repeat([]byte{0xaa}, 16), bytes.Repeat([]byte{0xbb}, 8))
	assert.Equal(t, want, h.probe.calls[0].data)
}

func TestIPv6_FragmentReassemblyDisabled(t *testing.T) {
	h := newHarness(t, func(o *dissect.Options) { o.ReassembleIPv6 = false })
	h.decode(LinkTypeIPv6, fragmentPacket(1, 0, true, make([]byte, 16)))
	res := h.decode(LinkTypeIPv6, fragmentPacket(1, 16, false, make([]byte, 8)))

	assert.False(t, res.Reassembled)
	assert.Empty(t, h.probe.calls)
	assert.NotNil(t, res.Tree.Find("ipv6.fragment.data"))
}

func TestIPv6_AtomicFragment(t *testing.T) {
	h := newHarness(t)
	res := h.decode(LinkTypeIPv6, fragmentPacket(3, 0, false, []byte{1, 2, 3, 4}))

	assert.False(t, res.Fragmented)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, dissect.SeverityNote, res.Anomalies[0].Severity)
	require.Len(t, h.probe.calls, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, h.probe.calls[0].data)
}
