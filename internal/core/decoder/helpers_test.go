package decoder

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
)

// protoProbe is an otherwise unassigned IP protocol number the tests
// register a recording handler on.
const protoProbe = 253

var (
	testSrc = netip.MustParseAddr("2001:db8::1")
	testDst = netip.MustParseAddr("2001:db8::2")
)

type probeCall struct {
	abs      int
	len      int
	reported int
	dst      core.Address
	data     []byte
}

// probe records every payload delivered to ip.proto 253.
type probe struct {
	calls []probeCall
}

func (p *probe) handle(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	b, _ := c.Clone(0, c.Len())
	p.calls = append(p.calls, probeCall{
		abs:      c.Abs(0),
		len:      c.Len(),
		reported: c.Reported(),
		dst:      ctx.Dst,
		data:     b,
	})
	return c.Len(), nil
}

type harness struct {
	t      *testing.T
	engine *dissect.Engine
	probe  *probe
	frame  uint64
}

func newHarness(t *testing.T, mutate ...func(*dissect.Options)) *harness {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	p := &probe{}
	require.NoError(t, reg.AddHandler(dissect.TableIPProto, protoProbe, "probe", p.handle))

	opts := dissect.DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	sess := dissect.NewSession(reassembly.NewTable(reassembly.Config{}), opts)
	return &harness{t: t, engine: dissect.NewEngine(reg, sess), probe: p}
}

func (h *harness) decode(linkType uint32, data []byte) *dissect.Result {
	return h.decodeDir(linkType, core.DirectionUnknown, data)
}

func (h *harness) decodeDir(linkType uint32, dir core.Direction, data []byte) *dissect.Result {
	h.frame++
	return h.engine.Dissect(core.RawPacket{
		Frame:      h.frame,
		Data:       data,
		Timestamp:  time.Date(2024, 5, 1, 10, 0, 0, int(h.frame), time.UTC),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
		LinkType:   linkType,
		Direction:  dir,
	})
}

// ipv6Header builds a fixed IPv6 header.
func ipv6Header(plen int, nxt uint8, src, dst netip.Addr) []byte {
	b := make([]byte, 40)
	b[0] = 0x60
	binary.BigEndian.PutUint16(b[4:], uint16(plen))
	b[6] = nxt
	b[7] = 64
	s, d := src.As16(), dst.As16()
	copy(b[8:], s[:])
	copy(b[24:], d[:])
	return b
}

// ipv4Header builds an IPv4 header with a valid checksum.
func ipv4Header(total int, proto uint8, id uint16, flagsOff uint16, opts []byte) []byte {
	hl := 20 + len(opts)
	b := make([]byte, hl)
	b[0] = 0x40 | byte(hl/4)
	binary.BigEndian.PutUint16(b[2:], uint16(total))
	binary.BigEndian.PutUint16(b[4:], id)
	binary.BigEndian.PutUint16(b[6:], flagsOff)
	b[8] = 64
	b[9] = proto
	copy(b[12:], []byte{192, 0, 2, 1})
	copy(b[16:], []byte{192, 0, 2, 2})
	copy(b[20:], opts)
	binary.BigEndian.PutUint16(b[10:], dissect.InternetChecksum(b))
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func kinds(res *dissect.Result) []dissect.Kind {
	out := make([]dissect.Kind, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		out = append(out, a.Kind)
	}
	return out
}

func countKind(res *dissect.Result, k dissect.Kind) int {
	n := 0
	for _, a := range res.Anomalies {
		if a.Kind == k {
			n++
		}
	}
	return n
}
