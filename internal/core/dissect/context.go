package dissect

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/reassembly"
	"firestige.xyz/dissect/internal/metrics"
)

// Options tune decoder behavior. They are fixed for the lifetime of a
// Session.
type Options struct {
	MaxDepth          int
	MaxExtHeaders     int
	ReassembleIPv6    bool
	ReassembleIPv4    bool
	CheckIPv4Checksum bool
	TryLowerPortFirst bool
	// JuniperExtTLVLE decodes Juniper extension TLVs below type 128 as
	// little-endian, the layout written by JUNOS.
	JuniperExtTLVLE bool
	Shim6SessionTTL time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxDepth:          24,
		MaxExtHeaders:     32,
		ReassembleIPv6:    true,
		ReassembleIPv4:    true,
		CheckIPv4Checksum: true,
		TryLowerPortFirst: true,
		JuniperExtTLVLE:   true,
		Shim6SessionTTL:   5 * time.Minute,
	}
}

// Session holds the cross-packet collaborators shared by every decode of a
// capture. Nothing per-packet lives here.
type Session struct {
	Reassembly *reassembly.Table
	Options    Options

	state sync.Map
}

// NewSession creates a session. A nil table disables reassembly.
func NewSession(table *reassembly.Table, opts Options) *Session {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.MaxExtHeaders <= 0 {
		opts.MaxExtHeaders = DefaultOptions().MaxExtHeaders
	}
	return &Session{Reassembly: table, Options: opts}
}

// State returns the session-wide value stored under key, creating it with
// create on first use. Stored values must be safe for concurrent use.
func (s *Session) State(key string, create func() any) any {
	if v, ok := s.state.Load(key); ok {
		return v
	}
	v, _ := s.state.LoadOrStore(key, create())
	return v
}

// NetworkInfo is what a network layer hands down to the layers it carries.
type NetworkInfo struct {
	Version       uint8
	Proto         uint8
	HopLimit      uint8
	PayloadLength int
	Fragmented    bool
}

// IPv6Scratch is the per-packet state shared between the IPv6 header and
// its extension headers.
type IPv6Scratch struct {
	Src          netip.Addr // header addresses, used as the fragment key
	Dst          netip.Addr
	ExtHeaders   int        // extension headers processed so far
	HasJumbo     bool       // a Jumbo Payload option was decoded
	JumboLength  uint32     // payload length carried by the jumbo option
	FinalDst     netip.Addr // final destination named by a routing header
	Rewritten    bool       // Dst was rewritten to a routing next hop
	SeenFragment bool

	// Set by each extension header for the chain loop.
	Next    uint8
	Stop    bool
	Payload *Cursor // reassembled payload to resume the chain over
}

// Scratch is the protocol scratch area of one packet.
type Scratch struct {
	IPv6 IPv6Scratch

	slots map[string]any
}

// Slot returns a heterogeneous scratch value.
func (s *Scratch) Slot(key string) (any, bool) {
	v, ok := s.slots[key]
	return v, ok
}

// SetSlot stores a heterogeneous scratch value.
func (s *Scratch) SetSlot(key string, v any) {
	if s.slots == nil {
		s.slots = make(map[string]any)
	}
	s.slots[key] = v
}

// Context is the mutable state of one packet's decode. It is passed by
// pointer through every nested dissector and must never be shared between
// packets or goroutines.
type Context struct {
	// Current addresses. Routing constructs may rewrite these mid-decode.
	Src core.Address
	Dst core.Address

	Tree      Tree
	Anomalies *Reporter
	Scratch   Scratch
	Network   NetworkInfo
	Session   *Session

	Frame       uint64
	Timestamp   time.Time
	Direction   core.Direction
	Fragmented  bool
	Reassembled bool

	reg      *Registry
	flow     core.FlowTuple
	flowSet  bool
	portsSet bool
	protoSet bool
	keySet   bool
	info     []string
	protocol string
	layers   []string
	depth    int
	open     int
}

// NewContext creates the context for one packet. A nil tree discards
// fields; a nil session uses default options without reassembly.
func NewContext(reg *Registry, sess *Session, tree Tree) *Context {
	if tree == nil {
		tree = NopTree{}
	}
	if sess == nil {
		sess = NewSession(nil, DefaultOptions())
	}
	return &Context{
		Tree:      tree,
		Anomalies: &Reporter{},
		Session:   sess,
		reg:       reg,
	}
}

func (ctx *Context) Registry() *Registry { return ctx.reg }

func (ctx *Context) Options() Options { return ctx.Session.Options }

// Protocol returns the name of the dissector currently running.
func (ctx *Context) Protocol() string { return ctx.protocol }

// Layers returns every dissector invoked so far in call order.
func (ctx *Context) Layers() []string { return ctx.layers }

// SetAddresses updates the current addresses without touching the flow.
func (ctx *Context) SetAddresses(src, dst core.Address) {
	ctx.Src, ctx.Dst = src, dst
}

// SetNetworkAddresses updates the current addresses. The first call per
// packet also snapshots them as the flow identity, so later rewrites by
// routing headers or tunnels never reach the conversation key.
func (ctx *Context) SetNetworkAddresses(src, dst core.Address) {
	ctx.Src, ctx.Dst = src, dst
	if !ctx.flowSet {
		ctx.flow.Src, ctx.flow.Dst = src, dst
		ctx.flowSet = true
	}
}

// SetPorts records transport ports; the outermost transport wins.
func (ctx *Context) SetPorts(src, dst uint16) {
	if ctx.portsSet {
		return
	}
	ctx.flow.SrcPort, ctx.flow.DstPort = src, dst
	ctx.portsSet = true
}

// SetFlowProto records the transport protocol of the flow; first call wins.
func (ctx *Context) SetFlowProto(proto uint8) {
	if ctx.protoSet {
		return
	}
	ctx.flow.Proto = proto
	ctx.protoSet = true
}

// SetFlowKey records a protocol-specific flow key; first call wins.
func (ctx *Context) SetFlowKey(key uint32) {
	if ctx.keySet {
		return
	}
	ctx.flow.Key = key
	ctx.keySet = true
}

// Flow returns the flow identity captured for this packet.
func (ctx *Context) Flow() core.FlowTuple { return ctx.flow }

// SetInfo replaces the summary line.
func (ctx *Context) SetInfo(format string, args ...any) {
	ctx.info = append(ctx.info[:0], fmt.Sprintf(format, args...))
}

// AppendInfo adds a clause to the summary line.
func (ctx *Context) AppendInfo(format string, args ...any) {
	ctx.info = append(ctx.info, fmt.Sprintf(format, args...))
}

// Info returns the summary line.
func (ctx *Context) Info() string { return strings.Join(ctx.info, ", ") }

// Add records a field covering c[off:off+n].
func (ctx *Context) Add(c Cursor, off, n int, name string, value any) {
	ctx.Tree.Add(Field{Name: name, Display: fmt.Sprint(value), Region: c.Region(off, n)})
}

// Addf records a field with a formatted value.
func (ctx *Context) Addf(c Cursor, off, n int, name, format string, args ...any) {
	ctx.Tree.Add(Field{Name: name, Display: fmt.Sprintf(format, args...), Region: c.Region(off, n)})
}

// Push opens a subtree. Subtrees left open by a dissector are closed when
// it returns to its caller.
func (ctx *Context) Push(c Cursor, off, n int, name string) {
	ctx.Tree.Push(name, c.Region(off, n))
	ctx.open++
}

// Pop closes the innermost subtree.
func (ctx *Context) Pop() {
	if ctx.open == 0 {
		return
	}
	ctx.Tree.Pop()
	ctx.open--
}

// Subtree runs fn inside a subtree and always closes it.
func (ctx *Context) Subtree(c Cursor, off, n int, name string, fn func() error) error {
	mark := ctx.open
	ctx.Push(c, off, n, name)
	defer ctx.unwind(mark)
	return fn()
}

func (ctx *Context) unwind(mark int) {
	for ctx.open > mark {
		ctx.Pop()
	}
}

// Expert records an anomaly against c[off:off+n] and annotates the current
// subtree. It never fails; the caller decides whether to continue.
func (ctx *Context) Expert(sev Severity, kind Kind, c Cursor, off, n int, format string, args ...any) {
	a := Anomaly{
		Severity: sev,
		Kind:     kind,
		Protocol: ctx.protocol,
		Message:  fmt.Sprintf(format, args...),
		Region:   c.Region(off, n),
	}
	ctx.Anomalies.Report(a)
	ctx.Tree.Annotate(a)
}

// Note records an informational anomaly.
func (ctx *Context) Note(c Cursor, off, n int, format string, args ...any) {
	ctx.Expert(SeverityNote, KindInfo, c, off, n, format, args...)
}

// Warn records a non-fatal protocol deviation.
func (ctx *Context) Warn(c Cursor, off, n int, format string, args ...any) {
	ctx.Expert(SeverityWarning, KindSpecViolation, c, off, n, format, args...)
}

// Violation records a protocol deviation at the given severity.
func (ctx *Context) Violation(sev Severity, c Cursor, off, n int, format string, args ...any) {
	ctx.Expert(sev, KindSpecViolation, c, off, n, format, args...)
}

// Has reports whether table has a handler for key.
func (ctx *Context) Has(table string, key uint32) bool {
	_, _, ok := ctx.reg.Lookup(table, key)
	return ok
}

// Call hands c to the dissector registered for key in table and returns
// the bytes it consumed. A missing handler renders c as opaque data. A
// failing handler has its error reported and its unconsumed bytes rendered
// as opaque data, so Call always accounts for every captured byte it was
// given when something went wrong.
func (ctx *Context) Call(table string, key uint32, c Cursor) int {
	n, err := ctx.CallErr(table, key, c)
	return ctx.settle(c.Rest(), n, err)
}

// CallNamed is Call for a dissector registered by name.
func (ctx *Context) CallNamed(name string, c Cursor) int {
	c = c.Rest()
	h, ok := ctx.reg.Named(name)
	if !ok {
		return ctx.CallData(c)
	}
	n, err := ctx.invoke(name, h, c)
	return ctx.settle(c, n, err)
}

// CallData renders c as opaque data and returns its captured length.
func (ctx *Context) CallData(c Cursor) int {
	c = c.Rest()
	n, err := ctx.invoke("data", Data, c)
	return ctx.settle(c, n, err)
}

// CallErr is Call without the fallback rendering: a missing handler yields
// ErrUnknownType with nothing consumed, and a handler failure is reported
// and returned so chain loops can stop.
func (ctx *Context) CallErr(table string, key uint32, c Cursor) (int, error) {
	h, name, ok := ctx.reg.Lookup(table, key)
	if !ok {
		return 0, fmt.Errorf("%w: %s %d", core.ErrUnknownType, table, key)
	}
	return ctx.invoke(name, h, c.Rest())
}

func (ctx *Context) settle(c Cursor, n int, err error) int {
	if err == nil {
		return n
	}
	if errors.Is(err, core.ErrUnknownType) && n == 0 {
		return ctx.CallData(c)
	}
	if n < c.Len() {
		ctx.Add(c, n, c.Len()-n, "data", fmt.Sprintf("%d bytes", c.Len()-n))
	}
	return c.Len()
}

func (ctx *Context) invoke(name string, h Handler, c Cursor) (n int, err error) {
	if ctx.depth >= ctx.Session.Options.MaxDepth {
		err = fmt.Errorf("%w: %s at depth %d", core.ErrRecursionLimit, name, ctx.depth)
		ctx.Expert(SeverityMalformed, KindOf(err), c, 0, c.Len(), "%v", err)
		return 0, err
	}

	mark := ctx.open
	outer := ctx.protocol
	ctx.depth++
	ctx.protocol = name
	ctx.layers = append(ctx.layers, name)

	n, err = ctx.run(h, c)
	if err != nil {
		ctx.contain(err, c, n)
	}

	ctx.unwind(mark)
	ctx.protocol = outer
	ctx.depth--

	if n < 0 {
		n = 0
	}
	if n > c.Len() {
		n = c.Len()
	}
	return n, err
}

func (ctx *Context) run(h Handler, c Cursor) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsTotal.Inc()
			slog.Error("dissector panic recovered", "protocol", ctx.protocol, "frame", ctx.Frame, "panic", r)
			n, err = 0, fmt.Errorf("%s: panic: %v", ctx.protocol, r)
		}
	}()
	return h(c, ctx)
}

// contain reports the error that ended a layer.
func (ctx *Context) contain(err error, c Cursor, n int) {
	kind := KindOf(err)
	sev := SeverityMalformed
	switch kind {
	case KindSpecViolation:
		sev = SeverityError
	case KindReassemblyConflict:
		sev = SeverityWarning
	case KindUnknownType:
		sev = SeverityNote
	}
	if n < 0 || n > c.Len() {
		n = 0
	}
	ctx.Expert(sev, kind, c, n, c.Len()-n, "%v", err)
}

// Data is the opaque-data leaf. It consumes the whole cursor.
func Data(c Cursor, ctx *Context) (int, error) {
	if c.Len() > 0 {
		ctx.Add(c, 0, c.Len(), "data", fmt.Sprintf("%d bytes", c.Len()))
	}
	return c.Len(), nil
}
