package dissect

import (
	"log/slog"
	"strconv"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
)

// FlowRecord is the per-packet notification sent to the conversation layer.
type FlowRecord struct {
	Frame     uint64
	Timestamp time.Time
	Flow      core.FlowTuple
	Bytes     int
}

// FlowSink receives one FlowRecord per dissected packet. Implementations
// must not block.
type FlowSink interface {
	Observe(FlowRecord)
}

// Result is everything one packet's decode produced.
type Result struct {
	Frame       uint64         `json:"frame" yaml:"frame"`
	Timestamp   time.Time      `json:"timestamp" yaml:"timestamp"`
	LinkType    uint32         `json:"link_type" yaml:"link_type"`
	CaptureLen  int            `json:"capture_len" yaml:"capture_len"`
	OrigLen     int            `json:"orig_len" yaml:"orig_len"`
	Tree        *Node          `json:"tree,omitempty" yaml:"tree,omitempty"`
	Anomalies   []Anomaly      `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Protocols   []string       `json:"protocols" yaml:"protocols"`
	Info        string         `json:"info" yaml:"info"`
	Flow        core.FlowTuple `json:"-" yaml:"-"`
	Consumed    int            `json:"consumed" yaml:"consumed"`
	Fragmented  bool           `json:"fragmented,omitempty" yaml:"fragmented,omitempty"`
	Reassembled bool           `json:"reassembled,omitempty" yaml:"reassembled,omitempty"`
}

// MaxSeverity returns the worst anomaly severity of the packet.
func (r *Result) MaxSeverity() Severity {
	top := SeverityNone
	for _, a := range r.Anomalies {
		if a.Severity > top {
			top = a.Severity
		}
	}
	return top
}

// Engine decodes top-level packets. One Engine may be shared by many
// goroutines once constructed.
type Engine struct {
	reg     *Registry
	session *Session
	sink    FlowSink
	tree    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFlowSink sets the conversation notification target.
func WithFlowSink(s FlowSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithoutTree disables field recording; only anomalies and the summary are
// produced.
func WithoutTree() EngineOption {
	return func(e *Engine) { e.tree = false }
}

// NewEngine seals reg and returns an engine decoding through it.
func NewEngine(reg *Registry, sess *Session, opts ...EngineOption) *Engine {
	reg.Seal()
	if sess == nil {
		sess = NewSession(nil, DefaultOptions())
	}
	e := &Engine{reg: reg, session: sess, tree: true}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Session returns the engine's cross-packet state.
func (e *Engine) Session() *Session { return e.session }

// Registry returns the sealed registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Dissect decodes one packet. It never fails: every problem is reported as
// an anomaly on the result.
func (e *Engine) Dissect(raw core.RawPacket) *Result {
	start := time.Now()

	data := raw.Data
	if raw.CaptureLen > 0 && int(raw.CaptureLen) < len(data) {
		data = data[:raw.CaptureLen]
	}
	reported := int(raw.OrigLen)
	if reported < len(data) {
		reported = len(data)
	}
	c := NewCursor(data, reported)

	var rec *Recorder
	var tree Tree = NopTree{}
	if e.tree {
		rec = NewRecorder()
		tree = rec
	}
	ctx := NewContext(e.reg, e.session, tree)
	ctx.Frame = raw.Frame
	ctx.Timestamp = raw.Timestamp
	ctx.Direction = raw.Direction

	consumed := e.run(ctx, raw, c)

	res := &Result{
		Frame:       raw.Frame,
		Timestamp:   raw.Timestamp,
		LinkType:    raw.LinkType,
		CaptureLen:  len(data),
		OrigLen:     reported,
		Anomalies:   ctx.Anomalies.All(),
		Protocols:   ctx.Layers(),
		Info:        ctx.Info(),
		Flow:        ctx.Flow(),
		Consumed:    consumed,
		Fragmented:  ctx.Fragmented,
		Reassembled: ctx.Reassembled,
	}
	if rec != nil {
		res.Tree = rec.Root()
	}

	if e.sink != nil {
		e.sink.Observe(FlowRecord{Frame: raw.Frame, Timestamp: raw.Timestamp, Flow: res.Flow, Bytes: reported})
	}

	metrics.PacketsTotal.WithLabelValues(strconv.FormatUint(uint64(raw.LinkType), 10)).Inc()
	metrics.BytesTotal.Add(float64(len(data)))
	for _, a := range res.Anomalies {
		metrics.AnomaliesTotal.WithLabelValues(a.Severity.String(), a.Protocol).Inc()
	}
	metrics.DissectLatencySeconds.Observe(time.Since(start).Seconds())
	return res
}

func (e *Engine) run(ctx *Context, raw core.RawPacket, c Cursor) (consumed int) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsTotal.Inc()
			slog.Error("packet decode aborted", "frame", raw.Frame, "panic", r)
			ctx.Expert(SeverityMalformed, KindInternal, c, 0, c.Len(), "decode aborted: %v", r)
			consumed = c.Len()
		}
	}()

	ctx.Push(c, 0, c.Reported(), "frame")
	ctx.Addf(c, 0, 0, "frame.number", "%d", raw.Frame)
	ctx.Addf(c, 0, 0, "frame.len", "%d bytes on wire, %d bytes captured", c.Reported(), c.Len())
	if raw.Direction != core.DirectionUnknown {
		ctx.Add(c, 0, 0, "frame.direction", raw.Direction)
	}
	ctx.Pop()

	return ctx.Call(TableLinkType, raw.LinkType, c)
}
