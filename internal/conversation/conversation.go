// Package conversation aggregates per-packet flow records into
// bidirectional conversations that expire when idle.
package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/metrics"
)

// DefaultIdleTimeout is used when the table is created with a
// non-positive timeout.
const DefaultIdleTimeout = 2 * time.Minute

// Endpoint is one side of a conversation.
type Endpoint struct {
	Addr core.Address
	Port uint16
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Addr.String()
	}
	if e.Addr.Family == core.AddrIPv6 {
		return fmt.Sprintf("[%s]:%d", e.Addr, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Conversation is the traffic exchanged between two endpoints. A is the
// side that sent the first packet seen.
type Conversation struct {
	A, B       Endpoint
	Proto      uint8
	PacketsAB  uint64
	PacketsBA  uint64
	BytesAB    uint64
	BytesBA    uint64
	FirstFrame uint64
	LastFrame  uint64
	Start      time.Time
	Last       time.Time
}

// Packets is the total packet count in both directions.
func (c Conversation) Packets() uint64 { return c.PacketsAB + c.PacketsBA }

// Bytes is the total byte count in both directions.
func (c Conversation) Bytes() uint64 { return c.BytesAB + c.BytesBA }

// Duration is the time between the first and last packet.
func (c Conversation) Duration() time.Duration { return c.Last.Sub(c.Start) }

// Table tracks conversations. It implements dissect.FlowSink and is safe
// for use by many decode workers.
type Table struct {
	mu    sync.Mutex
	convs *cache.Cache
}

var _ dissect.FlowSink = (*Table)(nil)

// NewTable creates a table whose entries expire after idle.
func NewTable(idle time.Duration) *Table {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	t := &Table{convs: cache.New(idle, idle/2)}
	t.convs.OnEvicted(func(string, any) {
		metrics.ConversationsActive.Set(float64(t.convs.ItemCount()))
	})
	return t
}

// key orders the two endpoints so both directions share one entry.
func key(f core.FlowTuple) string {
	a := Endpoint{Addr: f.Src, Port: f.SrcPort}
	b := Endpoint{Addr: f.Dst, Port: f.DstPort}
	as, bs := a.String(), b.String()
	if as <= bs {
		return fmt.Sprintf("%d|%s|%s", f.Proto, as, bs)
	}
	return fmt.Sprintf("%d|%s|%s", f.Proto, bs, as)
}

// Observe records one packet. Packets without network addresses are
// ignored.
func (t *Table) Observe(rec dissect.FlowRecord) {
	if !rec.Flow.Valid() {
		return
	}
	k := key(rec.Flow)
	src := Endpoint{Addr: rec.Flow.Src, Port: rec.Flow.SrcPort}

	t.mu.Lock()
	defer t.mu.Unlock()

	var c *Conversation
	if v, ok := t.convs.Get(k); ok {
		c = v.(*Conversation)
	} else {
		c = &Conversation{
			A:          src,
			B:          Endpoint{Addr: rec.Flow.Dst, Port: rec.Flow.DstPort},
			Proto:      rec.Flow.Proto,
			FirstFrame: rec.Frame,
			Start:      rec.Timestamp,
		}
	}
	if src == c.A {
		c.PacketsAB++
		c.BytesAB += uint64(rec.Bytes)
	} else {
		c.PacketsBA++
		c.BytesBA += uint64(rec.Bytes)
	}
	c.LastFrame = rec.Frame
	if rec.Timestamp.After(c.Last) {
		c.Last = rec.Timestamp
	}
	// Set refreshes the idle deadline.
	t.convs.SetDefault(k, c)
	metrics.ConversationsActive.Set(float64(t.convs.ItemCount()))
}

// Len returns the number of live conversations.
func (t *Table) Len() int {
	return t.convs.ItemCount()
}

// Snapshot returns copies of all live conversations, largest first.
func (t *Table) Snapshot() []Conversation {
	t.mu.Lock()
	items := t.convs.Items()
	out := make([]Conversation, 0, len(items))
	for _, it := range items {
		out = append(out, *it.Object.(*Conversation))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes() != out[j].Bytes() {
			return out[i].Bytes() > out[j].Bytes()
		}
		return out[i].FirstFrame < out[j].FirstFrame
	})
	return out
}

// Flush drops every conversation.
func (t *Table) Flush() {
	t.convs.Flush()
	metrics.ConversationsActive.Set(0)
}
