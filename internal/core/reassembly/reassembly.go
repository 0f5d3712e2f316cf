// Package reassembly buffers IP fragments per datagram and rebuilds the
// original payload once every byte has arrived.
package reassembly

import (
	"container/list"
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/metrics"
)

const (
	defaultMaxFragments    = 256
	defaultMaxDatagramSize = 65535
	defaultTimeout         = 60 * time.Second
)

// Config bounds the resources a table may hold.
type Config struct {
	MaxFragments      int           // fragments per datagram before it is dropped
	MaxDatagramSize   int           // largest reassembled payload in bytes
	Timeout           time.Duration // idle time before an entry is swept
	MaxFragsPerSource int           // per-source fragments per window (0 = unlimited)
	RateLimitWindow   time.Duration
}

// Key identifies one fragmented datagram.
type Key struct {
	Src   netip.Addr
	Dst   netip.Addr
	ID    uint32 // IPv4 identification or IPv6 fragment identification
	Proto uint8  // IPv4 protocol; zero for IPv6, whose fragments may disagree
}

func (k Key) String() string {
	return fmt.Sprintf("%s -> %s id=0x%x proto=%d", k.Src, k.Dst, k.ID, k.Proto)
}

// Outcome is the state of a datagram after a fragment was added.
type Outcome uint8

const (
	StillIncomplete Outcome = iota
	Completed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case StillIncomplete:
		return "incomplete"
	case Completed:
		return "completed"
	default:
		return "failed"
	}
}

// Result describes what Add did.
type Result struct {
	Outcome Outcome
	// Data is the reassembled payload when Outcome is Completed.
	Data []byte
	// Conflict is set when the fragment overlapped stored bytes with
	// different content. The stored (first seen) bytes are kept.
	Conflict       bool
	ConflictOffset int
	// Duplicate is set when the fragment overlapped stored bytes that all
	// agreed.
	Duplicate bool
	// Fragments received so far for this datagram, including this one.
	Fragments int
	// Total payload length, or -1 until the last fragment arrives.
	Total int
	// Header is the header byte of the offset-0 fragment, valid once
	// Completed.
	Header uint8
}

type fragment struct {
	offset  int
	payload []byte
}

func (f *fragment) end() int { return f.offset + len(f.payload) }

// entry is one datagram under reassembly. Fragments are kept sorted by
// offset and never overlap.
type entry struct {
	mu        sync.Mutex
	frags     list.List
	covered   int
	highest   int
	total     int
	final     bool
	count     int
	lastSeen  time.Time
	header    uint8
	hasHeader bool
	destroyed bool
}

// Table holds every datagram under reassembly. It is safe for concurrent
// use: the map is guarded by the table lock and each datagram by its own.
type Table struct {
	mu      sync.Mutex
	flows   map[Key]*entry
	cfg     Config
	limiter *RateLimiter // nil if rate limiting disabled
	latest  atomic.Int64 // newest fragment timestamp, unix nanoseconds
}

// NewTable creates a reassembly table.
func NewTable(cfg Config) *Table {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = defaultMaxFragments
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = defaultMaxDatagramSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Table{
		flows:   make(map[Key]*entry),
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.MaxFragsPerSource, cfg.RateLimitWindow),
	}
}

// Config returns the effective configuration.
func (t *Table) Config() Config { return t.cfg }

// Add stores a fragment of key's datagram. offset is in bytes; more is the
// "more fragments" flag. payload is copied. Bytes already stored for a
// range win over later arrivals.
func (t *Table) Add(key Key, offset int, payload []byte, more bool, ts time.Time) (Result, error) {
	return t.AddWithHeader(key, offset, payload, more, key.Proto, ts)
}

// AddWithHeader is Add for protocols whose fragments each carry a header
// byte that only counts on the offset-0 fragment, such as the IPv6 next
// header. The completed Result reports the offset-0 value.
func (t *Table) AddWithHeader(key Key, offset int, payload []byte, more bool, header uint8, ts time.Time) (Result, error) {
	res := Result{Outcome: Failed, Total: -1}
	t.observe(ts)
	end := offset + len(payload)
	if offset < 0 {
		return res, fmt.Errorf("%w: negative fragment offset %d", core.ErrSpecViolation, offset)
	}
	if end > t.cfg.MaxDatagramSize {
		metrics.ReassemblyTotal.WithLabelValues("limit").Inc()
		return res, fmt.Errorf("%w: fragment ends at %d, limit %d", core.ErrReassemblyLimit, end, t.cfg.MaxDatagramSize)
	}
	if t.limiter != nil && !t.limiter.Allow(key.Src, ts) {
		metrics.ReassemblyTotal.WithLabelValues("rate_limited").Inc()
		return res, fmt.Errorf("%w: source %s", core.ErrReassemblyRateLimited, key.Src)
	}

	e := t.acquire(key)
	defer e.mu.Unlock()

	if e.count >= t.cfg.MaxFragments {
		t.evict(key, e)
		metrics.ReassemblyTotal.WithLabelValues("limit").Inc()
		return res, fmt.Errorf("%w: more than %d fragments for %s", core.ErrReassemblyLimit, t.cfg.MaxFragments, key)
	}
	e.count++
	if ts.After(e.lastSeen) {
		e.lastSeen = ts
	}
	if offset == 0 && !e.hasHeader {
		e.header, e.hasHeader = header, true
	}
	res.Fragments = e.count

	if !more {
		if e.final && e.total != end {
			res.Total = e.total
			return res, fmt.Errorf("%w: last fragment ends at %d, earlier last fragment at %d", core.ErrSpecViolation, end, e.total)
		}
		if e.highest > end {
			return res, fmt.Errorf("%w: last fragment ends at %d but data was seen up to %d", core.ErrSpecViolation, end, e.highest)
		}
	} else if e.final && end > e.total {
		res.Total = e.total
		return res, fmt.Errorf("%w: fragment ends at %d, past datagram end %d", core.ErrSpecViolation, end, e.total)
	}

	if !more {
		e.final = true
		e.total = end
	}
	if end > e.highest {
		e.highest = end
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	e.insert(offset, data, &res)

	if res.Conflict {
		metrics.ReassemblyTotal.WithLabelValues("conflict").Inc()
	} else if res.Duplicate {
		metrics.ReassemblyTotal.WithLabelValues("duplicate").Inc()
	}

	res.Outcome = StillIncomplete
	if e.final {
		res.Total = e.total
		if e.covered == e.total {
			res.Outcome = Completed
			res.Data = e.build()
			res.Header = e.header
			t.evict(key, e)
			metrics.ReassemblyTotal.WithLabelValues("completed").Inc()
		}
	}
	return res, nil
}

// acquire returns the locked entry for key, creating it when needed.
func (t *Table) acquire(key Key) *entry {
	for {
		t.mu.Lock()
		e, ok := t.flows[key]
		if !ok {
			e = &entry{}
			t.flows[key] = e
			metrics.ReassemblyActiveFlows.Inc()
		}
		t.mu.Unlock()

		e.mu.Lock()
		if !e.destroyed {
			return e
		}
		e.mu.Unlock()
	}
}

// evict removes e from the table. Must be called with e.mu held.
func (t *Table) evict(key Key, e *entry) {
	e.destroyed = true
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.flows[key]; ok && cur == e {
		delete(t.flows, key)
		metrics.ReassemblyActiveFlows.Dec()
	}
}

// insert fills every gap of [offset, offset+len(data)) not yet covered and
// compares the bytes of every overlap against what is stored.
func (e *entry) insert(offset int, data []byte, res *Result) {
	end := offset + len(data)
	pos := offset
	el := e.frags.Front()
	for pos < end {
		for el != nil && el.Value.(*fragment).end() <= pos {
			el = el.Next()
		}
		if el == nil || el.Value.(*fragment).offset >= end {
			e.place(el, pos, data[pos-offset:])
			return
		}
		f := el.Value.(*fragment)
		if f.offset > pos {
			e.place(el, pos, data[pos-offset:f.offset-offset])
			pos = f.offset
		}

		stop := min(end, f.end())
		stored := f.payload[pos-f.offset : stop-f.offset]
		incoming := data[pos-offset : stop-offset]
		if i := firstDiff(stored, incoming); i >= 0 {
			if !res.Conflict {
				res.Conflict = true
				res.ConflictOffset = pos + i
			}
		} else {
			res.Duplicate = true
		}
		pos = stop
		el = el.Next()
	}
	if res.Conflict {
		res.Duplicate = false
	}
}

// place inserts a piece before el, or at the back when el is nil.
func (e *entry) place(el *list.Element, offset int, piece []byte) {
	if len(piece) == 0 {
		return
	}
	f := &fragment{offset: offset, payload: piece}
	if el == nil {
		e.frags.PushBack(f)
	} else {
		e.frags.InsertBefore(f, el)
	}
	e.covered += len(piece)
}

func (e *entry) build() []byte {
	out := make([]byte, e.total)
	for el := e.frags.Front(); el != nil; el = el.Next() {
		f := el.Value.(*fragment)
		copy(out[f.offset:], f.payload)
	}
	return out
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

// Sweep drops datagrams idle for longer than the timeout as of now and
// returns how many were dropped. Capture files should pass packet time.
func (t *Table) Sweep(now time.Time) int {
	expired := 0
	for key, e := range t.snapshot() {
		e.mu.Lock()
		if !e.destroyed && now.Sub(e.lastSeen) > t.cfg.Timeout {
			t.evict(key, e)
			expired++
		}
		e.mu.Unlock()
	}
	if expired > 0 {
		metrics.ReassemblyTotal.WithLabelValues("evicted").Add(float64(expired))
	}
	return expired
}

// snapshot copies the flow map so entries can be locked without holding
// the table lock; evict takes the locks in entry, table order.
func (t *Table) snapshot() map[Key]*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Key]*entry, len(t.flows))
	for k, e := range t.flows {
		out[k] = e
	}
	return out
}

// observe advances the table clock to ts if it is newer.
func (t *Table) observe(ts time.Time) {
	if ts.IsZero() {
		return
	}
	n := ts.UnixNano()
	for {
		cur := t.latest.Load()
		if n <= cur || t.latest.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Now returns the newest fragment timestamp seen, or the zero time before
// any fragment arrived. Entries age against it, so a capture file ages by
// its own clock however fast it is read.
func (t *Table) Now() time.Time {
	n := t.latest.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run sweeps every interval until ctx is done. Each sweep uses the newest
// fragment timestamp, not the wall clock.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := t.Now(); !now.IsZero() {
				t.Sweep(now)
			}
		}
	}
}

// Reset drops every datagram, as between two capture files.
func (t *Table) Reset() {
	for key, e := range t.snapshot() {
		e.mu.Lock()
		t.evict(key, e)
		e.mu.Unlock()
	}
}

// Len returns the number of datagrams under reassembly.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
