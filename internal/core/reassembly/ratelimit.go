package reassembly

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter caps the fragments accepted from one source address within
// a fixed window, so a fragment flood cannot grow the table without bound.
// Counters are reset wholesale when the window rolls over.
type RateLimiter struct {
	mu           sync.Mutex
	counts       map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	window       time.Duration
	maxPerWindow int64

	rejected atomic.Int64
}

// NewRateLimiter creates a limiter. It returns nil when limit is not positive,
// and a nil limiter is never consulted.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RateLimiter{
		counts:       make(map[netip.Addr]*atomic.Int64),
		window:       window,
		maxPerWindow: int64(limit),
	}
}

// Allow records one fragment from src at now and reports whether it is
// within the limit.
func (l *RateLimiter) Allow(src netip.Addr, now time.Time) bool {
	l.mu.Lock()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window || now.Before(l.windowStart) {
		clear(l.counts)
		l.windowStart = now
	}
	n, ok := l.counts[src]
	if !ok {
		n = &atomic.Int64{}
		l.counts[src] = n
	}
	l.mu.Unlock()

	if n.Add(1) > l.maxPerWindow {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the number of fragments refused so far.
func (l *RateLimiter) Rejected() int64 {
	return l.rejected.Load()
}

// Sources returns the number of distinct sources in the current window.
func (l *RateLimiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}
