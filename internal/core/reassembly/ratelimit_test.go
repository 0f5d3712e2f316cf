package reassembly

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_NilWhenDisabled(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, time.Second))
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	l := NewRateLimiter(3, 10*time.Second)
	src := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(src, now), "fragment %d within limit", i)
	}
	assert.False(t, l.Allow(src, now))
	assert.Equal(t, int64(1), l.Rejected())
}

func TestRateLimiter_SourcesIndependent(t *testing.T) {
	l := NewRateLimiter(1, 10*time.Second)
	now := time.Now()
	a := netip.MustParseAddr("2001:db8::a")
	b := netip.MustParseAddr("2001:db8::b")

	assert.True(t, l.Allow(a, now))
	assert.True(t, l.Allow(b, now))
	assert.False(t, l.Allow(a, now))
	assert.Equal(t, 2, l.Sources())
}

func TestRateLimiter_WindowRotation(t *testing.T) {
	l := NewRateLimiter(1, time.Second)
	src := netip.MustParseAddr("192.0.2.7")
	now := time.Now()

	assert.True(t, l.Allow(src, now))
	assert.False(t, l.Allow(src, now.Add(500*time.Millisecond)))
	assert.True(t, l.Allow(src, now.Add(time.Second)))
	assert.Equal(t, 1, l.Sources())
}
