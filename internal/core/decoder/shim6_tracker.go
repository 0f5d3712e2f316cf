package decoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dissect/internal/core/dissect"
)

// Shim6State is the context establishment state of one SHIM6 association
// as seen on the wire.
type Shim6State uint8

const (
	Shim6Idle Shim6State = iota
	Shim6I1Sent
	Shim6R1Seen
	Shim6I2Sent
	Shim6Established
)

func (s Shim6State) String() string {
	switch s {
	case Shim6I1Sent:
		return "I1-SENT"
	case Shim6R1Seen:
		return "R1-SEEN"
	case Shim6I2Sent:
		return "I2-SENT"
	case Shim6Established:
		return "ESTABLISHED"
	default:
		return "IDLE"
	}
}

const shim6TrackerKey = "shim6.tracker"

// shim6Msg is what the tracker needs from one control message.
type shim6Msg struct {
	Type      uint8
	InitNonce uint32
	Tag       uint64 // ICT, RCT or PCT depending on Type
	Peer      uint64 // PCT of an I2bis
}

type shim6Assoc struct {
	state    Shim6State
	ict, rct uint64
}

// Shim6Tracker follows SHIM6 context establishment across packets.
// Associations are keyed by initiator nonce during the handshake and by
// context tag once established; idle ones expire after the session TTL.
type Shim6Tracker struct {
	mu     sync.Mutex
	assocs *cache.Cache
}

// NewShim6Tracker creates a tracker; a non-positive ttl never expires.
func NewShim6Tracker(ttl time.Duration) *Shim6Tracker {
	if ttl <= 0 {
		return &Shim6Tracker{assocs: cache.New(cache.NoExpiration, 0)}
	}
	return &Shim6Tracker{assocs: cache.New(ttl, ttl)}
}

// shim6Tracker returns the session's tracker.
func shim6Tracker(ctx *dissect.Context) *Shim6Tracker {
	ttl := ctx.Options().Shim6SessionTTL
	return ctx.Session.State(shim6TrackerKey, func() any { return NewShim6Tracker(ttl) }).(*Shim6Tracker)
}

func nonceKey(n uint32) string { return fmt.Sprintf("n:%08x", n) }
func tagKey(t uint64) string   { return fmt.Sprintf("ct:%012x", t) }

func (t *Shim6Tracker) get(key string) *shim6Assoc {
	if v, ok := t.assocs.Get(key); ok {
		return v.(*shim6Assoc)
	}
	return nil
}

func (t *Shim6Tracker) put(a *shim6Assoc, keys ...string) {
	for _, k := range keys {
		t.assocs.Set(k, a, cache.DefaultExpiration)
	}
}

// Observe advances the association m belongs to. It returns the state
// after the message and whether the message was expected in the state the
// association was found in.
func (t *Shim6Tracker) Observe(m shim6Msg) (Shim6State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m.Type {
	case shim6I1:
		a := t.get(nonceKey(m.InitNonce))
		if a == nil {
			a = &shim6Assoc{}
		}
		ok := a.state == Shim6Idle || a.state == Shim6I1Sent
		a.state, a.ict = Shim6I1Sent, m.Tag
		t.put(a, nonceKey(m.InitNonce))
		return a.state, ok

	case shim6R1:
		a := t.get(nonceKey(m.InitNonce))
		if a == nil {
			return Shim6Idle, false
		}
		if a.state != Shim6I1Sent {
			return a.state, a.state == Shim6R1Seen
		}
		a.state = Shim6R1Seen
		t.put(a, nonceKey(m.InitNonce))
		return a.state, true

	case shim6R1bis:
		a := t.get(tagKey(m.Tag))
		if a == nil {
			return Shim6Idle, false
		}
		a.state = Shim6R1Seen
		t.put(a, tagKey(m.Tag))
		return a.state, true

	case shim6I2, shim6I2bis:
		a := t.get(nonceKey(m.InitNonce))
		if a == nil && m.Type == shim6I2bis {
			a = t.get(tagKey(m.Peer))
		}
		if a == nil {
			a = &shim6Assoc{}
		}
		ok := a.state == Shim6R1Seen || a.state == Shim6I2Sent
		a.state, a.ict = Shim6I2Sent, m.Tag
		t.put(a, nonceKey(m.InitNonce))
		return a.state, ok

	case shim6R2:
		a := t.get(nonceKey(m.InitNonce))
		if a == nil {
			return Shim6Idle, false
		}
		ok := a.state == Shim6I2Sent || a.state == Shim6Established
		a.state, a.rct = Shim6Established, m.Tag
		t.put(a, nonceKey(m.InitNonce), tagKey(a.ict), tagKey(a.rct))
		return a.state, ok

	case shim6UpdateRequest, shim6UpdateAck, shim6Keepalive, shim6Probe:
		a := t.get(tagKey(m.Tag))
		if a == nil {
			return Shim6Idle, false
		}
		t.put(a, tagKey(m.Tag))
		return a.state, a.state == Shim6Established
	}
	return Shim6Idle, true
}

// Lookup returns the state of the association owning a context tag.
func (t *Shim6Tracker) Lookup(tag uint64) (Shim6State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.get(tagKey(tag)); a != nil {
		return a.state, true
	}
	return Shim6Idle, false
}

// Len returns the number of stored keys, including expired ones the
// janitor has not removed yet.
func (t *Shim6Tracker) Len() int {
	return t.assocs.ItemCount()
}
