package pipeline

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/serialx/hashring"

	"firestige.xyz/dissect/internal/core"
)

// Strategy names accepted by NewDispatchStrategy.
const (
	StrategyFlowHash   = "flow-hash"
	StrategyConsistent = "consistent-hash"
	StrategyRoundRobin = "round-robin"
)

// DispatchStrategy determines which worker decodes a packet.
type DispatchStrategy interface {
	// Dispatch returns the worker index (0-based) for the given packet.
	// workers is guaranteed to be > 0.
	Dispatch(pkt core.RawPacket, workers int) int

	// Name returns the strategy name for logging.
	Name() string
}

// flowHash hashes the outermost network flow of pkt, falling back to the
// link flow. Ports are left out so that every fragment of a datagram maps
// to the same worker as its first fragment. The hash is symmetric.
func flowHash(pkt core.RawPacket) uint64 {
	if pkt.LinkType > 0xff {
		return 0
	}
	p := gopacket.NewPacket(pkt.Data, layers.LinkType(pkt.LinkType), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if nl := p.NetworkLayer(); nl != nil {
		return nl.NetworkFlow().FastHash()
	}
	if ll := p.LinkLayer(); ll != nil {
		return ll.LinkFlow().FastHash()
	}
	return 0
}

// FlowHashStrategy distributes packets by network flow hash modulo the
// worker count. Same flow always goes to the same worker.
type FlowHashStrategy struct{}

func (s *FlowHashStrategy) Dispatch(pkt core.RawPacket, workers int) int {
	return int(flowHash(pkt) % uint64(workers))
}

func (s *FlowHashStrategy) Name() string { return StrategyFlowHash }

// ConsistentHashStrategy places flows on a hash ring of workers, so that
// resizing the pool moves as few flows as possible.
type ConsistentHashStrategy struct {
	mu    sync.Mutex
	rings map[int]*workerRing
}

type workerRing struct {
	ring  *hashring.HashRing
	index map[string]int
}

func newWorkerRing(workers int) *workerRing {
	nodes := make([]string, workers)
	index := make(map[string]int, workers)
	for i := range nodes {
		nodes[i] = "worker-" + strconv.Itoa(i)
		index[nodes[i]] = i
	}
	return &workerRing{ring: hashring.New(nodes), index: index}
}

func (s *ConsistentHashStrategy) ringFor(workers int) *workerRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rings == nil {
		s.rings = make(map[int]*workerRing)
	}
	r, ok := s.rings[workers]
	if !ok {
		r = newWorkerRing(workers)
		s.rings[workers] = r
	}
	return r
}

func (s *ConsistentHashStrategy) Dispatch(pkt core.RawPacket, workers int) int {
	r := s.ringFor(workers)
	node, ok := r.ring.GetNode(strconv.FormatUint(flowHash(pkt), 16))
	if !ok {
		return 0
	}
	return r.index[node]
}

func (s *ConsistentHashStrategy) Name() string { return StrategyConsistent }

// RoundRobinStrategy distributes packets in round-robin order. It gives
// even load but no flow affinity, so fragments and multi-packet state may
// be split across workers.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *RoundRobinStrategy) Dispatch(_ core.RawPacket, workers int) int {
	return int(s.counter.Add(1) % uint64(workers))
}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

// NewDispatchStrategy creates a dispatch strategy by name. An empty name
// selects flow-hash.
func NewDispatchStrategy(name string) (DispatchStrategy, error) {
	switch name {
	case "", StrategyFlowHash:
		return &FlowHashStrategy{}, nil
	case StrategyConsistent:
		return &ConsistentHashStrategy{}, nil
	case StrategyRoundRobin:
		return &RoundRobinStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: unknown dispatch strategy %q", core.ErrConfigInvalid, name)
}
