package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"firestige.xyz/dissect/internal/core/dissect"
)

// StatsReporter accumulates a protocol hierarchy and anomaly counts over
// every reported packet.
type StatsReporter struct {
	mu        sync.Mutex
	packets   uint64
	bytes     uint64
	hierarchy map[string]*protoCount // keyed by "eth:ipv4:udp"
	anomalies map[anomalyKey]uint64
}

type protoCount struct {
	packets uint64
	bytes   uint64
}

type anomalyKey struct {
	severity dissect.Severity
	protocol string
}

// NewStatsReporter creates an empty statistics collector.
func NewStatsReporter() *StatsReporter {
	return &StatsReporter{
		hierarchy: make(map[string]*protoCount),
		anomalies: make(map[anomalyKey]uint64),
	}
}

// Name returns the reporter name.
func (s *StatsReporter) Name() string { return "stats" }

// Report counts res under each prefix of its protocol stack.
func (s *StatsReporter) Report(_ context.Context, res *dissect.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.bytes += uint64(res.OrigLen)
	for i := range res.Protocols {
		path := strings.Join(res.Protocols[:i+1], ":")
		pc, ok := s.hierarchy[path]
		if !ok {
			pc = &protoCount{}
			s.hierarchy[path] = pc
		}
		pc.packets++
		pc.bytes += uint64(res.OrigLen)
	}
	for _, a := range res.Anomalies {
		s.anomalies[anomalyKey{a.Severity, a.Protocol}]++
	}
	return nil
}

// Flush is a no-op.
func (s *StatsReporter) Flush(context.Context) error { return nil }

// HierarchyEntry is one node of the protocol hierarchy.
type HierarchyEntry struct {
	Path    string `json:"path" yaml:"path"`
	Depth   int    `json:"depth" yaml:"depth"`
	Packets uint64 `json:"packets" yaml:"packets"`
	Bytes   uint64 `json:"bytes" yaml:"bytes"`
}

// AnomalyCount is the number of anomalies of one severity raised by one
// protocol.
type AnomalyCount struct {
	Severity string `json:"severity" yaml:"severity"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Count    uint64 `json:"count" yaml:"count"`
}

// StatsSummary is a snapshot of the collected statistics.
type StatsSummary struct {
	Packets   uint64           `json:"packets" yaml:"packets"`
	Bytes     uint64           `json:"bytes" yaml:"bytes"`
	Hierarchy []HierarchyEntry `json:"hierarchy" yaml:"hierarchy"`
	Anomalies []AnomalyCount   `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
}

// Summary returns the hierarchy in depth-first order and anomalies by
// descending severity.
func (s *StatsReporter) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsSummary{Packets: s.packets, Bytes: s.bytes}
	for path, pc := range s.hierarchy {
		out.Hierarchy = append(out.Hierarchy, HierarchyEntry{
			Path:    path,
			Depth:   strings.Count(path, ":"),
			Packets: pc.packets,
			Bytes:   pc.bytes,
		})
	}
	// Sorting by path with ':' mapped below every name character yields
	// depth-first order.
	sortKey := func(p string) string { return strings.ReplaceAll(p, ":", "\x00") }
	sort.Slice(out.Hierarchy, func(i, j int) bool {
		return sortKey(out.Hierarchy[i].Path) < sortKey(out.Hierarchy[j].Path)
	})

	for k, n := range s.anomalies {
		out.Anomalies = append(out.Anomalies, AnomalyCount{Severity: k.severity.String(), Protocol: k.protocol, Count: n})
	}
	sort.Slice(out.Anomalies, func(i, j int) bool {
		a, b := out.Anomalies[i], out.Anomalies[j]
		if a.Severity != b.Severity {
			return severityRank(a.Severity) > severityRank(b.Severity)
		}
		return a.Protocol < b.Protocol
	})
	return out
}

func severityRank(name string) dissect.Severity {
	var s dissect.Severity
	_ = s.UnmarshalText([]byte(name))
	return s
}

// WriteText renders the summary as an indented hierarchy table.
func (s StatsSummary) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Protocol hierarchy (%d packets, %d bytes)\n", s.Packets, s.Bytes); err != nil {
		return err
	}
	for _, e := range s.Hierarchy {
		name := e.Path[strings.LastIndex(e.Path, ":")+1:]
		pct := 0.0
		if s.Packets > 0 {
			pct = 100 * float64(e.Packets) / float64(s.Packets)
		}
		if _, err := fmt.Fprintf(w, "  %-*s%-16s %8d %6.2f%% %12d\n", 2*e.Depth, "", name, e.Packets, pct, e.Bytes); err != nil {
			return err
		}
	}
	if len(s.Anomalies) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, "Anomalies"); err != nil {
		return err
	}
	for _, a := range s.Anomalies {
		if _, err := fmt.Fprintf(w, "  %-10s %-16s %8d\n", a.Severity, a.Protocol, a.Count); err != nil {
			return err
		}
	}
	return nil
}
