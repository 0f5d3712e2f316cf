package pipeline

import (
	"sync/atomic"

	"firestige.xyz/dissect/internal/core/dissect"
)

// Metrics contains the pipeline counters.
type Metrics struct {
	Received     atomic.Uint64
	Decoded      atomic.Uint64
	WithAnomaly  atomic.Uint64
	Malformed    atomic.Uint64
	Fragmented   atomic.Uint64
	Reassembled  atomic.Uint64
	Reported     atomic.Uint64
	ReportErrors atomic.Uint64
}

func (m *Metrics) observe(res *dissect.Result) {
	m.Decoded.Add(1)
	if len(res.Anomalies) > 0 {
		m.WithAnomaly.Add(1)
	}
	if res.MaxSeverity() >= dissect.SeverityMalformed {
		m.Malformed.Add(1)
	}
	if res.Fragmented {
		m.Fragmented.Add(1)
	}
	if res.Reassembled {
		m.Reassembled.Add(1)
	}
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Received     uint64 `json:"received" yaml:"received"`
	Decoded      uint64 `json:"decoded" yaml:"decoded"`
	WithAnomaly  uint64 `json:"with_anomaly" yaml:"with_anomaly"`
	Malformed    uint64 `json:"malformed" yaml:"malformed"`
	Fragmented   uint64 `json:"fragmented" yaml:"fragmented"`
	Reassembled  uint64 `json:"reassembled" yaml:"reassembled"`
	Reported     uint64 `json:"reported" yaml:"reported"`
	ReportErrors uint64 `json:"report_errors" yaml:"report_errors"`
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		Decoded:      m.Decoded.Load(),
		WithAnomaly:  m.WithAnomaly.Load(),
		Malformed:    m.Malformed.Load(),
		Fragmented:   m.Fragmented.Load(),
		Reassembled:  m.Reassembled.Load(),
		Reported:     m.Reported.Load(),
		ReportErrors: m.ReportErrors.Load(),
	}
}
