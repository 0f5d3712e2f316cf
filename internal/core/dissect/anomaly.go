package dissect

import (
	"errors"
	"fmt"

	"firestige.xyz/dissect/internal/core"
)

// Severity classifies a decode anomaly.
type Severity uint8

const (
	SeverityNone Severity = iota
	// SeverityNote is informational; decode continues identically.
	SeverityNote
	// SeverityWarning marks a deviation from the protocol; decode continues.
	SeverityWarning
	// SeverityError marks the current layer's output as incomplete or suspect.
	SeverityError
	// SeverityMalformed means the current layer could not be interpreted.
	SeverityMalformed
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityMalformed:
		return "malformed"
	default:
		return "none"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "note":
		*s = SeverityNote
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	case "malformed":
		*s = SeverityMalformed
	case "none", "":
		*s = SeverityNone
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Kind maps an anomaly onto the decode error taxonomy.
type Kind uint8

const (
	KindInfo Kind = iota
	KindTruncated
	KindSpecViolation
	KindUnknownType
	KindReassemblyConflict
	KindFatalStructural
	KindResource
	KindInternal
)

var kindNames = [...]string{
	KindInfo:               "info",
	KindTruncated:          "truncated",
	KindSpecViolation:      "spec-violation",
	KindUnknownType:        "unknown-type",
	KindReassemblyConflict: "reassembly-conflict",
	KindFatalStructural:    "fatal-structural",
	KindResource:           "resource-limit",
	KindInternal:           "internal",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KindOf classifies an error returned by a dissector.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInfo
	case errors.Is(err, core.ErrTruncated):
		return KindTruncated
	case errors.Is(err, core.ErrFatalStructural), errors.Is(err, core.ErrRecursionLimit):
		return KindFatalStructural
	case errors.Is(err, core.ErrSpecViolation):
		return KindSpecViolation
	case errors.Is(err, core.ErrReassemblyConflict):
		return KindReassemblyConflict
	case errors.Is(err, core.ErrUnknownType):
		return KindUnknownType
	case errors.Is(err, core.ErrReassemblyLimit), errors.Is(err, core.ErrReassemblyRateLimited):
		return KindResource
	default:
		return KindInternal
	}
}

// Region is an absolute byte range within the top-level packet.
type Region struct {
	Offset int `json:"offset" yaml:"offset"`
	Length int `json:"length" yaml:"length"`
}

// Anomaly is one non-fatal (or layer-fatal) decode finding.
type Anomaly struct {
	Severity Severity `json:"severity" yaml:"severity"`
	Kind     Kind     `json:"kind" yaml:"kind"`
	Protocol string   `json:"protocol" yaml:"protocol"`
	Message  string   `json:"message" yaml:"message"`
	Region   Region   `json:"region" yaml:"region"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Protocol, a.Message)
}

// Reporter accumulates the anomalies of one packet in order. It is owned by
// a single decode and is not safe for concurrent use.
type Reporter struct {
	items []Anomaly
}

// Report appends an anomaly. It never fails.
func (r *Reporter) Report(a Anomaly) {
	r.items = append(r.items, a)
}

// All returns the anomalies in the order they were reported.
func (r *Reporter) All() []Anomaly {
	return r.items
}

// Len returns the number of anomalies.
func (r *Reporter) Len() int {
	return len(r.items)
}

// Count returns the number of anomalies with the given severity.
func (r *Reporter) Count(sev Severity) int {
	n := 0
	for _, a := range r.items {
		if a.Severity == sev {
			n++
		}
	}
	return n
}

// CountKind returns the number of anomalies of the given kind.
func (r *Reporter) CountKind(k Kind) int {
	n := 0
	for _, a := range r.items {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Max returns the highest severity reported, or SeverityNone.
func (r *Reporter) Max() Severity {
	top := SeverityNone
	for _, a := range r.items {
		if a.Severity > top {
			top = a.Severity
		}
	}
	return top
}

// Reset clears the list for reuse.
func (r *Reporter) Reset() {
	r.items = r.items[:0]
}
