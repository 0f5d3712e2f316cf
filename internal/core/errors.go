// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following the ADR-021 error handling pattern.
var (
	// Cursor errors
	ErrTruncated = errors.New("dissect: read past captured data")

	// Decode taxonomy
	ErrSpecViolation      = errors.New("dissect: field violates protocol rules")
	ErrUnknownType        = errors.New("dissect: no dissector registered")
	ErrFatalStructural    = errors.New("dissect: structurally invalid header")
	ErrReassemblyConflict = errors.New("dissect: overlapping fragments disagree")
	ErrRecursionLimit     = errors.New("dissect: nesting limit exceeded")

	// Registry errors (programming-time contract violations)
	ErrTableConflict  = errors.New("dissect: table registered with different key width")
	ErrTableNotFound  = errors.New("dissect: table not registered")
	ErrRegistrySealed = errors.New("dissect: registry sealed")
	ErrKeyOutOfRange  = errors.New("dissect: key exceeds table width")

	// Reassembly errors
	ErrReassemblyLimit       = errors.New("dissect: fragment reassembly limit exceeded")
	ErrReassemblyRateLimited = errors.New("dissect: fragment rate limit exceeded")

	// Configuration errors
	ErrConfigInvalid = errors.New("dissect: invalid configuration")
)
