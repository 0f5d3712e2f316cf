// Package core defines core data structures shared by capture, decode and report stages.
package core

import (
	"time"
)

// Direction is the out-of-band arrival direction of a frame.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "in"
	case DirectionOutbound:
		return "out"
	default:
		return "unknown"
	}
}

// RawPacket is one captured frame handed to the dissection engine.
type RawPacket struct {
	Frame      uint64    // 1-based frame number within the capture
	Data       []byte    // Captured bytes, borrowed
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Captured length
	OrigLen    uint32    // Length on the wire (reported length)
	LinkType   uint32    // pcap DLT value
	Direction  Direction // Out-of-band direction when the capture format provides one
}
