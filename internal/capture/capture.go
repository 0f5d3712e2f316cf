// Package capture reads captured frames from pcap and pcapng files and
// turns them into core.RawPacket values for the dissection engine.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/dissect/internal/core"
)

// pcapng files start with a Section Header Block.
const ngSectionHeader = 0x0a0d0d0a

// Source yields captured frames in file order.
type Source interface {
	// Next returns the next frame, or io.EOF once the source is drained.
	Next() (core.RawPacket, error)
	LinkType() uint32
	Close() error
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// FileSource reads a pcap or pcapng file. Frame numbers count every frame
// in the file, including those the filter drops.
type FileSource struct {
	path     string
	file     io.Closer
	reader   packetReader
	ng       *pcapgo.NgReader
	linkType layers.LinkType
	filter   Filter

	frame   uint64
	skipped uint64
}

// Option configures a FileSource.
type Option func(*FileSource)

// WithFilter drops frames the filter does not match.
func WithFilter(f Filter) Option {
	return func(s *FileSource) { s.filter = f }
}

// OpenFile opens path and detects whether it is pcap or pcapng.
func OpenFile(path string, opts ...Option) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	s, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	s.path = path
	s.file = f
	return s, nil
}

// NewReader reads a capture from r. The caller keeps ownership of r.
func NewReader(r io.Reader, opts ...Option) (*FileSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture header: %w", err)
	}

	s := &FileSource{}
	for _, o := range opts {
		o(s)
	}
	if binary.BigEndian.Uint32(magic) == ngSectionHeader {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		s.ng, s.reader, s.linkType = ng, ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, err
		}
		s.reader, s.linkType = pr, pr.LinkType()
	}
	slog.Debug("capture opened", "link_type", s.linkType, "pcapng", s.ng != nil)
	return s, nil
}

// LinkType returns the link type of the capture (of the first interface
// for pcapng).
func (s *FileSource) LinkType() uint32 { return uint32(s.linkType) }

// SetFilter replaces the frame filter. Filters compiled from expressions
// depend on the link type, which is only known once the file is open.
func (s *FileSource) SetFilter(f Filter) { s.filter = f }

// Skipped returns how many frames the filter dropped so far.
func (s *FileSource) Skipped() uint64 { return s.skipped }

// Next returns the next frame that passes the filter.
func (s *FileSource) Next() (core.RawPacket, error) {
	for {
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return core.RawPacket{}, io.EOF
			}
			return core.RawPacket{}, fmt.Errorf("failed to read frame %d: %w", s.frame+1, err)
		}
		s.frame++
		if s.filter != nil && !s.filter.Match(data) {
			s.skipped++
			continue
		}
		return core.RawPacket{
			Frame:      s.frame,
			Data:       data,
			Timestamp:  ci.Timestamp,
			CaptureLen: uint32(ci.CaptureLength),
			OrigLen:    uint32(ci.Length),
			LinkType:   s.frameLinkType(ci),
		}, nil
	}
}

// frameLinkType resolves the link type of the interface a pcapng frame
// was captured on.
func (s *FileSource) frameLinkType(ci gopacket.CaptureInfo) uint32 {
	if s.ng != nil && ci.InterfaceIndex > 0 {
		if intf, err := s.ng.Interface(ci.InterfaceIndex); err == nil {
			return uint32(intf.LinkType)
		}
	}
	return uint32(s.linkType)
}

// Capture sends every frame to out until the source is drained or ctx is
// cancelled. It does not close out.
func (s *FileSource) Capture(ctx context.Context, out chan<- core.RawPacket) error {
	for {
		pkt, err := s.Next()
		if errors.Is(err, io.EOF) {
			slog.Info("capture drained", "path", s.path, "frames", s.frame, "skipped", s.skipped)
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the underlying file when the source opened it.
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
