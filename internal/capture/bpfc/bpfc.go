// Package bpfc compiles tcpdump filter expressions with libpcap. It is kept
// apart from package capture so that only callers taking expressions need
// cgo.
package bpfc

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// DefaultSnapLen is the snapshot length used when the caller has none.
const DefaultSnapLen = 262144

// Compile translates expr into raw BPF for captures of linkType.
func Compile(linkType uint32, snapLen int, expr string) ([]bpf.RawInstruction, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	prog, err := pcap.CompileBPFFilter(layers.LinkType(linkType), snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", expr, err)
	}
	raw := make([]bpf.RawInstruction, len(prog))
	for i, ins := range prog {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}
