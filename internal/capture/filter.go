package capture

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Filter decides whether a captured frame is handed to the engine.
type Filter interface {
	Match(data []byte) bool
}

// BPFFilter runs a classic BPF program in user space.
type BPFFilter struct {
	vm *bpf.VM
}

// NewBPFFilter builds a filter from raw instructions, as produced by a
// filter compiler or tcpdump -ddd.
func NewBPFFilter(raw []bpf.RawInstruction) (*BPFFilter, error) {
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF program contains instructions the VM cannot run")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("invalid BPF program: %w", err)
	}
	return &BPFFilter{vm: vm}, nil
}

// Match reports whether the program accepts data.
func (f *BPFFilter) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}
