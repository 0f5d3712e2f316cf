package pipeline

import (
	"errors"
	"time"

	"firestige.xyz/dissect/internal/core/reassembly"
)

// Builder provides a fluent API for constructing pipelines.
type Builder struct {
	cfg Config
	err error
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithWorkers sets the number of decode workers.
func (b *Builder) WithWorkers(n int) *Builder {
	if n < 0 {
		b.err = errors.New("pipeline: negative worker count")
	}
	b.cfg.Workers = n
	return b
}

// WithBufferSize sets the per-worker queue size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.cfg.BufferSize = size
	return b
}

// WithStrategy sets the dispatch strategy by name.
func (b *Builder) WithStrategy(name string) *Builder {
	s, err := NewDispatchStrategy(name)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg.Strategy = s
	return b
}

// WithDecoder sets the packet decoder.
func (b *Builder) WithDecoder(d Decoder) *Builder {
	b.cfg.Decoder = d
	return b
}

// AddReporter appends a reporter.
func (b *Builder) AddReporter(r Reporter) *Builder {
	b.cfg.Reporters = append(b.cfg.Reporters, r)
	return b
}

// WithReassembly makes the pipeline sweep t every interval while running.
func (b *Builder) WithReassembly(t *reassembly.Table, interval time.Duration) *Builder {
	b.cfg.Reassembly = t
	b.cfg.SweepInterval = interval
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.cfg.Decoder == nil {
		return nil, errors.New("pipeline: decoder is required")
	}
	return New(b.cfg), nil
}
