package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/dissect/internal/core/dissect"
)

// ConsoleReporter writes each result to a stream, one record per packet.
type ConsoleReporter struct {
	mu      sync.Mutex
	w       io.Writer
	format  string
	verbose bool

	reportedCount atomic.Uint64
}

// ConsoleOption configures a ConsoleReporter.
type ConsoleOption func(*ConsoleReporter)

// WithWriter redirects output away from stdout.
func WithWriter(w io.Writer) ConsoleOption {
	return func(r *ConsoleReporter) { r.w = w }
}

// WithVerbose prints the field tree in text format.
func WithVerbose(v bool) ConsoleOption {
	return func(r *ConsoleReporter) { r.verbose = v }
}

// NewConsoleReporter creates a console reporter for format.
func NewConsoleReporter(format string, opts ...ConsoleOption) (*ConsoleReporter, error) {
	if format == "" {
		format = FormatText
	}
	if !ValidFormat(format) {
		return nil, fmt.Errorf("invalid format %q, must be text, json or yaml", format)
	}
	r := &ConsoleReporter{w: os.Stdout, format: format}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Name returns the reporter name.
func (r *ConsoleReporter) Name() string { return "console" }

// Report renders one result. Records from concurrent workers never
// interleave.
func (r *ConsoleReporter) Report(_ context.Context, res *dissect.Result) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	var buf bytes.Buffer
	if err := Render(&buf, res, r.format, r.verbose); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(buf.Bytes()); err != nil {
		return err
	}
	r.reportedCount.Add(1)
	return nil
}

// Flush is a no-op; every record is written as it is reported.
func (r *ConsoleReporter) Flush(context.Context) error {
	slog.Debug("console reporter flushed", "total_reported", r.reportedCount.Load())
	return nil
}
