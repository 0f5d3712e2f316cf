package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"firestige.xyz/dissect/internal/capture"
	"firestige.xyz/dissect/internal/capture/bpfc"
	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/decoder"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/pipeline"
)

// runOutcome is what a finished capture run leaves behind.
type runOutcome struct {
	Stats         pipeline.Stats
	Skipped       uint64
	Pending       int
	Conversations *conversation.Table
}

// newEngine wires the registry, session and conversation table described
// by cfg.
func newEngine(cfg *config.GlobalConfig) (*dissect.Engine, *conversation.Table, error) {
	reg, err := decoder.NewRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build registry: %w", err)
	}
	sess := dissect.NewSession(cfg.ReassemblyTable(), cfg.Options())

	var engineOpts []dissect.EngineOption
	var convs *conversation.Table
	if cfg.Conversation.Enabled {
		convs = conversation.NewTable(cfg.Conversation.IdleTimeout)
		engineOpts = append(engineOpts, dissect.WithFlowSink(convs))
	}
	if !cfg.Decoder.Tree {
		engineOpts = append(engineOpts, dissect.WithoutTree())
	}
	return dissect.NewEngine(reg, sess, engineOpts...), convs, nil
}

// openSource opens a capture file and attaches the configured filter.
func openSource(path string, cfg *config.GlobalConfig) (*capture.FileSource, error) {
	src, err := capture.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Capture.Filter == "" {
		return src, nil
	}
	raw, err := bpfc.Compile(src.LinkType(), cfg.Capture.SnapLen, cfg.Capture.Filter)
	if err != nil {
		src.Close()
		return nil, err
	}
	f, err := capture.NewBPFFilter(raw)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.SetFilter(f)
	return src, nil
}

// limitedSource stops after limit frames.
type limitedSource struct {
	src   capture.Source
	limit uint64
}

func (l limitedSource) Capture(ctx context.Context, out chan<- core.RawPacket) error {
	for n := uint64(0); n < l.limit; n++ {
		pkt, err := l.src.Next()
		if err == io.EOF {
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
	return nil
}

// runCapture decodes path through a pipeline feeding reporters. count
// limits the number of frames read; zero reads the whole file.
func runCapture(ctx context.Context, cfg *config.GlobalConfig, path string, count uint64, reporters ...pipeline.Reporter) (*runOutcome, error) {
	engine, convs, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	src, err := openSource(path, cfg)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer srv.Stop(context.WithoutCancel(ctx))
		slog.Info("metrics server listening", "addr", srv.Addr())
	}

	b := pipeline.NewBuilder().
		WithWorkers(cfg.Pipeline.Workers).
		WithBufferSize(cfg.Pipeline.Buffer).
		WithStrategy(cfg.Pipeline.Dispatch).
		WithDecoder(engine).
		WithReassembly(engine.Session().Reassembly, cfg.Reassembly.SweepInterval)
	for _, r := range reporters {
		b.AddReporter(r)
	}
	p, err := b.Build()
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var in pipeline.Capturer = src
	if count > 0 {
		in = limitedSource{src: src, limit: count}
	}
	if err := p.Run(ctx, in); err != nil {
		return nil, err
	}

	out := &runOutcome{
		Stats:         p.Stats(),
		Skipped:       src.Skipped(),
		Pending:       engine.Session().Reassembly.Len(),
		Conversations: convs,
	}
	slog.Info("capture decoded",
		"file", path,
		"frames", out.Stats.Decoded,
		"filtered", out.Skipped,
		"with_anomaly", out.Stats.WithAnomaly,
		"reassembly_pending", out.Pending,
	)
	return out, nil
}
