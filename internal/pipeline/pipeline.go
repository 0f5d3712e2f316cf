// Package pipeline runs capture, dissection and reporting concurrently.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
	"firestige.xyz/dissect/internal/metrics"
)

// Capturer feeds raw packets into the pipeline. Capture must return when
// the source is exhausted or ctx is cancelled; it does not close out.
type Capturer interface {
	Capture(ctx context.Context, out chan<- core.RawPacket) error
}

// Decoder turns a raw packet into a dissection result.
type Decoder interface {
	Dissect(raw core.RawPacket) *dissect.Result
}

// Reporter receives every dissection result. Report is called from many
// workers concurrently.
type Reporter interface {
	Name() string
	Report(ctx context.Context, res *dissect.Result) error
	Flush(ctx context.Context) error
}

// Config contains pipeline configuration.
type Config struct {
	Workers       int
	BufferSize    int
	Strategy      DispatchStrategy
	Decoder       Decoder
	Reporters     []Reporter
	Reassembly    *reassembly.Table
	SweepInterval time.Duration
}

// Pipeline fans packets out to a pool of decode workers. Each worker owns
// one queue; the dispatch strategy keeps a flow on a single worker so that
// per-flow decode state is observed in capture order.
type Pipeline struct {
	cfg     Config
	queues  []chan core.RawPacket
	metrics Metrics
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &FlowHashStrategy{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	p := &Pipeline{cfg: cfg, queues: make([]chan core.RawPacket, cfg.Workers)}
	for i := range p.queues {
		p.queues[i] = make(chan core.RawPacket, cfg.BufferSize)
	}
	return p
}

// Run drives src until it is exhausted or ctx is cancelled, then drains
// the workers and flushes every reporter. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context, src Capturer) error {
	if p.cfg.Decoder == nil {
		return errors.New("pipeline: decoder is nil")
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if p.cfg.Reassembly != nil {
		go p.cfg.Reassembly.Run(janitorCtx, p.cfg.SweepInterval)
	}

	var wg sync.WaitGroup
	for i := range p.queues {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	in := make(chan core.RawPacket, p.cfg.BufferSize)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Capture(ctx, in)
		close(in)
	}()

	slog.Info("pipeline started", "workers", len(p.queues), "strategy", p.cfg.Strategy.Name())
	p.dispatch(in)

	for _, q := range p.queues {
		close(q)
	}
	wg.Wait()
	stopJanitor()

	captureErr := <-errCh
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, r := range p.cfg.Reporters {
		if err := r.Flush(flushCtx); err != nil {
			slog.Error("reporter flush failed", "reporter", r.Name(), "error", err)
			metrics.ReporterErrorsTotal.WithLabelValues(r.Name(), "flush").Inc()
		}
	}

	st := p.Stats()
	slog.Info("pipeline stopped", "received", st.Received, "decoded", st.Decoded, "malformed", st.Malformed)
	if captureErr != nil && !errors.Is(captureErr, context.Canceled) && !errors.Is(captureErr, context.DeadlineExceeded) {
		return captureErr
	}
	return nil
}

func (p *Pipeline) dispatch(in <-chan core.RawPacket) {
	n := len(p.queues)
	for pkt := range in {
		p.metrics.Received.Add(1)
		idx := 0
		if n > 1 {
			idx = p.cfg.Strategy.Dispatch(pkt, n)
		}
		p.queues[idx] <- pkt
		metrics.PipelineQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(p.queues[idx])))
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	label := strconv.Itoa(id)
	for pkt := range p.queues[id] {
		res := p.cfg.Decoder.Dissect(pkt)
		p.metrics.observe(res)
		for _, r := range p.cfg.Reporters {
			if err := r.Report(ctx, res); err != nil {
				p.metrics.ReportErrors.Add(1)
				metrics.ReporterErrorsTotal.WithLabelValues(r.Name(), "report").Inc()
				slog.Debug("reporter failed", "reporter", r.Name(), "frame", res.Frame, "error", err)
				continue
			}
			p.metrics.Reported.Add(1)
		}
		metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(p.queues[id])))
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}
