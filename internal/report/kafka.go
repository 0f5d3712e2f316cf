package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// KafkaConfig represents Kafka reporter configuration.
type KafkaConfig struct {
	Brokers      []string      // required
	Topic        string        // required
	BatchSize    int           // default 100
	BatchTimeout time.Duration // default 100ms
	Compression  string        // none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           // default 3
}

func (c *KafkaConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	}
	return nil, fmt.Errorf("invalid compression type: %s", name)
}

// messageWriter is the subset of *kafka.Writer the reporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes a JSON Summary per packet, keyed by flow so a
// conversation stays on one partition.
type KafkaReporter struct {
	config KafkaConfig
	writer messageWriter

	mu      sync.Mutex
	pending []kafka.Message

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewKafkaReporter validates cfg and creates a reporter with a live writer.
func NewKafkaReporter(cfg KafkaConfig) (*KafkaReporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	cfg.applyDefaults()
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
	})
	slog.Info("kafka reporter created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression,
	)
	return newKafkaReporter(cfg, w), nil
}

func newKafkaReporter(cfg KafkaConfig, w messageWriter) *KafkaReporter {
	cfg.applyDefaults()
	return &KafkaReporter{config: cfg, writer: w, pending: make([]kafka.Message, 0, cfg.BatchSize)}
}

// Name returns the reporter name.
func (r *KafkaReporter) Name() string { return "kafka" }

// Report queues one summary and writes the batch once it is full.
func (r *KafkaReporter) Report(ctx context.Context, res *dissect.Result) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	msg, err := buildMessage(res)
	if err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("serialize result failed: %w", err)
	}

	r.mu.Lock()
	r.pending = append(r.pending, msg)
	var batch []kafka.Message
	if len(r.pending) >= r.config.BatchSize {
		batch = r.takeLocked()
	}
	r.mu.Unlock()

	if batch == nil {
		return nil
	}
	return r.write(ctx, batch)
}

func buildMessage(res *dissect.Result) (kafka.Message, error) {
	value, err := json.Marshal(Summarize(res))
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Value: value,
		Time:  res.Timestamp,
		Headers: []kafka.Header{
			{Key: "protocols", Value: []byte(strings.Join(res.Protocols, ":"))},
			{Key: "severity", Value: []byte(res.MaxSeverity().String())},
		},
	}
	if k := flowKey(res.Flow); k != "" {
		msg.Key = []byte(k)
	}
	return msg, nil
}

func (r *KafkaReporter) takeLocked() []kafka.Message {
	batch := r.pending
	r.pending = make([]kafka.Message, 0, r.config.BatchSize)
	return batch
}

func (r *KafkaReporter) write(ctx context.Context, batch []kafka.Message) error {
	metrics.ReporterBatchSize.WithLabelValues(r.Name()).Observe(float64(len(batch)))
	if err := r.writer.WriteMessages(ctx, batch...); err != nil {
		r.errorCount.Add(uint64(len(batch)))
		return fmt.Errorf("kafka write failed: %w", err)
	}
	r.reportedCount.Add(uint64(len(batch)))
	return nil
}

// Flush writes any queued summaries.
func (r *KafkaReporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.takeLocked()
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return r.write(ctx, batch)
}

// Close flushes and closes the underlying writer.
func (r *KafkaReporter) Close(ctx context.Context) error {
	flushErr := r.Flush(ctx)
	if err := r.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	slog.Info("kafka reporter stopped",
		"total_reported", r.reportedCount.Load(),
		"total_errors", r.errorCount.Load(),
	)
	return flushErr
}
