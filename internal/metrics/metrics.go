// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets dissected by link type
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_packets_total",
			Help: "Total number of packets dissected",
		},
		[]string{"link_type"},
	)

	// BytesTotal counts captured bytes handed to the engine
	BytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_bytes_total",
			Help: "Total number of captured bytes dissected",
		},
	)

	// AnomaliesTotal counts decode anomalies by severity and protocol
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_anomalies_total",
			Help: "Total number of decode anomalies reported",
		},
		[]string{"severity", "protocol"},
	)

	// PanicsTotal counts dissector panics that were recovered
	PanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_panics_total",
			Help: "Total number of recovered dissector panics",
		},
	)

	// DissectLatencySeconds measures per-packet decode latency
	DissectLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dissect_latency_seconds",
			Help:    "Latency of a single packet dissection in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// ReassemblyActiveFlows tracks datagrams awaiting more fragments
	ReassemblyActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_reassembly_active_flows",
			Help: "Number of datagrams with fragments awaiting reassembly",
		},
	)

	// ReassemblyTotal counts reassembly outcomes
	ReassemblyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_reassembly_total",
			Help: "Total number of fragment reassembly events by result",
		},
		[]string{"result"}, // completed, conflict, duplicate, evicted, limit, rate_limited
	)

	// PipelineQueueDepth tracks packets queued per worker
	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dissect_pipeline_queue_depth",
			Help: "Number of packets waiting in a decode worker queue",
		},
		[]string{"worker"},
	)

	// ConversationsActive tracks the size of the conversation table
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_conversations_active",
			Help: "Current number of conversations tracked",
		},
	)

	// ReporterBatchSize tracks Kafka batch size distribution
	ReporterBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dissect_reporter_batch_size",
			Help:    "Number of results sent per reporter batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"reporter"},
	)

	// ReporterErrorsTotal counts reporter errors by name and error type
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_reporter_errors_total",
			Help: "Total number of reporter errors",
		},
		[]string{"reporter", "error_type"},
	)
)
