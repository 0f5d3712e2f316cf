package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/dissect/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
dissect:
  log:
    level: "debug"
    format: "json"
  decoder:
    max_depth: 12
    ipv4:
      check_checksum: false
    juniper:
      ext_tlv_le: false
  reassembly:
    timeout: "15s"
    max_frags_per_source: 100
    rate_limit_window: "2s"
  shim6:
    session_ttl: "90s"
  pipeline:
    workers: 4
    dispatch: "consistent-hash"
  reporters:
    console:
      format: "yaml"
    kafka:
      enabled: true
      brokers:
        - "localhost:9092"
      topic: "dissect"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %s/%s, want debug/json", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Decoder.MaxDepth != 12 {
		t.Errorf("MaxDepth = %d, want 12", cfg.Decoder.MaxDepth)
	}
	if cfg.Reassembly.Timeout != 15*time.Second {
		t.Errorf("reassembly timeout = %v, want 15s", cfg.Reassembly.Timeout)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.Dispatch != "consistent-hash" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Reporters.Kafka.BatchSize != 100 || cfg.Reporters.Kafka.Compression != "snappy" {
		t.Errorf("kafka defaults not applied: %+v", cfg.Reporters.Kafka)
	}

	opts := cfg.Options()
	if opts.CheckIPv4Checksum || opts.JuniperExtTLVLE {
		t.Errorf("decoder switches not honoured: %+v", opts)
	}
	if !opts.ReassembleIPv6 || !opts.TryLowerPortFirst {
		t.Errorf("decoder defaults lost: %+v", opts)
	}
	if opts.Shim6SessionTTL != 90*time.Second {
		t.Errorf("Shim6SessionTTL = %v, want 90s", opts.Shim6SessionTTL)
	}

	tc := cfg.ReassemblyTable().Config()
	if tc.Timeout != 15*time.Second || tc.MaxFragsPerSource != 100 || tc.MaxFragments != 256 {
		t.Errorf("reassembly table config = %+v", tc)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Decoder.MaxDepth != 24 || cfg.Decoder.MaxExtHeaders != 32 || !cfg.Decoder.Tree {
		t.Errorf("decoder = %+v", cfg.Decoder)
	}
	if cfg.Pipeline.Dispatch != "flow-hash" || cfg.Pipeline.Workers != 1 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Conversation.IdleTimeout != 2*time.Minute {
		t.Errorf("conversation idle timeout = %v", cfg.Conversation.IdleTimeout)
	}
	if cfg.Capture.SnapLen != 262144 {
		t.Errorf("snap_len = %d", cfg.Capture.SnapLen)
	}
	if cfg.Reassembly.SweepInterval != time.Second {
		t.Errorf("sweep interval = %v", cfg.Reassembly.SweepInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DISSECT_LOG_LEVEL", "warn")
	t.Setenv("DISSECT_PIPELINE_WORKERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "dissect:\n  log:\n    level: loud\n"},
		{"log format", "dissect:\n  log:\n    format: xml\n"},
		{"max depth", "dissect:\n  decoder:\n    max_depth: 0\n"},
		{"dispatch", "dissect:\n  pipeline:\n    dispatch: random\n"},
		{"console format", "dissect:\n  reporters:\n    console:\n      format: csv\n"},
		{"kafka without brokers", "dissect:\n  reporters:\n    kafka:\n      enabled: true\n      topic: t\n"},
		{"kafka without topic", "dissect:\n  reporters:\n    kafka:\n      enabled: true\n      brokers: [\"b:9092\"]\n"},
		{"rate limit window", "dissect:\n  reassembly:\n    max_frags_per_source: 5\n    rate_limit_window: 0s\n"},
		{"file log without path", "dissect:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("error %v does not wrap ErrConfigInvalid", err)
			}
		})
	}
}
