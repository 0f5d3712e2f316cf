// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/core/reassembly"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `dissect:` root key in YAML.
type GlobalConfig struct {
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Capture      CaptureConfig      `mapstructure:"capture"`
	Decoder      DecoderConfig      `mapstructure:"decoder"`
	Reassembly   ReassemblyConfig   `mapstructure:"reassembly"`
	Shim6        Shim6Config        `mapstructure:"shim6"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Reporters    ReportersConfig    `mapstructure:"reporters"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stderr.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Capture ───

// CaptureConfig configures capture file reading.
type CaptureConfig struct {
	Filter  string `mapstructure:"filter"`   // BPF expression, empty = all frames
	SnapLen int    `mapstructure:"snap_len"` // used when compiling Filter
}

// ─── Decoder ───

// DecoderConfig configures the dissection engine.
type DecoderConfig struct {
	MaxDepth      int           `mapstructure:"max_depth"`
	MaxExtHeaders int           `mapstructure:"max_ext_headers"`
	Tree          bool          `mapstructure:"tree"`
	IPv6          IPv6Config    `mapstructure:"ipv6"`
	IPv4          IPv4Config    `mapstructure:"ipv4"`
	UDP           UDPConfig     `mapstructure:"udp"`
	Juniper       JuniperConfig `mapstructure:"juniper"`
}

// IPv6Config controls IPv6 decoding.
type IPv6Config struct {
	Reassemble bool `mapstructure:"reassemble"`
}

// IPv4Config controls IPv4 decoding.
type IPv4Config struct {
	Reassemble    bool `mapstructure:"reassemble"`
	CheckChecksum bool `mapstructure:"check_checksum"`
}

// UDPConfig controls UDP payload dispatch.
type UDPConfig struct {
	TryLowerPortFirst bool `mapstructure:"try_lower_port_first"`
}

// JuniperConfig controls Juniper encapsulation decoding.
type JuniperConfig struct {
	ExtTLVLE bool `mapstructure:"ext_tlv_le"` // little-endian extension TLVs below type 128
}

// ─── Reassembly ───

// ReassemblyConfig configures the fragment reassembly table.
type ReassemblyConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MaxFragments      int           `mapstructure:"max_fragments"`
	MaxDatagramSize   int           `mapstructure:"max_datagram_size"`
	MaxFragsPerSource int           `mapstructure:"max_frags_per_source"` // 0 = unlimited
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// Shim6Config configures SHIM6 association tracking.
type Shim6Config struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// ─── Pipeline ───

// PipelineConfig configures the decode worker pool.
type PipelineConfig struct {
	Workers  int    `mapstructure:"workers"`
	Buffer   int    `mapstructure:"buffer"`
	Dispatch string `mapstructure:"dispatch"` // flow-hash | consistent-hash | round-robin
}

// ConversationConfig configures the conversation table.
type ConversationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// ─── Reporters ───

// ReportersConfig holds the output configurations.
type ReportersConfig struct {
	Console ConsoleReporterConfig `mapstructure:"console"`
	Kafka   KafkaReporterConfig   `mapstructure:"kafka"`
}

// ConsoleReporterConfig configures stdout output.
type ConsoleReporterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"` // text / json / yaml
	Verbose bool   `mapstructure:"verbose"`
}

// KafkaReporterConfig configures Kafka output.
type KafkaReporterConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"` // none / gzip / snappy / lz4
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dissect: ...`.
type configRoot struct {
	Dissect GlobalConfig `mapstructure:"dissect"`
}

// Load loads configuration from file. An empty path yields the defaults
// with environment overrides applied.
// The YAML file uses `dissect:` as root key; env vars map through the key
// replacer (e.g., key "dissect.log.level" → env "DISSECT_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dissect

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "dissect." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	opts := dissect.DefaultOptions()

	// Log defaults
	v.SetDefault("dissect.log.level", "info")
	v.SetDefault("dissect.log.format", "text")
	v.SetDefault("dissect.log.outputs.file.enabled", false)
	v.SetDefault("dissect.log.outputs.file.path", "/var/log/dissect/dissect.log")
	v.SetDefault("dissect.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dissect.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dissect.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dissect.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dissect.metrics.enabled", false)
	v.SetDefault("dissect.metrics.listen", ":9091")
	v.SetDefault("dissect.metrics.path", "/metrics")

	// Capture defaults
	v.SetDefault("dissect.capture.filter", "")
	v.SetDefault("dissect.capture.snap_len", 262144)

	// Decoder defaults
	v.SetDefault("dissect.decoder.max_depth", opts.MaxDepth)
	v.SetDefault("dissect.decoder.max_ext_headers", opts.MaxExtHeaders)
	v.SetDefault("dissect.decoder.tree", true)
	v.SetDefault("dissect.decoder.ipv6.reassemble", opts.ReassembleIPv6)
	v.SetDefault("dissect.decoder.ipv4.reassemble", opts.ReassembleIPv4)
	v.SetDefault("dissect.decoder.ipv4.check_checksum", opts.CheckIPv4Checksum)
	v.SetDefault("dissect.decoder.udp.try_lower_port_first", opts.TryLowerPortFirst)
	v.SetDefault("dissect.decoder.juniper.ext_tlv_le", opts.JuniperExtTLVLE)

	// Reassembly defaults
	v.SetDefault("dissect.reassembly.timeout", "60s")
	v.SetDefault("dissect.reassembly.sweep_interval", "1s")
	v.SetDefault("dissect.reassembly.max_fragments", 256)
	v.SetDefault("dissect.reassembly.max_datagram_size", 65535)
	v.SetDefault("dissect.reassembly.max_frags_per_source", 0)
	v.SetDefault("dissect.reassembly.rate_limit_window", "1s")

	v.SetDefault("dissect.shim6.session_ttl", opts.Shim6SessionTTL.String())

	// Pipeline defaults
	v.SetDefault("dissect.pipeline.workers", 1)
	v.SetDefault("dissect.pipeline.buffer", 1024)
	v.SetDefault("dissect.pipeline.dispatch", "flow-hash")

	v.SetDefault("dissect.conversation.enabled", true)
	v.SetDefault("dissect.conversation.idle_timeout", "2m")

	// Reporter defaults
	v.SetDefault("dissect.reporters.console.enabled", true)
	v.SetDefault("dissect.reporters.console.format", "text")
	v.SetDefault("dissect.reporters.kafka.enabled", false)
	v.SetDefault("dissect.reporters.kafka.batch_size", 100)
	v.SetDefault("dissect.reporters.kafka.batch_timeout", "100ms")
	v.SetDefault("dissect.reporters.kafka.compression", "snappy")
	v.SetDefault("dissect.reporters.kafka.max_attempts", 3)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every failure wraps core.ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Decoder limits ──
	if cfg.Decoder.MaxDepth <= 0 {
		return fmt.Errorf("%w: decoder.max_depth must be positive", core.ErrConfigInvalid)
	}
	if cfg.Decoder.MaxExtHeaders <= 0 {
		return fmt.Errorf("%w: decoder.max_ext_headers must be positive", core.ErrConfigInvalid)
	}
	if cfg.Reassembly.MaxDatagramSize < 0 || cfg.Reassembly.MaxFragments < 0 || cfg.Reassembly.MaxFragsPerSource < 0 {
		return fmt.Errorf("%w: reassembly limits must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Reassembly.MaxFragsPerSource > 0 && cfg.Reassembly.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: reassembly.rate_limit_window must be positive when max_frags_per_source is set", core.ErrConfigInvalid)
	}
	if cfg.Reassembly.SweepInterval <= 0 {
		cfg.Reassembly.SweepInterval = time.Second
	}

	// ── Pipeline ──
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 1
	}
	if cfg.Pipeline.Buffer <= 0 {
		cfg.Pipeline.Buffer = 1024
	}
	switch cfg.Pipeline.Dispatch {
	case "":
		cfg.Pipeline.Dispatch = "flow-hash"
	case "flow-hash", "consistent-hash", "round-robin":
	default:
		return fmt.Errorf("%w: unknown pipeline.dispatch %q", core.ErrConfigInvalid, cfg.Pipeline.Dispatch)
	}

	// ── Reporters ──
	switch cfg.Reporters.Console.Format {
	case "":
		cfg.Reporters.Console.Format = "text"
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("%w: invalid reporters.console.format %q (must be text/json/yaml)", core.ErrConfigInvalid, cfg.Reporters.Console.Format)
	}
	if cfg.Reporters.Kafka.Enabled {
		if len(cfg.Reporters.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: reporters.kafka.brokers is required when reporters.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Reporters.Kafka.Topic == "" {
			return fmt.Errorf("%w: reporters.kafka.topic is required when reporters.kafka.enabled=true", core.ErrConfigInvalid)
		}
	}

	return nil
}

// Options converts the decoder settings into engine options.
func (cfg *GlobalConfig) Options() dissect.Options {
	return dissect.Options{
		MaxDepth:          cfg.Decoder.MaxDepth,
		MaxExtHeaders:     cfg.Decoder.MaxExtHeaders,
		ReassembleIPv6:    cfg.Decoder.IPv6.Reassemble,
		ReassembleIPv4:    cfg.Decoder.IPv4.Reassemble,
		CheckIPv4Checksum: cfg.Decoder.IPv4.CheckChecksum,
		TryLowerPortFirst: cfg.Decoder.UDP.TryLowerPortFirst,
		JuniperExtTLVLE:   cfg.Decoder.Juniper.ExtTLVLE,
		Shim6SessionTTL:   cfg.Shim6.SessionTTL,
	}
}

// ReassemblyTable builds the fragment table described by the reassembly
// section.
func (cfg *GlobalConfig) ReassemblyTable() *reassembly.Table {
	return reassembly.NewTable(reassembly.Config{
		MaxFragments:      cfg.Reassembly.MaxFragments,
		MaxDatagramSize:   cfg.Reassembly.MaxDatagramSize,
		Timeout:           cfg.Reassembly.Timeout,
		MaxFragsPerSource: cfg.Reassembly.MaxFragsPerSource,
		RateLimitWindow:   cfg.Reassembly.RateLimitWindow,
	})
}
