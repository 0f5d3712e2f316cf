package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/pipeline"
	"firestige.xyz/dissect/internal/report"
)

type decodeOptions struct {
	filter   string
	format   string
	verbose  bool
	workers  int
	dispatch string
	count    uint64
	noTree   bool
}

func newDecodeCmd(root *rootOptions) *cobra.Command {
	o := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode every frame of a capture file",
		Long: `Decode a pcap or pcapng file and print one record per frame.

Records go to stdout in text, json or yaml; with --verbose the text format
includes the full field tree. Kafka output is enabled in the config file.

Examples:
  dissect decode trace.pcapng
  dissect decode -f "ip6 and udp" --format json trace.pcap
  dissect decode -v -n 10 juniper.pcap`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, root, o, args[0])
		},
	}

	cmd.Flags().StringVarP(&o.filter, "filter", "f", "", "BPF filter expression")
	cmd.Flags().StringVar(&o.format, "format", "", "output format: text, json or yaml")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "print the field tree (text format)")
	cmd.Flags().IntVarP(&o.workers, "workers", "w", 0, "decode workers")
	cmd.Flags().StringVar(&o.dispatch, "dispatch", "", "worker dispatch: flow-hash, consistent-hash or round-robin")
	cmd.Flags().Uint64VarP(&o.count, "count", "n", 0, "stop after this many frames")
	cmd.Flags().BoolVar(&o.noTree, "no-tree", false, "skip field recording; report summaries only")
	return cmd
}

func runDecode(cmd *cobra.Command, root *rootOptions, o *decodeOptions, path string) error {
	cfg := root.cfg
	flags := cmd.Flags()
	if flags.Changed("filter") {
		cfg.Capture.Filter = o.filter
	}
	if flags.Changed("format") {
		cfg.Reporters.Console.Format = o.format
	}
	if flags.Changed("verbose") {
		cfg.Reporters.Console.Verbose = o.verbose
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers = o.workers
	}
	if flags.Changed("dispatch") {
		cfg.Pipeline.Dispatch = o.dispatch
	}
	if o.noTree {
		cfg.Decoder.Tree = false
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return err
	}

	var reporters []pipeline.Reporter
	if cfg.Reporters.Console.Enabled {
		console, err := report.NewConsoleReporter(cfg.Reporters.Console.Format,
			report.WithWriter(cmd.OutOrStdout()),
			report.WithVerbose(cfg.Reporters.Console.Verbose))
		if err != nil {
			return err
		}
		reporters = append(reporters, console)
	}
	if k := cfg.Reporters.Kafka; k.Enabled {
		kr, err := report.NewKafkaReporter(report.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchSize:    k.BatchSize,
			BatchTimeout: k.BatchTimeout,
			Compression:  k.Compression,
			MaxAttempts:  k.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka reporter: %w", err)
		}
		defer kr.Close(context.Background())
		reporters = append(reporters, kr)
	}

	_, err := runCapture(cmd.Context(), cfg, path, o.count, reporters...)
	return err
}
