package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/pipeline"
	"firestige.xyz/dissect/internal/report"
)

// statsReport is the machine-readable output of the stats command.
type statsReport struct {
	File              string                `json:"file" yaml:"file"`
	Pipeline          pipeline.Stats        `json:"pipeline" yaml:"pipeline"`
	Filtered          uint64                `json:"filtered" yaml:"filtered"`
	ReassemblyPending int                   `json:"reassembly_pending" yaml:"reassembly_pending"`
	Protocols         report.StatsSummary   `json:"protocols" yaml:"protocols"`
	Conversations     []conversationSummary `json:"conversations,omitempty" yaml:"conversations,omitempty"`
}

type conversationSummary struct {
	A       string `json:"a" yaml:"a"`
	B       string `json:"b" yaml:"b"`
	Proto   uint8  `json:"proto" yaml:"proto"`
	Packets uint64 `json:"packets" yaml:"packets"`
	Bytes   uint64 `json:"bytes" yaml:"bytes"`
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	var (
		filter string
		format string
		top    int
	)
	cmd := &cobra.Command{
		Use:   "stats FILE",
		Short: "Summarize a capture file",
		Long: `Decode a capture file without printing frames and show the protocol
hierarchy, anomaly counts and the busiest conversations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("filter") {
				cfg.Capture.Filter = filter
			}
			cfg.Decoder.Tree = false
			cfg.Conversation.Enabled = true

			collector := report.NewStatsReporter()
			out, err := runCapture(cmd.Context(), cfg, args[0], 0, collector)
			if err != nil {
				return err
			}

			rep := statsReport{
				File:              args[0],
				Pipeline:          out.Stats,
				Filtered:          out.Skipped,
				ReassemblyPending: out.Pending,
				Protocols:         collector.Summary(),
				Conversations:     topConversations(out.Conversations, top),
			}
			return writeStats(cmd.OutOrStdout(), rep, format)
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "BPF filter expression")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json or yaml")
	cmd.Flags().IntVar(&top, "top", 10, "conversations to list")
	return cmd
}

func topConversations(t *conversation.Table, n int) []conversationSummary {
	if t == nil {
		return nil
	}
	var out []conversationSummary
	for i, c := range t.Snapshot() {
		if i >= n {
			break
		}
		out = append(out, conversationSummary{
			A:       c.A.String(),
			B:       c.B.String(),
			Proto:   c.Proto,
			Packets: c.Packets(),
			Bytes:   c.Bytes(),
		})
	}
	return out
}

func writeStats(w io.Writer, rep statsReport, format string) error {
	switch format {
	case report.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case report.FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(rep)
	case report.FormatText:
	default:
		return fmt.Errorf("invalid format %q, must be text, json or yaml", format)
	}

	fmt.Fprintf(w, "File: %s\n", rep.File)
	fmt.Fprintf(w, "Frames: %d decoded, %d filtered, %d with anomalies, %d malformed\n",
		rep.Pipeline.Decoded, rep.Filtered, rep.Pipeline.WithAnomaly, rep.Pipeline.Malformed)
	fmt.Fprintf(w, "Fragments: %d held, %d reassembled, %d incomplete\n",
		rep.Pipeline.Fragmented, rep.Pipeline.Reassembled, rep.ReassemblyPending)
	if err := rep.Protocols.WriteText(w); err != nil {
		return err
	}
	if len(rep.Conversations) > 0 {
		fmt.Fprintln(w, "Conversations")
		for _, c := range rep.Conversations {
			fmt.Fprintf(w, "  %s <-> %s proto=%d packets=%d bytes=%d\n", c.A, c.B, c.Proto, c.Packets, c.Bytes)
		}
	}
	return nil
}
