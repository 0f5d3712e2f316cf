// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/log"
)

// rootOptions carries global flags and the configuration loaded from them.
type rootOptions struct {
	configFile string
	cfg        *config.GlobalConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "dissect",
		Short: "dissect - protocol dissection of packet captures",
		Long: `dissect decodes packet captures into protocol field trees.

It reads pcap and pcapng files, walks every frame through the protocol
dissectors (link layers, IPv4/IPv6 with extension headers and reassembly,
transports, tunnels, PPP and Juniper encapsulations) and reports each frame
with its anomalies to the console or to Kafka.`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return log.Init(cfg.Log)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(newDecodeCmd(opts))
	rootCmd.AddCommand(newStatsCmd(opts))
	rootCmd.AddCommand(newTablesCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return newRootCmd().Execute()
}
