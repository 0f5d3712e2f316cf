package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load the configuration named by --config, apply defaults and
environment overrides, and report whether it is valid.

Examples:
  dissect validate -c /etc/dissect/config.yml`,
		Args: cobra.NoArgs,
		// Loading is the point of the command; skip the root hook so an
		// invalid file is reported instead of failing early.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "INVALID: %v\n", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VALID: %d worker(s), dispatch %s, console %t (%s), kafka %t\n",
				cfg.Pipeline.Workers,
				cfg.Pipeline.Dispatch,
				cfg.Reporters.Console.Enabled,
				cfg.Reporters.Console.Format,
				cfg.Reporters.Kafka.Enabled,
			)
			return nil
		},
	}
}
