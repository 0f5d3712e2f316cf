package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/core/decoder"
	"firestige.xyz/dissect/internal/core/dissect"
	"firestige.xyz/dissect/internal/report"
)

func newTablesCmd(_ *rootOptions) *cobra.Command {
	var (
		table  string
		format string
	)
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List dissector tables and their registered keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := decoder.NewRegistry()
			if err != nil {
				return err
			}
			var infos []dissect.TableInfo
			for _, ti := range reg.Tables() {
				if table == "" || ti.Name == table {
					infos = append(infos, ti)
				}
			}
			if table != "" && len(infos) == 0 {
				return fmt.Errorf("no dissector table named %q", table)
			}

			w := cmd.OutOrStdout()
			switch format {
			case report.FormatJSON:
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			case report.FormatYAML:
				enc := yaml.NewEncoder(w)
				defer enc.Close()
				return enc.Encode(infos)
			case report.FormatText:
			default:
				return fmt.Errorf("invalid format %q, must be text, json or yaml", format)
			}
			for _, ti := range infos {
				fmt.Fprintf(w, "%s (%d entries)\n", ti.Name, len(ti.Entries))
				for _, e := range ti.Entries {
					fmt.Fprintf(w, "  %-10s %s\n", ti.FormatKey(e.Key), e.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "show only this table")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json or yaml")
	return cmd
}
