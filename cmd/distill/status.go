package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/ledger"
)

func newStatusCmd(cfgPath *string) *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize ledger outcomes for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.LedgerPath == "" {
				return fmt.Errorf("ledger_path is not set in %s", *cfgPath)
			}
			if run == "" {
				run = cfg.RunName
			}

			l, err := ledger.Open(cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer l.Close()

			summary, err := l.Summary(run)
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(summary))
			for status := range summary {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", run)
			for _, status := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", status, summary[status])
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "  no ledger entries")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "run name (default: run_name from config)")
	return cmd
}
