package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/generators"
)

func newPreviewCmd(cfgPath *string) *cobra.Command {
	var scenario string
	var count int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Draw sample prompts without calling any model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			for idx, sc := range cfg.Scenarios {
				if scenario != "" && sc.Name != scenario {
					continue
				}
				gen, err := generators.New(sc, cfg.Seed+int64(idx))
				if err != nil {
					return err
				}
				for i := 0; i < count; i++ {
					sample, err := gen.Sample()
					if err != nil {
						return fmt.Errorf("scenario %s: %w", sc.Name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "=== %s (%s)\n", sample.ScenarioID, sc.Name)
					fmt.Fprintln(cmd.OutOrStdout(), "--- system")
					fmt.Fprintln(cmd.OutOrStdout(), sample.SystemPrompt)
					fmt.Fprintln(cmd.OutOrStdout(), "--- user")
					fmt.Fprintln(cmd.OutOrStdout(), sample.UserPrompt)
					if len(sample.Tools) > 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "--- tools")
						for _, tool := range sample.Tools {
							fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", tool.Name, tool.Description)
						}
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "limit to one scenario by name")
	cmd.Flags().IntVar(&count, "count", 1, "samples per scenario")
	return cmd
}
