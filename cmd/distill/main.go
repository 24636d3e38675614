package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "distill",
		Short: "Agentic trace distillation orchestrator",
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "distill.yaml", "config file path")

	root.AddCommand(newInitCmd())
	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newPreviewCmd(&cfgPath))
	root.AddCommand(newStatusCmd(&cfgPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "distill %s (%s) %s\n", Version, Commit, BuildTime)
		},
	}
}
