package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/ledger"
	"github.com/agenticlab/distill/internal/monitor"
	"github.com/agenticlab/distill/internal/pipeline"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute a distillation run until every scenario quota is met",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			log := newLogger(cfg.LogFormat, cfg.LogLevel)
			slog.SetDefault(log)

			opts := []pipeline.Option{pipeline.WithLogger(log)}
			if cfg.LedgerPath != "" {
				l, err := ledger.Open(cfg.LedgerPath)
				if err != nil {
					return fmt.Errorf("open ledger: %w", err)
				}
				defer l.Close()
				opts = append(opts, pipeline.WithLedger(l))
			}

			p, err := pipeline.New(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Graceful shutdown on SIGINT/SIGTERM.
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-stop
				log.Info("shutdown requested, draining in-flight episodes")
				cancel()
			}()

			if cfg.MonitorInterval > 0 {
				go monitor.NewService(log, cfg.MonitorInterval.Std()).Run(ctx)
			}

			log.Info("starting run",
				"run", cfg.RunName,
				"scenarios", len(cfg.Scenarios),
				"workers", cfg.Concurrency.MaxWorkers,
				"export_dir", p.ExportDir())

			progress, err := p.Run(ctx)
			for name, count := range progress {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d accepted\n", name, count)
			}
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
