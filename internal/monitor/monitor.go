// Package monitor samples host utilization during a run. Long distillation
// runs saturate CPU and network; periodic snapshots in the run log make it
// possible to correlate throughput dips with host pressure afterwards.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one host utilization sample.
type Snapshot struct {
	CPUUsage    float64
	CPUCores    int
	LoadAverage []float64
	MemUsedPct  float64
	MemUsed     uint64
	MemTotal    uint64
	Platform    string
	CollectedAt time.Time
}

// Service periodically collects snapshots and logs them.
type Service struct {
	log      *slog.Logger
	interval time.Duration
}

// NewService builds a sampler with the given interval.
func NewService(log *slog.Logger, interval time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, interval: interval}
}

// Run samples until the context is canceled. Intended to run in its own
// goroutine alongside the pipeline.
func (s *Service) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := Collect(ctx)
			s.log.Info("host snapshot",
				"cpu_usage_pct", snap.CPUUsage,
				"cpu_cores", snap.CPUCores,
				"load_avg", snap.LoadAverage,
				"mem_used_pct", snap.MemUsedPct,
			)
		}
	}
}

// Collect gathers one snapshot. Collection failures degrade to zero values
// rather than aborting; monitoring must never take down a run.
func Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		CPUCores:    runtime.NumCPU(),
		Platform:    runtime.GOOS,
		CollectedAt: time.Now(),
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUUsage = percents[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemUsedPct = vm.UsedPercent
		snap.MemUsed = vm.Used
		snap.MemTotal = vm.Total
	}
	return snap
}
