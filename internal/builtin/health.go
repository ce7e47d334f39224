package builtin

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"upkeep/internal/engine"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// Sample is one snapshot of host resource usage.
type Sample struct {
	CPUPercent    float64            `json:"cpu_percent"`
	MemoryPercent float64            `json:"memory_percent"`
	DiskPercent   map[string]float64 `json:"disk_percent"`
	Load1         float64            `json:"load1"`
	NumCPU        int                `json:"num_cpu"`
}

// Sampler collects a Sample for the given mount points.
type Sampler interface {
	Sample(ctx context.Context, diskPaths []string) (Sample, error)
}

type hostSampler struct{}

func (hostSampler) Sample(ctx context.Context, diskPaths []string) (Sample, error) {
	s := Sample{DiskPercent: map[string]float64{}, NumCPU: runtime.NumCPU()}

	pct, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil {
		return s, fmt.Errorf("cpu: %w", err)
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory: %w", err)
	}
	s.MemoryPercent = vm.UsedPercent
	for _, p := range diskPaths {
		u, err := disk.UsageWithContext(ctx, p)
		if err != nil {
			return s, fmt.Errorf("disk %s: %w", p, err)
		}
		s.DiskPercent[p] = u.UsedPercent
	}
	// Load average is not available everywhere; leave it zero.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	return s, nil
}

// HealthReport is the return value of system.health.
type HealthReport struct {
	Sample
	Alerts []string `json:"alerts,omitempty"`
}

type healthHandler struct{ d Deps }

// Run samples the host and fails (without retry) when any threshold is exceeded,
// so the failure surfaces through alerting.
func (h healthHandler) Run(ctx context.Context, inv job.Invocation) (any, error) {
	cfg := h.d.cfg()
	paths := cfg.Strings("monitoring.disk_paths", []string{"/"})
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	s, err := h.d.Sampler.Sample(ctx, paths)
	if err != nil {
		return nil, err
	}

	rep := HealthReport{Sample: s}
	check := func(what string, got, limit float64) {
		if limit > 0 && got >= limit {
			rep.Alerts = append(rep.Alerts, fmt.Sprintf("%s %.1f >= %.1f", what, got, limit))
		}
	}
	check("cpu%", s.CPUPercent, cfg.Float("monitoring.alert_thresholds.cpu_percent", 80))
	check("mem%", s.MemoryPercent, cfg.Float("monitoring.alert_thresholds.memory_percent", 85))
	diskLimit := cfg.Float("monitoring.alert_thresholds.disk_percent", 90)
	mounts := make([]string, 0, len(s.DiskPercent))
	for p := range s.DiskPercent {
		mounts = append(mounts, p)
	}
	sort.Strings(mounts)
	for _, p := range mounts {
		check("disk% "+p, s.DiskPercent[p], diskLimit)
	}
	if s.NumCPU > 0 {
		check("load1/cpu", s.Load1/float64(s.NumCPU), cfg.Float("monitoring.alert_thresholds.load1", 2))
	}

	if len(rep.Alerts) > 0 {
		h.d.Log.Warn("health thresholds exceeded", logx.String("job_id", inv.JobID), logx.Strings("alerts", rep.Alerts))
		return rep, engine.NoRetry(fmt.Errorf("thresholds exceeded: %s", strings.Join(rep.Alerts, "; ")))
	}
	return rep, nil
}
