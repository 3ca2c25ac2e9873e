// Package governor decides whether new background work may start based on
// current process resource pressure.
package governor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/metrics"
)

// Sampler reports current process resource usage. The production sampler is
// backed by gopsutil; tests substitute a fake.
type Sampler interface {
	// CPUPercent samples process CPU usage over a short window.
	CPUPercent(ctx context.Context) (float64, error)
	// ResidentMemoryMB returns current resident set size in megabytes.
	ResidentMemoryMB(ctx context.Context) (float64, error)
}

// Reclaimer attempts a best-effort memory reclaim. Substitutable in tests.
type Reclaimer func()

// Governor samples resource usage and gates new work. It holds no state
// across calls; MayProceed must be re-checked before every batch.
type Governor struct {
	sampler   Sampler
	reclaim   Reclaimer
	cpuWindow time.Duration
	logger    *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithSampler overrides the resource sampler.
func WithSampler(s Sampler) Option {
	return func(g *Governor) { g.sampler = s }
}

// WithReclaimer overrides the memory reclaim hook.
func WithReclaimer(r Reclaimer) Option {
	return func(g *Governor) { g.reclaim = r }
}

// New constructs a Governor sampling the current process.
func New(logger *zap.Logger, opts ...Option) (*Governor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cpuWindow: 200 * time.Millisecond,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sampler == nil {
		s, err := newProcessSampler(g.cpuWindow)
		if err != nil {
			return nil, fmt.Errorf("init process sampler: %w", err)
		}
		g.sampler = s
	}
	if g.reclaim == nil {
		g.reclaim = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
	return g, nil
}

// MayProceed reports whether new work may start under the given budgets.
// If resident memory exceeds maxMemoryMB it triggers one best-effort reclaim
// and resamples before deciding. A budget of zero disables that check.
func (g *Governor) MayProceed(ctx context.Context, maxCPUPercent float64, maxMemoryMB float64) bool {
	if maxMemoryMB > 0 {
		memMB, err := g.sampler.ResidentMemoryMB(ctx)
		if err != nil {
			g.logger.Warn("memory sample failed, allowing work", zap.Error(err))
		} else if memMB > maxMemoryMB {
			g.logger.Debug("memory over budget, attempting reclaim",
				zap.Float64("resident_mb", memMB),
				zap.Float64("budget_mb", maxMemoryMB),
			)
			metrics.ObserveGovernorReclaim()
			g.reclaim()
			memMB, err = g.sampler.ResidentMemoryMB(ctx)
			if err == nil && memMB > maxMemoryMB {
				metrics.ObserveGovernorDenial("memory")
				g.logger.Info("deferring work, memory over budget after reclaim",
					zap.Float64("resident_mb", memMB),
					zap.Float64("budget_mb", maxMemoryMB),
				)
				return false
			}
		}
	}

	if maxCPUPercent > 0 {
		cpu, err := g.sampler.CPUPercent(ctx)
		if err != nil {
			g.logger.Warn("cpu sample failed, allowing work", zap.Error(err))
			return true
		}
		if cpu > maxCPUPercent {
			metrics.ObserveGovernorDenial("cpu")
			g.logger.Info("deferring work, cpu over budget",
				zap.Float64("cpu_percent", cpu),
				zap.Float64("budget_percent", maxCPUPercent),
			)
			return false
		}
	}

	return true
}

// processSampler samples the current process via gopsutil.
type processSampler struct {
	proc      *process.Process
	cpuWindow time.Duration
}

func newProcessSampler(window time.Duration) (*processSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process handle: %w", err)
	}
	return &processSampler{proc: proc, cpuWindow: window}, nil
}

// CPUPercent blocks for the sampling window to measure usage over it rather
// than since process start.
func (s *processSampler) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := s.proc.PercentWithContext(ctx, s.cpuWindow)
	if err != nil {
		return 0, fmt.Errorf("sample cpu: %w", err)
	}
	// Normalize to the whole machine so budgets are host-relative.
	return pct / float64(runtime.NumCPU()), nil
}

func (s *processSampler) ResidentMemoryMB(ctx context.Context) (float64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("sample memory: %w", err)
	}
	return float64(info.RSS) / (1024 * 1024), nil
}
