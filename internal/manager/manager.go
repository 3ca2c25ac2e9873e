// Package manager owns the extraction drivers: it starts and stops them as
// a unit, aggregates their statistics, and coordinates the shared worker
// queue and checkpoint during shutdown.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/checkpoint"
	"github.com/enrichd/enrichd/internal/driver"
	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/governor"
	"github.com/enrichd/enrichd/internal/picker"
	"github.com/enrichd/enrichd/internal/queue"
)

// Config controls the Manager.
type Config struct {
	// Kinds are the enabled enrichment kinds, already resolved from config.
	Kinds []enrich.Kind
	// Funcs maps each kind to its enrichment function. Kinds without a
	// function are logged and skipped, never fatal.
	Funcs map[enrich.KindID]enrich.Func
	// CheckpointPath is the durable progress file.
	CheckpointPath string
	// RunTime bounds the run; zero runs until Stop.
	RunTime time.Duration
	// Foreground processes batches inline instead of via the worker pool.
	Foreground bool
	// LocalOnly drops unreachable candidates before dispatch.
	LocalOnly bool
	// StopGrace bounds the wait for in-flight drivers during Stop.
	StopGrace time.Duration
	// MaxCPUPercent and MaxMemoryMB are the governor budgets.
	MaxCPUPercent float64
	MaxMemoryMB   float64
	// DispatchesPerSecond paces each driver's batch dispatches.
	DispatchesPerSecond float64
}

// Manager starts one driver per enabled kind and aggregates their state.
type Manager struct {
	cfg      Config
	picker   *picker.Picker
	queue    *queue.Queue
	governor *governor.Governor
	clock    enrich.Clock
	logger   *zap.Logger

	drivers map[enrich.KindID]*driver.Driver

	mu      sync.Mutex // guards checkpoint writes
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped sync.Once
}

// New constructs a Manager. The checkpoint at cfg.CheckpointPath seeds each
// driver's counters so progress resumes instead of restarting.
func New(
	cfg Config,
	pick *picker.Picker,
	q *queue.Queue,
	gov *governor.Governor,
	clock enrich.Clock,
	logger *zap.Logger,
) *Manager {
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		picker:   pick,
		queue:    q,
		governor: gov,
		clock:    clock,
		logger:   logger,
		drivers:  make(map[enrich.KindID]*driver.Driver),
	}

	states := checkpoint.Load(cfg.CheckpointPath, logger)
	for _, kind := range cfg.Kinds {
		fn, ok := cfg.Funcs[kind.ID]
		if !ok {
			logger.Warn("no enrichment function for kind, skipping", zap.String("kind", string(kind.ID)))
			continue
		}
		m.drivers[kind.ID] = driver.New(
			driver.Config{
				Kind:                kind,
				Fn:                  fn,
				Foreground:          cfg.Foreground,
				Bounded:             cfg.RunTime > 0,
				LocalOnly:           cfg.LocalOnly,
				MaxCPUPercent:       cfg.MaxCPUPercent,
				MaxMemoryMB:         cfg.MaxMemoryMB,
				DispatchesPerSecond: cfg.DispatchesPerSecond,
			},
			states[kind.ID],
			pick,
			q,
			gov,
			clock,
			m.flush,
			logger,
		)
	}
	return m
}

// Start launches the worker pool and one goroutine per driver. It returns
// immediately; Wait blocks until all drivers finish.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	if m.cfg.RunTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.RunTime)
	}
	m.cancel = cancel

	// The queue drains on its own context so workers can finish in-flight
	// items after the drivers are told to stop.
	m.queue.Start(context.WithoutCancel(ctx))

	for id, d := range m.drivers {
		m.wg.Add(1)
		go func(id enrich.KindID, d *driver.Driver) {
			defer m.wg.Done()
			d.Run(runCtx)
		}(id, d)
	}

	go m.summaryLoop(runCtx)
	m.logger.Info("process manager started", zap.Int("drivers", len(m.drivers)))
}

// Wait blocks until every driver has stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop signals every driver, waits out a bounded grace period for in-flight
// batches, stops the shared queue, and writes a final checkpoint. Safe to
// call multiple times.
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		m.logger.Info("stopping drivers")
		if m.cancel != nil {
			m.cancel()
		}

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.StopGrace):
			m.logger.Warn("drivers did not stop within grace period")
		}

		m.queue.Stop(true)

		if err := checkpoint.Save(m.snapshot(), m.cfg.CheckpointPath); err != nil {
			m.logger.Error("final checkpoint save failed", zap.Error(err))
		}
		m.logSummary()
	})
}

// Statistics returns a copy of every driver's current state.
func (m *Manager) Statistics() map[enrich.KindID]enrich.DriverState {
	return m.snapshot()
}

// statsSnapshot is the JSON layout of the statistics file.
type statsSnapshot struct {
	Timestamp  time.Time                       `json:"timestamp"`
	Processors map[enrich.KindID]processorStat `json:"processors"`
}

type processorStat struct {
	Scheduled int64     `json:"scheduled"`
	Processed int64     `json:"processed"`
	Errors    int64     `json:"errors"`
	LastRun   time.Time `json:"last_run"`
}

// SaveStatistics writes the aggregated statistics snapshot to path.
func (m *Manager) SaveStatistics(path string) error {
	snap := statsSnapshot{
		Timestamp:  m.clock.Now(),
		Processors: make(map[enrich.KindID]processorStat),
	}
	for id, state := range m.snapshot() {
		snap.Processors[id] = processorStat{
			Scheduled: state.Scheduled,
			Processed: state.Processed,
			Errors:    state.Errors,
			LastRun:   state.LastRunTime,
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write statistics: %w", err)
	}
	return nil
}

// flush persists the full checkpoint after one driver completes a batch.
// Serialized so concurrent drivers never interleave partial writes.
func (m *Manager) flush(enrich.KindID, enrich.DriverState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkpoint.Save(m.snapshot(), m.cfg.CheckpointPath); err != nil {
		m.logger.Error("checkpoint save failed", zap.Error(err))
	}
}

func (m *Manager) snapshot() checkpoint.File {
	states := checkpoint.File{}
	for id, d := range m.drivers {
		states[id] = d.State()
	}
	return states
}

// summaryLoop logs periodic scheduled/processed/error totals so a long run
// is observable from the log alone.
func (m *Manager) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var scheduled, processed, errors int64
			for _, state := range m.snapshot() {
				scheduled += state.Scheduled
				processed += state.Processed
				errors += state.Errors
			}
			m.logger.Info("progress summary",
				zap.Int64("scheduled", scheduled),
				zap.Int64("processed", processed),
				zap.Int64("errors", errors),
				zap.Int("queue_depth", m.queue.Depth()),
			)
		}
	}
}

func (m *Manager) logSummary() {
	for id, state := range m.snapshot() {
		m.logger.Info("final driver summary",
			zap.String("kind", string(id)),
			zap.Int64("scheduled", state.Scheduled),
			zap.Int64("processed", state.Processed),
			zap.Int64("errors", state.Errors),
			zap.Int64("skipped_files", state.SkippedFiles),
		)
	}
}
