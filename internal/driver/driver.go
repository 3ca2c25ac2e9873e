// Package driver implements the per-kind extraction scheduling loop.
//
// Each driver runs an independent cycle: wait out its poll interval, select
// a batch of candidates, hold in a governed wait while the host is under
// resource pressure, dispatch the batch to the shared worker queue, fold the
// outcomes into its durable state, and flush the checkpoint. A single bad
// batch increments the error counter and triggers a cooldown; it never
// crashes the process.
package driver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/governor"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/picker"
	"github.com/enrichd/enrichd/internal/queue"
)

// Default pacing and backoff knobs.
const (
	defaultGovernedWait  = 5 * time.Second
	defaultErrorCooldown = 60 * time.Second
	maxEmptyBackoff      = time.Hour
)

// Config controls one driver.
type Config struct {
	Kind enrich.Kind
	// Fn is the enrichment function dispatched for each candidate.
	Fn enrich.Func
	// Foreground processes batches inline instead of via the worker pool.
	Foreground bool
	// Bounded indicates a bounded run (--run-time); the driver terminates
	// instead of backing off when selection comes up empty.
	Bounded bool
	// LocalOnly drops candidates whose volume is unreachable before they
	// take a queue slot, counting them as skipped.
	LocalOnly bool
	// MaxCPUPercent and MaxMemoryMB are the resource governor budgets.
	// Zero disables the respective check.
	MaxCPUPercent float64
	MaxMemoryMB   float64
	// DispatchesPerSecond paces batch dispatches. Zero means unlimited.
	DispatchesPerSecond float64
	// GovernedWait is the sleep between governor re-checks.
	GovernedWait time.Duration
	// ErrorCooldown is the sleep after a failed selection/dispatch cycle.
	ErrorCooldown time.Duration
}

// Driver owns the scheduling loop and the durable state for one kind. The
// state is mutated only by this driver (outcome callbacks included), guarded
// by a channel-free convention: all mutation happens through recordOutcome
// and the run loop, synchronized by the batch wait.
type Driver struct {
	cfg      Config
	picker   *picker.Picker
	queue    *queue.Queue
	governor *governor.Governor
	limiter  *rate.Limiter
	clock    enrich.Clock
	logger   *zap.Logger

	// flush persists the driver's state after every completed batch.
	flush func(enrich.KindID, enrich.DriverState)

	stateCh chan enrich.DriverState // single-slot mailbox owning the state
}

// New constructs a Driver seeded with the checkpointed state.
func New(
	cfg Config,
	initial enrich.DriverState,
	pick *picker.Picker,
	q *queue.Queue,
	gov *governor.Governor,
	clock enrich.Clock,
	flush func(enrich.KindID, enrich.DriverState),
	logger *zap.Logger,
) *Driver {
	if cfg.GovernedWait <= 0 {
		cfg.GovernedWait = defaultGovernedWait
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = defaultErrorCooldown
	}
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.DispatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchesPerSecond), 1)
	}
	d := &Driver{
		cfg:      cfg,
		picker:   pick,
		queue:    q,
		governor: gov,
		limiter:  limiter,
		clock:    clock,
		logger:   logger.With(zap.String("kind", string(cfg.Kind.ID))),
		flush:    flush,
		stateCh:  make(chan enrich.DriverState, 1),
	}
	d.stateCh <- initial
	return d
}

// State returns a copy of the current counters.
func (d *Driver) State() enrich.DriverState {
	s := <-d.stateCh
	d.stateCh <- s
	return s
}

func (d *Driver) mutate(fn func(*enrich.DriverState)) enrich.DriverState {
	s := <-d.stateCh
	fn(&s)
	d.stateCh <- s
	return s
}

// Run executes the scheduling loop until ctx is canceled or, for bounded
// runs, until selection comes up empty.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("driver started",
		zap.Int("batch_size", d.cfg.Kind.BatchSize),
		zap.Duration("interval", d.cfg.Kind.Interval),
		zap.Int("priority", d.cfg.Kind.Priority),
	)
	for {
		// IDLE: wait out the poll interval since the last run.
		if !d.sleepUntilDue(ctx) {
			break
		}

		done, err := d.cycle(ctx)
		if err != nil {
			d.mutate(func(s *enrich.DriverState) { s.Errors++ })
			metrics.ObserveBatch(string(d.cfg.Kind.ID), "error")
			d.logger.Error("cycle failed, cooling down",
				zap.Duration("cooldown", d.cfg.ErrorCooldown),
				zap.Error(err),
			)
			if !sleepCtx(ctx, d.cfg.ErrorCooldown) {
				break
			}
			continue
		}
		if done {
			break
		}
	}
	d.logger.Info("driver stopped")
}

// cycle runs one SELECTING -> (GOVERNED_WAIT) -> DISPATCHING pass. done is
// true when a bounded run has exhausted its candidates.
func (d *Driver) cycle(ctx context.Context) (done bool, err error) {
	// SELECTING
	records, err := d.picker.PickForEnrichment(ctx, d.cfg.Kind, d.cfg.Kind.BatchSize)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		metrics.ObserveBatch(string(d.cfg.Kind.ID), "empty")
		if d.cfg.Bounded {
			d.logger.Info("no candidates remain, terminating bounded run")
			return true, nil
		}
		// Back off rather than busy-poll an exhausted store.
		backoff := 2 * d.cfg.Kind.Interval
		if backoff > maxEmptyBackoff {
			backoff = maxEmptyBackoff
		}
		if backoff < d.cfg.Kind.Interval {
			backoff = d.cfg.Kind.Interval
		}
		d.logger.Debug("no candidates, backing off", zap.Duration("backoff", backoff))
		d.mutate(func(s *enrich.DriverState) { s.LastRunTime = d.clock.Now() })
		if !sleepCtx(ctx, backoff-d.cfg.Kind.Interval) {
			return true, nil
		}
		return false, nil
	}

	if d.cfg.LocalOnly {
		reachable := records[:0]
		for _, record := range records {
			if _, ok := d.picker.ResolveLocalPath(record); !ok {
				d.mutate(func(s *enrich.DriverState) { s.SkippedFiles++ })
				continue
			}
			reachable = append(reachable, record)
		}
		records = reachable
		if len(records) == 0 {
			metrics.ObserveBatch(string(d.cfg.Kind.ID), "empty")
			return false, nil
		}
	}

	// GOVERNED_WAIT: re-check before every batch, stay responsive to stop.
	for !d.governor.MayProceed(ctx, d.cfg.MaxCPUPercent, d.cfg.MaxMemoryMB) {
		d.logger.Debug("governed wait", zap.Duration("delay", d.cfg.GovernedWait))
		if !sleepCtx(ctx, d.cfg.GovernedWait) {
			return true, nil
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return true, nil
		}
	}

	// DISPATCHING
	d.dispatch(ctx, records)

	state := d.mutate(func(s *enrich.DriverState) {
		s.LastRunTime = d.clock.Now()
		s.LastFileID = records[len(records)-1].ID
	})
	if d.flush != nil {
		d.flush(d.cfg.Kind.ID, state)
	}
	metrics.ObserveBatch(string(d.cfg.Kind.ID), "dispatched")
	d.logger.Info("batch complete",
		zap.Int("batch", len(records)),
		zap.Int64("scheduled", state.Scheduled),
		zap.Int64("processed", state.Processed),
		zap.Int64("errors", state.Errors),
	)
	return false, nil
}

// dispatch hands the batch to the worker queue (or processes it inline) and
// blocks until every item's outcome has been reported.
func (d *Driver) dispatch(ctx context.Context, records []enrich.FileRecord) {
	outcomes := make(chan enrich.Outcome, len(records))
	items := make([]enrich.WorkItem, 0, len(records))
	for _, record := range records {
		items = append(items, enrich.WorkItem{
			Record:   record,
			Fn:       d.cfg.Fn,
			Kind:     d.cfg.Kind.ID,
			Priority: d.cfg.Kind.Priority,
			Done:     func(o enrich.Outcome) { outcomes <- o },
		})
	}

	var accepted int
	if d.cfg.Foreground {
		accepted = len(items)
		d.mutate(func(s *enrich.DriverState) { s.Scheduled += int64(accepted) })
		metrics.ObserveScheduled(string(d.cfg.Kind.ID), accepted)
		for _, item := range items {
			d.queue.Process(ctx, item)
		}
	} else {
		accepted = d.queue.Submit(items)
		d.mutate(func(s *enrich.DriverState) { s.Scheduled += int64(accepted) })
		metrics.ObserveScheduled(string(d.cfg.Kind.ID), accepted)
		if accepted < len(items) {
			d.logger.Warn("queue rejected part of batch",
				zap.Int("submitted", len(items)),
				zap.Int("accepted", accepted),
			)
		}
	}

	for i := 0; i < accepted; i++ {
		select {
		case outcome := <-outcomes:
			d.recordOutcome(outcome)
		case <-ctx.Done():
			// Outcomes for in-flight items still arrive; drain what is
			// already buffered and let Stop account for the rest.
			for {
				select {
				case outcome := <-outcomes:
					d.recordOutcome(outcome)
				default:
					return
				}
			}
		}
	}
}

func (d *Driver) recordOutcome(outcome enrich.Outcome) {
	d.mutate(func(s *enrich.DriverState) {
		switch outcome {
		case enrich.OutcomeProcessed:
			s.Processed++
			s.ProcessedFiles++
		case enrich.OutcomeSkipped:
			s.SkippedFiles++
		case enrich.OutcomeErrored:
			s.Errors++
			s.ErrorFiles++
		case enrich.OutcomeAbandoned:
			s.SkippedFiles++
		}
	})
}

// sleepUntilDue waits until the poll interval since the last run has
// elapsed. Returns false when ctx ends first.
func (d *Driver) sleepUntilDue(ctx context.Context) bool {
	state := d.State()
	due := state.LastRunTime.Add(d.cfg.Kind.Interval)
	wait := due.Sub(d.clock.Now())
	if state.LastRunTime.IsZero() || wait <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, wait)
}

// sleepCtx sleeps for del, returning false if ctx ended first.
func sleepCtx(ctx context.Context, del time.Duration) bool {
	timer := time.NewTimer(del)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
