// Package queue implements the bounded, priority-ordered worker queue that
// all extraction drivers share.
//
// Items are ordered by priority class (lower number first) and FIFO within a
// class. When the queue is saturated by multiple kinds at equal priority the
// tie-break is FIFO by global submission sequence. Starvation is bounded: a
// waiting lower-priority item is dispatched after at most
// starvationWindow consecutive higher-priority dispatches.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/perf"
)

// starvationWindow is the maximum number of consecutive dispatches that may
// bypass a waiting lower-priority item.
const starvationWindow = 16

// Config controls queue behavior.
type Config struct {
	// Capacity bounds the number of waiting items. Submissions beyond it
	// are rejected.
	Capacity int
	// Workers is the size of the fixed worker pool.
	Workers int
	// StopGrace bounds how long Stop(wait=true) waits for the queue to
	// drain before abandoning the remainder.
	StopGrace time.Duration
}

// queued is one waiting item plus its global submission sequence.
type queued struct {
	item enrich.WorkItem
	seq  uint64
}

// Queue is a bounded priority queue drained by a fixed worker pool. Workers
// resolve the record's local path, invoke the enrichment function, write the
// marker back to the store, and report the outcome to the submitting driver.
type Queue struct {
	cfg     Config
	store   enrich.Store
	monitor *perf.Monitor
	logger  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	classes  map[int][]queued
	size     int
	inflight map[inflightKey]struct{}
	nextSeq  uint64
	// skips counts consecutive dispatches that bypassed waiting
	// lower-priority work.
	skips    int
	stopping bool
	stopped  bool

	workers sync.WaitGroup
	idle    int
}

type inflightKey struct {
	kind enrich.KindID
	file string
}

// New constructs a Queue. Call Start to launch the worker pool.
func New(cfg Config, store enrich.Store, monitor *perf.Monitor, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		monitor:  monitor,
		logger:   logger,
		classes:  make(map[int][]queued),
		inflight: make(map[inflightKey]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool. Workers run until Stop or ctx cancel.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(ctx)
	}
	// Wake blocked workers when the context ends.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.stopping = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
}

// Submit enqueues items and returns how many were accepted. Items are
// rejected when the queue is full, the queue is stopping, or the same
// (kind, file) pair is already enrolled.
func (q *Queue) Submit(items []enrich.WorkItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	accepted := 0
	for _, item := range items {
		if q.stopping {
			metrics.ObserveQueueRejected()
			continue
		}
		if q.size >= q.cfg.Capacity {
			metrics.ObserveQueueRejected()
			continue
		}
		key := inflightKey{kind: item.Kind, file: item.Record.ID}
		if _, dup := q.inflight[key]; dup {
			metrics.ObserveQueueRejected()
			continue
		}
		q.inflight[key] = struct{}{}
		q.nextSeq++
		q.classes[item.Priority] = append(q.classes[item.Priority], queued{item: item, seq: q.nextSeq})
		q.size++
		accepted++
	}
	if accepted > 0 {
		metrics.SetQueueDepth(q.size)
		q.cond.Broadcast()
	}
	return accepted
}

// Depth returns the number of waiting items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stop shuts the queue down. With wait=true it blocks until the queue is
// empty and in-flight items finish, or the configured grace period elapses;
// whatever remains afterwards is abandoned and counted. With wait=false the
// grace period is zero.
func (q *Queue) Stop(wait bool) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.mu.Unlock()
	q.cond.Broadcast()

	if wait {
		deadline := time.Now().Add(q.cfg.StopGrace)
		for time.Now().Before(deadline) {
			q.mu.Lock()
			drained := q.size == 0 && len(q.inflight) == 0
			q.mu.Unlock()
			if drained {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	q.mu.Lock()
	q.stopped = true
	abandoned := 0
	for prio, class := range q.classes {
		for _, entry := range class {
			abandoned++
			if entry.item.Done != nil {
				entry.item.Done(enrich.OutcomeAbandoned)
			}
		}
		delete(q.classes, prio)
	}
	q.size = 0
	q.mu.Unlock()
	q.cond.Broadcast()

	if abandoned > 0 {
		metrics.ObserveQueueAbandoned(abandoned)
		q.logger.Warn("abandoned queued items at shutdown", zap.Int("count", abandoned))
	}
	metrics.SetQueueDepth(0)
	q.workers.Wait()
}

// pop removes the next item honoring priority order and the starvation
// bound. Returns false when the queue is stopping and empty.
func (q *Queue) pop(ctx context.Context) (enrich.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped || ctx.Err() != nil {
			return enrich.WorkItem{}, false
		}
		if q.size > 0 {
			break
		}
		if q.stopping {
			return enrich.WorkItem{}, false
		}
		q.cond.Wait()
	}

	prios := make([]int, 0, len(q.classes))
	for prio, class := range q.classes {
		if len(class) > 0 {
			prios = append(prios, prio)
		}
	}
	sort.Ints(prios)

	pick := prios[0]
	if len(prios) > 1 {
		if q.skips >= starvationWindow {
			// Service the longest-waiting item among the bypassed classes.
			oldest := prios[1]
			for _, prio := range prios[2:] {
				if q.classes[prio][0].seq < q.classes[oldest][0].seq {
					oldest = prio
				}
			}
			pick = oldest
			q.skips = 0
		} else {
			q.skips++
		}
	} else {
		q.skips = 0
	}

	entry := q.classes[pick][0]
	q.classes[pick] = q.classes[pick][1:]
	if len(q.classes[pick]) == 0 {
		delete(q.classes, pick)
	}
	q.size--
	metrics.SetQueueDepth(q.size)
	return entry.item, true
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workers.Done()
	for {
		item, ok := q.pop(ctx)
		if !ok {
			return
		}
		metrics.IncActiveWorkers()
		outcome := q.process(ctx, item)
		metrics.DecActiveWorkers()

		q.mu.Lock()
		delete(q.inflight, inflightKey{kind: item.Kind, file: item.Record.ID})
		q.mu.Unlock()

		metrics.ObserveCompleted(string(item.Kind), string(outcome))
		if item.Done != nil {
			item.Done(outcome)
		}
	}
}

// Process runs one item inline on the caller's goroutine, bypassing the
// queue. Foreground drivers use this; it applies the same path resolution,
// marking, and failure isolation as the pool.
func (q *Queue) Process(ctx context.Context, item enrich.WorkItem) enrich.Outcome {
	outcome := q.process(ctx, item)
	metrics.ObserveCompleted(string(item.Kind), string(outcome))
	if item.Done != nil {
		item.Done(outcome)
	}
	return outcome
}

// process runs one item. A panicking enrichment function is contained here
// and counted as an error; one bad file never takes the pool down.
func (q *Queue) process(ctx context.Context, item enrich.WorkItem) (outcome enrich.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = enrich.OutcomeErrored
			q.logger.Error("enrichment panicked",
				zap.String("kind", string(item.Kind)),
				zap.String("file_id", item.Record.ID),
				zap.Any("panic", r),
			)
		}
	}()

	localPath, ok := q.store.ResolveLocalPath(item.Record)
	if !ok {
		q.logger.Debug("skipping unreachable file",
			zap.String("kind", string(item.Kind)),
			zap.String("file_id", item.Record.ID),
			zap.String("volume", item.Record.Volume),
		)
		return enrich.OutcomeSkipped
	}

	token := q.monitor.Start("extract."+string(item.Kind), map[string]string{
		"file_type": item.Record.Ext,
		"file_id":   item.Record.ID,
	})
	start := time.Now()

	value, err := item.Fn(ctx, item.Record, localPath)
	if err != nil {
		q.monitor.Stop(token, false, item.Record.Size, err.Error())
		metrics.ObserveExtract(string(item.Kind), time.Since(start), 0)
		q.logger.Warn("enrichment failed",
			zap.String("kind", string(item.Kind)),
			zap.String("file_id", item.Record.ID),
			zap.String("path", localPath),
			zap.Error(err),
		)
		return enrich.OutcomeErrored
	}

	if value != "" {
		if err := q.store.MarkAttribute(ctx, item.Record.ID, item.Kind, value); err != nil {
			q.monitor.Stop(token, false, item.Record.Size, err.Error())
			metrics.ObserveExtract(string(item.Kind), time.Since(start), item.Record.Size)
			q.logger.Warn("marking attribute failed",
				zap.String("kind", string(item.Kind)),
				zap.String("file_id", item.Record.ID),
				zap.Error(err),
			)
			return enrich.OutcomeErrored
		}
	}

	q.monitor.Stop(token, true, item.Record.Size, "")
	metrics.ObserveExtract(string(item.Kind), time.Since(start), item.Record.Size)
	return enrich.OutcomeProcessed
}
