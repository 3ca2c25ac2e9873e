// Package picker selects candidate records that still need a given kind of
// enrichment from the metadata store.
package picker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/perf"
)

// Picker wraps the metadata store's candidate queries with performance
// monitoring. Ordering of the returned records is unspecified beyond forward
// progress; concurrent drivers may race on the same store and tolerate
// re-delivery through idempotent marker checks.
type Picker struct {
	store   enrich.Store
	monitor *perf.Monitor
	logger  *zap.Logger
}

// New constructs a Picker.
func New(store enrich.Store, monitor *perf.Monitor, logger *zap.Logger) *Picker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Picker{store: store, monitor: monitor, logger: logger}
}

// PickForEnrichment returns up to count records lacking kind's marker or
// whose marker is older than the staleness threshold, optionally filtered to
// records modified within maxAge. An empty result is not an error.
func (p *Picker) PickForEnrichment(ctx context.Context, kind enrich.Kind, count int) ([]enrich.FileRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	filters := enrich.PickFilters{
		MaxAge:     kind.MaxAge,
		StaleAfter: kind.StaleAfter,
		Extensions: kind.Extensions,
	}

	token := p.monitor.Start("pick."+string(kind.ID), nil)
	start := time.Now()
	records, err := p.store.FindMissingAttribute(ctx, kind.ID, count, filters)
	if err != nil {
		p.monitor.Stop(token, false, 0, err.Error())
		return nil, fmt.Errorf("find candidates for %s: %w", kind.ID, err)
	}
	p.monitor.Stop(token, true, 0, "")

	p.logger.Debug("picked candidates",
		zap.String("kind", string(kind.ID)),
		zap.Int("requested", count),
		zap.Int("returned", len(records)),
		zap.Duration("took", time.Since(start)),
	)
	return records, nil
}

// PickRandom samples count records for ad-hoc workflows, optionally limited
// to records whose volume is currently reachable.
func (p *Picker) PickRandom(ctx context.Context, count int, localOnly bool) ([]enrich.FileRecord, error) {
	token := p.monitor.Start("pick.random", nil)
	records, err := p.store.PickRandom(ctx, count, localOnly)
	if err != nil {
		p.monitor.Stop(token, false, 0, err.Error())
		return nil, fmt.Errorf("pick random: %w", err)
	}
	p.monitor.Stop(token, true, 0, "")
	return records, nil
}

// ResolveLocalPath maps a record to a readable local path; ok is false when
// the record's volume is unreachable.
func (p *Picker) ResolveLocalPath(record enrich.FileRecord) (string, bool) {
	return p.store.ResolveLocalPath(record)
}
