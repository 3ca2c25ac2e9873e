package enrich

import (
	"context"
	"time"
)

// PickFilters narrows candidate selection.
type PickFilters struct {
	// MaxAge limits selection to records modified within the window.
	MaxAge time.Duration
	// StaleAfter re-enrolls records whose marker is older than this.
	StaleAfter time.Duration
	// Extensions restricts selection to the listed extensions.
	Extensions []string
}

// Store is the metadata store collaborator. Implementations are expected to
// be safe for concurrent use; the scheduler performs no transactions of its
// own, only idempotent marker checks.
type Store interface {
	// FindMissingAttribute returns up to count records that lack the kind's
	// marker or whose marker is stale under the filters. It returns an empty
	// slice, not an error, when nothing matches.
	FindMissingAttribute(ctx context.Context, kind KindID, count int, filters PickFilters) ([]FileRecord, error)
	// MarkAttribute records a computed enrichment value and refreshes the
	// record's marker timestamp for the kind.
	MarkAttribute(ctx context.Context, fileID string, kind KindID, value string) error
	// ResolveLocalPath maps a record to a readable local path. ok is false
	// when the record's volume is unreachable.
	ResolveLocalPath(record FileRecord) (path string, ok bool)
	// PickRandom samples count records, optionally restricted to records
	// whose volume is currently reachable.
	PickRandom(ctx context.Context, count int, localOnly bool) ([]FileRecord, error)
	// Ping verifies the store is reachable. Used at startup only.
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
