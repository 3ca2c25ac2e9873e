// Package enrich defines core types shared across subsystems.
package enrich

import (
	"context"
	"errors"
	"time"
)

// KindID identifies a category of derived semantic attribute.
type KindID string

// Built-in enrichment kinds.
const (
	KindContentType      KindID = "content-type"
	KindChecksum         KindID = "checksum"
	KindEmbeddedMetadata KindID = "embedded-metadata"
)

// Kind describes one enrichment category together with its scheduling knobs.
type Kind struct {
	ID KindID `json:"id"`
	// BatchSize is the maximum number of candidates selected per cycle.
	BatchSize int `json:"batch_size"`
	// Interval is the poll interval between selection cycles.
	Interval time.Duration `json:"interval"`
	// StaleAfter re-enrolls records whose marker is older than this.
	// Zero means a marker never goes stale.
	StaleAfter time.Duration `json:"stale_after"`
	// MaxAge restricts selection to records modified within this window.
	// Zero means no restriction.
	MaxAge time.Duration `json:"max_age"`
	// Extensions restricts selection to the given file extensions
	// (lowercase, with leading dot). Empty means all.
	Extensions []string `json:"extensions,omitempty"`
	// Priority is the worker queue class. Lower numbers dispatch first.
	Priority int `json:"priority"`
}

// FileRecord is the scheduler's read-only view of an indexed file. The
// metadata store owns the record; the scheduler only reads it and writes
// marker attributes back.
type FileRecord struct {
	ID      string               `json:"id"`
	Path    string               `json:"path"`
	Volume  string               `json:"volume,omitempty"`
	Ext     string               `json:"ext,omitempty"`
	Size    int64                `json:"size"`
	ModTime time.Time            `json:"mod_time"`
	Markers map[KindID]time.Time `json:"markers,omitempty"`
}

// Outcome classifies how a work item finished.
type Outcome string

// Outcome values reported back to the owning driver.
const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeErrored   Outcome = "errored"
	OutcomeAbandoned Outcome = "abandoned"
)

// Func computes one enrichment value for a file. A nil error with an empty
// value means the function had nothing to record for this file. localPath is
// guaranteed to exist when the function is invoked.
type Func func(ctx context.Context, record FileRecord, localPath string) (string, error)

// WorkItem is one unit of queued enrichment work. It lives only inside the
// worker queue.
type WorkItem struct {
	Record   FileRecord
	Fn       Func
	Kind     KindID
	Priority int
	// Done receives the item's outcome exactly once. May be nil.
	Done func(Outcome)
}

// DriverState holds the durable per-kind progress counters. Counters are
// monotonically non-decreasing within a process lifetime and merge
// additively across restarts.
type DriverState struct {
	Scheduled      int64     `json:"scheduled"`
	Processed      int64     `json:"processed"`
	Errors         int64     `json:"errors"`
	LastRunTime    time.Time `json:"last_run_time"`
	ProcessedFiles int64     `json:"processed_files"`
	SkippedFiles   int64     `json:"skipped_files"`
	ErrorFiles     int64     `json:"error_files"`
	LastFileID     string    `json:"last_file_id,omitempty"`
}

// Error taxonomy. Per-item failures are contained at the queue/driver
// boundary; only startup failures propagate to the process manager.
var (
	// ErrStoreUnavailable signals that selection or marking could not reach
	// the metadata store. The driver backs off with a cooldown.
	ErrStoreUnavailable = errors.New("metadata store unavailable")
	// ErrUnreachableVolume signals that a record's volume is not mounted.
	// The item is skipped, never retried within the batch.
	ErrUnreachableVolume = errors.New("volume unreachable")
	// ErrQueueClosed is returned when submitting to a stopped queue.
	ErrQueueClosed = errors.New("worker queue closed")
)
