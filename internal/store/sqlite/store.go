// Package sqlite provides the SQLite-backed metadata store, the default for
// a single desktop. Ingestion owns the files table; the scheduler reads it
// and writes marker rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/perf"
)

// defaultTimeout bounds individual store operations.
const defaultTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	volume TEXT NOT NULL DEFAULT '',
	ext TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	mod_time TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS file_markers (
	file_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (file_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_markers_kind ON file_markers(kind, processed_at);
CREATE INDEX IF NOT EXISTS idx_files_mod_time ON files(mod_time);
`

// Store implements enrich.Store over a local SQLite database.
type Store struct {
	db      *sql.DB
	monitor *perf.Monitor
	clock   enrich.Clock
}

// New opens (and if needed initializes) the database at dbPath. WAL mode and
// a busy timeout keep the scheduler from tripping over the ingestion process
// sharing the same file.
func New(ctx context.Context, dbPath string, monitor *perf.Monitor, clock enrich.Clock) (*Store, error) {
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, monitor: monitor, clock: clock}, nil
}

// UpsertFile inserts or refreshes a file row. Used by tests and the sampling
// workflows; ingestion normally writes this table directly.
func (s *Store) UpsertFile(ctx context.Context, record enrich.FileRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, path, volume, ext, size, mod_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path, volume = excluded.volume,
			ext = excluded.ext, size = excluded.size, mod_time = excluded.mod_time
	`, record.ID, record.Path, record.Volume, record.Ext, record.Size, record.ModTime)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// FindMissingAttribute selects records lacking the kind's marker or holding
// a stale one. Result order is unspecified; concurrent drivers racing on the
// same store make forward progress through the marker check.
func (s *Store) FindMissingAttribute(ctx context.Context, kind enrich.KindID, count int, filters enrich.PickFilters) ([]enrich.FileRecord, error) {
	now := s.clock.Now()

	var sb strings.Builder
	sb.WriteString(`
		SELECT f.id, f.path, f.volume, f.ext, f.size, f.mod_time
		FROM files f
		LEFT JOIN file_markers m ON m.file_id = f.id AND m.kind = ?
		WHERE (m.file_id IS NULL`)
	args := []any{string(kind)}
	binds := map[string]any{"kind": string(kind), "count": count}

	if filters.StaleAfter > 0 {
		sb.WriteString(" OR m.processed_at < ?")
		cutoff := now.Add(-filters.StaleAfter)
		args = append(args, cutoff)
		binds["stale_cutoff"] = cutoff
	}
	sb.WriteString(")")

	if filters.MaxAge > 0 {
		sb.WriteString(" AND f.mod_time >= ?")
		cutoff := now.Add(-filters.MaxAge)
		args = append(args, cutoff)
		binds["age_cutoff"] = cutoff
	}
	if len(filters.Extensions) > 0 {
		sb.WriteString(" AND f.ext IN (")
		for i, ext := range filters.Extensions {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, strings.ToLower(ext))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, count)

	query := sb.String()
	records, err := s.queryRecords(ctx, "store.find_missing", query, args, binds)
	if err != nil {
		return nil, fmt.Errorf("find missing %s: %w", kind, err)
	}
	return records, nil
}

// MarkAttribute upserts the marker row for (file, kind). Re-delivery of the
// same item is idempotent apart from the refreshed timestamp.
func (s *Store) MarkAttribute(ctx context.Context, fileID string, kind enrich.KindID, value string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_markers (file_id, kind, value, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, kind) DO UPDATE SET
			value = excluded.value, processed_at = excluded.processed_at
	`, fileID, string(kind), value, s.clock.Now())
	s.monitor.RecordQuery(ctx, "store.mark_attribute", "INSERT INTO file_markers ...", map[string]any{
		"file_id": fileID,
		"kind":    string(kind),
	}, time.Since(start), nil)
	if err != nil {
		return fmt.Errorf("mark attribute %s on %s: %w", kind, fileID, err)
	}
	return nil
}

// ResolveLocalPath verifies the record's path is readable right now.
// An unmounted volume or deleted file resolves to nothing.
func (s *Store) ResolveLocalPath(record enrich.FileRecord) (string, bool) {
	if record.Path == "" {
		return "", false
	}
	if _, err := os.Stat(record.Path); err != nil {
		return "", false
	}
	return record.Path, true
}

// PickRandom samples count records for ad-hoc workflows.
func (s *Store) PickRandom(ctx context.Context, count int, localOnly bool) ([]enrich.FileRecord, error) {
	query := `
		SELECT id, path, volume, ext, size, mod_time
		FROM files ORDER BY RANDOM() LIMIT ?`
	records, err := s.queryRecords(ctx, "store.pick_random", query, []any{count}, map[string]any{"count": count})
	if err != nil {
		return nil, fmt.Errorf("pick random: %w", err)
	}
	if !localOnly {
		return records, nil
	}
	local := records[:0]
	for _, record := range records {
		if _, ok := s.ResolveLocalPath(record); ok {
			local = append(local, record)
		}
	}
	return local, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", enrich.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args []any, binds map[string]any) ([]enrich.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.monitor.RecordQuery(ctx, op, query, binds, time.Since(start), s.explainFunc(query, args))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enrich.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []enrich.FileRecord
	for rows.Next() {
		var r enrich.FileRecord
		if err := rows.Scan(&r.ID, &r.Path, &r.Volume, &r.Ext, &r.Size, &r.ModTime); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return records, nil
}

// explainFunc fetches the SQLite query plan for slow-query diagnosis.
func (s *Store) explainFunc(query string, args []any) perf.ExplainFunc {
	return func(ctx context.Context) (string, error) {
		rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query, args...)
		if err != nil {
			return "", fmt.Errorf("explain query: %w", err)
		}
		defer rows.Close()

		var sb strings.Builder
		for rows.Next() {
			var id, parent, notUsed int
			var detail string
			if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
				return "", fmt.Errorf("scan plan row: %w", err)
			}
			if sb.Len() > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(detail)
		}
		return sb.String(), rows.Err()
	}
}
