// Package postgres provides the Postgres-backed metadata store, for setups
// where the indexer already keeps its catalog in a shared database.
package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/perf"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements enrich.Store over Postgres.
type Store struct {
	pool    Pool
	monitor *perf.Monitor
	clock   enrich.Clock
}

// New creates a Postgres-backed store using the provided config.
func New(ctx context.Context, cfg Config, monitor *perf.Monitor, clock enrich.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, monitor, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, monitor *perf.Monitor, clock enrich.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	return &Store{pool: pool, monitor: monitor, clock: clock}, nil
}

// FindMissingAttribute selects records lacking the kind's marker or holding
// a stale one.
func (s *Store) FindMissingAttribute(ctx context.Context, kind enrich.KindID, count int, filters enrich.PickFilters) ([]enrich.FileRecord, error) {
	now := s.clock.Now()

	var sb strings.Builder
	sb.WriteString(`
		SELECT f.id, f.path, f.volume, f.ext, f.size, f.mod_time
		FROM files f
		LEFT JOIN file_markers m ON m.file_id = f.id AND m.kind = $1
		WHERE (m.file_id IS NULL`)
	args := []any{string(kind)}
	binds := map[string]any{"kind": string(kind), "count": count}
	next := 2

	if filters.StaleAfter > 0 {
		fmt.Fprintf(&sb, " OR m.processed_at < $%d", next)
		cutoff := now.Add(-filters.StaleAfter)
		args = append(args, cutoff)
		binds["stale_cutoff"] = cutoff
		next++
	}
	sb.WriteString(")")

	if filters.MaxAge > 0 {
		fmt.Fprintf(&sb, " AND f.mod_time >= $%d", next)
		cutoff := now.Add(-filters.MaxAge)
		args = append(args, cutoff)
		binds["age_cutoff"] = cutoff
		next++
	}
	if len(filters.Extensions) > 0 {
		exts := make([]string, 0, len(filters.Extensions))
		for _, ext := range filters.Extensions {
			exts = append(exts, strings.ToLower(ext))
		}
		fmt.Fprintf(&sb, " AND f.ext = ANY($%d)", next)
		args = append(args, exts)
		next++
	}
	fmt.Fprintf(&sb, " LIMIT $%d", next)
	args = append(args, count)

	records, err := s.queryRecords(ctx, "store.find_missing", sb.String(), args, binds)
	if err != nil {
		return nil, fmt.Errorf("find missing %s: %w", kind, err)
	}
	return records, nil
}

// MarkAttribute upserts the marker row for (file, kind).
func (s *Store) MarkAttribute(ctx context.Context, fileID string, kind enrich.KindID, value string) error {
	query := `
		INSERT INTO file_markers (file_id, kind, value, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id, kind) DO UPDATE
		SET value = EXCLUDED.value, processed_at = EXCLUDED.processed_at`

	start := time.Now()
	_, err := s.pool.Exec(ctx, query, fileID, string(kind), value, s.clock.Now())
	s.monitor.RecordQuery(ctx, "store.mark_attribute", query, map[string]any{
		"file_id": fileID,
		"kind":    string(kind),
	}, time.Since(start), nil)
	if err != nil {
		return fmt.Errorf("mark attribute %s on %s: %w", kind, fileID, err)
	}
	return nil
}

// ResolveLocalPath verifies the record's path is readable right now.
func (s *Store) ResolveLocalPath(record enrich.FileRecord) (string, bool) {
	if record.Path == "" {
		return "", false
	}
	if _, err := os.Stat(record.Path); err != nil {
		return "", false
	}
	return record.Path, true
}

// PickRandom samples count records.
func (s *Store) PickRandom(ctx context.Context, count int, localOnly bool) ([]enrich.FileRecord, error) {
	query := `
		SELECT id, path, volume, ext, size, mod_time
		FROM files ORDER BY random() LIMIT $1`
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
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", enrich.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args []any, binds map[string]any) ([]enrich.FileRecord, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	s.monitor.RecordQuery(ctx, op, query, binds, time.Since(start), nil)
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
