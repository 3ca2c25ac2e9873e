// Package perf implements the performance monitor: timed-operation tracking
// with running per-operation and per-file-type aggregates, plus store query
// recording with sensitive bind redaction.
package perf

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/metrics"
)

// Bind variable names matching this pattern are redacted before a query is
// recorded or logged.
var sensitiveBindPattern = regexp.MustCompile(`(?i)(pass|secret|token|key)`)

const redactedValue = "[REDACTED]"

// Sample is the result of one timed operation.
type Sample struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Bytes     int64             `json:"bytes"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Duration returns the elapsed time of the sample.
func (s Sample) Duration() time.Duration { return s.End.Sub(s.Start) }

// Token is an in-flight timed operation handle returned by Start.
type Token struct {
	id        string
	operation string
	start     time.Time
	metadata  map[string]string
}

// OpStats are running aggregates for one operation name.
type OpStats struct {
	Count        int64         `json:"count"`
	TotalBytes   int64         `json:"total_bytes"`
	TotalTime    time.Duration `json:"total_time"`
	SuccessCount int64         `json:"success_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Config controls Monitor behavior.
type Config struct {
	// Enabled toggles collection. A disabled monitor's Stop is a no-op
	// returning an empty sample.
	Enabled bool
	// SlowThreshold flags operations and queries slower than this.
	// Zero disables slow-operation detection.
	SlowThreshold time.Duration
}

// ExplainFunc fetches a query-plan explanation for a slow query.
type ExplainFunc func(ctx context.Context) (string, error)

// Monitor aggregates timed-operation samples. Safe for concurrent use; the
// aggregate maps are the only state shared across workers and are guarded by
// a single mutex.
type Monitor struct {
	cfg    Config
	clock  enrich.Clock
	logger *zap.Logger

	mu         sync.Mutex
	byOp       map[string]*OpStats
	byFileType map[string]*OpStats
}

// New constructs a Monitor.
func New(cfg Config, clock enrich.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		byOp:       make(map[string]*OpStats),
		byFileType: make(map[string]*OpStats),
	}
}

// Start begins timing an operation. metadata is attached to the resulting
// sample; the "file_type" key feeds the per-file-type breakdown.
func (m *Monitor) Start(operation string, metadata map[string]string) *Token {
	if m == nil || !m.cfg.Enabled {
		return nil
	}
	return &Token{
		id:        uuid.NewString(),
		operation: operation,
		start:     m.clock.Now(),
		metadata:  metadata,
	}
}

// Stop finishes a timed operation and folds it into the aggregates. A nil
// token (disabled monitor) yields an empty sample.
func (m *Monitor) Stop(token *Token, success bool, bytes int64, errText string) Sample {
	if m == nil || token == nil || !m.cfg.Enabled {
		return Sample{}
	}
	sample := Sample{
		ID:        token.id,
		Operation: token.operation,
		Start:     token.start,
		End:       m.clock.Now(),
		Bytes:     bytes,
		Success:   success,
		Error:     errText,
		Metadata:  token.metadata,
	}

	m.mu.Lock()
	m.fold(m.byOp, sample.Operation, sample)
	if ft := token.metadata["file_type"]; ft != "" {
		m.fold(m.byFileType, ft, sample)
	}
	m.mu.Unlock()

	if m.cfg.SlowThreshold > 0 && sample.Duration() > m.cfg.SlowThreshold {
		metrics.ObserveSlowOperation(sample.Operation)
		m.logger.Warn("slow operation",
			zap.String("operation", sample.Operation),
			zap.Duration("duration", sample.Duration()),
			zap.Duration("threshold", m.cfg.SlowThreshold),
			zap.Bool("success", success),
		)
	}
	return sample
}

// fold must be called with mu held.
func (m *Monitor) fold(dst map[string]*OpStats, key string, sample Sample) {
	stats, ok := dst[key]
	if !ok {
		stats = &OpStats{}
		dst[key] = stats
	}
	stats.Count++
	stats.TotalBytes += sample.Bytes
	stats.TotalTime += sample.Duration()
	if sample.Success {
		stats.SuccessCount++
	} else {
		stats.ErrorCount++
	}
}

// RecordQuery records a metadata store query execution. Bind variables with
// sensitive names are redacted. Queries slower than the threshold trigger
// the optional explain callback and log its plan for diagnosis.
func (m *Monitor) RecordQuery(ctx context.Context, operation, query string, binds map[string]any, duration time.Duration, explain ExplainFunc) {
	if m == nil || !m.cfg.Enabled {
		return
	}
	metrics.ObserveStoreQuery(operation, duration)

	m.mu.Lock()
	stats, ok := m.byOp[operation]
	if !ok {
		stats = &OpStats{}
		m.byOp[operation] = stats
	}
	stats.Count++
	stats.TotalTime += duration
	stats.SuccessCount++
	m.mu.Unlock()

	if m.cfg.SlowThreshold <= 0 || duration <= m.cfg.SlowThreshold {
		return
	}
	metrics.ObserveSlowOperation(operation)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("query", query),
		zap.Duration("duration", duration),
		zap.Any("binds", RedactBinds(binds)),
	}
	if explain != nil {
		plan, err := explain(ctx)
		if err != nil {
			m.logger.Warn("query plan fetch failed", zap.Error(err))
		} else {
			fields = append(fields, zap.String("plan", plan))
		}
	}
	m.logger.Warn("slow store query", fields...)
}

// RedactBinds returns a copy of binds with sensitive values replaced.
func RedactBinds(binds map[string]any) map[string]any {
	if len(binds) == 0 {
		return nil
	}
	out := make(map[string]any, len(binds))
	for name, value := range binds {
		if sensitiveBindPattern.MatchString(name) {
			out[name] = redactedValue
			continue
		}
		out[name] = value
	}
	return out
}

// Snapshot returns copies of the per-operation and per-file-type aggregates.
func (m *Monitor) Snapshot() (byOp, byFileType map[string]OpStats) {
	byOp = make(map[string]OpStats)
	byFileType = make(map[string]OpStats)
	if m == nil {
		return byOp, byFileType
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.byOp {
		byOp[k] = *v
	}
	for k, v := range m.byFileType {
		byFileType[k] = *v
	}
	return byOp, byFileType
}
