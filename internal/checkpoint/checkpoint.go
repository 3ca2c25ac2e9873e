// Package checkpoint persists per-kind driver progress counters to a plain
// JSON file so enrichment resumes instead of restarting after a process
// restart. The file is independent of the metadata store and survives brief
// store outages.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
)

// File is keyed by enrichment kind.
type File map[enrich.KindID]enrich.DriverState

// Load reads the checkpoint at path. A missing or unparsable file yields an
// empty map and a warning, never an error: the candidate picker's staleness
// filter is the safeguard against reprocessing, so checkpoint loss degrades
// to premature re-enrollment.
func Load(path string, logger *zap.Logger) File {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("checkpoint unreadable, starting fresh", zap.String("path", path), zap.Error(err))
		}
		return File{}
	}
	var states File
	if err := json.Unmarshal(data, &states); err != nil {
		logger.Warn("checkpoint corrupt, starting fresh", zap.String("path", path), zap.Error(err))
		return File{}
	}
	if states == nil {
		states = File{}
	}
	return states
}

// Save writes the full checkpoint atomically: marshal everything, write to a
// temp file in the same directory, fsync, rename. Partial writes never
// corrupt the previous checkpoint.
func Save(states File, path string) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}
