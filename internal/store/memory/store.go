// Package memory provides an in-memory metadata store for tests and local
// development.
package memory

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enrichd/enrichd/internal/enrich"
)

// Store is a concurrency-safe in-memory implementation of enrich.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]*enrich.FileRecord
	values  map[string]map[enrich.KindID]string
	offline map[string]struct{}
	clock   enrich.Clock
}

// New constructs an empty Store.
func New(clock enrich.Clock) *Store {
	if clock == nil {
		clock = enrich.SystemClock{}
	}
	return &Store{
		records: make(map[string]*enrich.FileRecord),
		values:  make(map[string]map[enrich.KindID]string),
		offline: make(map[string]struct{}),
		clock:   clock,
	}
}

// Add inserts a record, assigning an ID when absent, and returns the ID.
func (s *Store) Add(record enrich.FileRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Markers == nil {
		record.Markers = make(map[enrich.KindID]time.Time)
	}
	copied := record
	s.records[record.ID] = &copied
	return record.ID
}

// SetVolumeOffline marks a volume as unreachable for ResolveLocalPath.
func (s *Store) SetVolumeOffline(volume string, offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offline {
		s.offline[volume] = struct{}{}
	} else {
		delete(s.offline, volume)
	}
}

// Value returns the stored enrichment value for a file and kind.
func (s *Store) Value(fileID string, kind enrich.KindID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.values[fileID]
	if !ok {
		return "", false
	}
	v, ok := kinds[kind]
	return v, ok
}

// FindMissingAttribute returns up to count records lacking the kind's marker
// or holding a stale one, subject to the filters.
func (s *Store) FindMissingAttribute(_ context.Context, kind enrich.KindID, count int, filters enrich.PickFilters) ([]enrich.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []enrich.FileRecord
	for _, record := range s.records {
		if len(out) >= count {
			break
		}
		if filters.MaxAge > 0 && now.Sub(record.ModTime) > filters.MaxAge {
			continue
		}
		if !matchesExt(record.Ext, filters.Extensions) {
			continue
		}
		marked, has := record.Markers[kind]
		if has {
			if filters.StaleAfter <= 0 || now.Sub(marked) <= filters.StaleAfter {
				continue
			}
		}
		out = append(out, *record)
	}
	return out, nil
}

// MarkAttribute stores the value and refreshes the marker timestamp.
func (s *Store) MarkAttribute(_ context.Context, fileID string, kind enrich.KindID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[fileID]
	if !ok {
		return enrich.ErrStoreUnavailable
	}
	record.Markers[kind] = s.clock.Now()
	kinds, ok := s.values[fileID]
	if !ok {
		kinds = make(map[enrich.KindID]string)
		s.values[fileID] = kinds
	}
	kinds[kind] = value
	return nil
}

// ResolveLocalPath returns the record's path unless its volume is offline.
func (s *Store) ResolveLocalPath(record enrich.FileRecord) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Path == "" {
		return "", false
	}
	if _, off := s.offline[record.Volume]; off {
		return "", false
	}
	return record.Path, true
}

// PickRandom samples count records in random order.
func (s *Store) PickRandom(_ context.Context, count int, localOnly bool) ([]enrich.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]enrich.FileRecord, 0, len(s.records))
	for _, record := range s.records {
		if localOnly {
			if _, off := s.offline[record.Volume]; off {
				continue
			}
		}
		all = append(all, *record)
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > count {
		all = all[:count]
	}
	return all, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func matchesExt(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}
