package enrich

import "time"

// DefaultKinds returns the built-in enrichment kinds with their default
// scheduling knobs. Configuration may override any field per kind.
func DefaultKinds() []Kind {
	return []Kind{
		{
			ID:         KindContentType,
			BatchSize:  200,
			Interval:   30 * time.Second,
			StaleAfter: 0,
			Priority:   1,
		},
		{
			ID:         KindChecksum,
			BatchSize:  50,
			Interval:   60 * time.Second,
			StaleAfter: 30 * 24 * time.Hour,
			Priority:   2,
		},
		{
			ID:         KindEmbeddedMetadata,
			BatchSize:  100,
			Interval:   45 * time.Second,
			StaleAfter: 0,
			Priority:   3,
		},
	}
}

// KindByID looks a kind up in a slice by its identifier.
func KindByID(kinds []Kind, id KindID) (Kind, bool) {
	for _, k := range kinds {
		if k.ID == id {
			return k, true
		}
	}
	return Kind{}, false
}
