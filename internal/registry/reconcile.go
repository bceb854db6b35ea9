package registry

import (
	"time"

	"pandapi-streams/internal/domain"
)

// Result is the outcome of a reconciliation pass.
type Result struct {
	// Active is the cleaned index: every active stream, index order first,
	// then recovered records in scan order.
	Active []domain.StreamRecord
	// Purge lists ids whose individual records are stale and must be deleted.
	Purge []string
}

// Reconcile recomputes the active set from the index and a full scan of the
// individual records. Individual records are the source of truth; the index
// only contributes ordering. It performs no I/O.
func Reconcile(index, records []domain.StreamRecord, now time.Time, maxAge time.Duration) Result {
	byID := make(map[string]domain.StreamRecord, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.ID]; !dup {
			byID[rec.ID] = rec
		}
	}

	var res Result
	seen := make(map[string]bool, len(records))
	purged := make(map[string]bool)

	purge := func(id string) {
		if !purged[id] {
			purged[id] = true
			res.Purge = append(res.Purge, id)
		}
	}
	keep := func(rec domain.StreamRecord) {
		seen[rec.ID] = true
		res.Active = append(res.Active, rec.Clone())
	}

	for _, entry := range index {
		if seen[entry.ID] || purged[entry.ID] {
			continue
		}
		rec, ok := byID[entry.ID]
		if !ok {
			continue
		}
		if !rec.IsActive(now, maxAge) {
			purge(rec.ID)
			continue
		}
		keep(rec)
	}

	for _, rec := range records {
		if seen[rec.ID] || purged[rec.ID] {
			continue
		}
		if !rec.IsActive(now, maxAge) {
			purge(rec.ID)
			continue
		}
		keep(rec)
	}

	live := res.Active[:0]
	for _, rec := range res.Active {
		if rec.IsLive {
			live = append(live, rec)
		}
	}
	res.Active = live
	return res
}
