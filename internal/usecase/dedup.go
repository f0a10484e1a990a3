package usecase

import (
	"sort"
	"time"

	"FeedPoster/internal/domain"
)

// Deduplicator answers "was this item already surfaced" against the run's
// working copy and records delivery outcomes into it.
type Deduplicator struct {
	state      *domain.GlobalState
	retention  time.Duration
	maxRecords int
}

// NewDeduplicator binds the deduplicator to the working copy of one run.
func NewDeduplicator(state *domain.GlobalState, retention time.Duration, maxRecords int) *Deduplicator {
	return &Deduplicator{state: state, retention: retention, maxRecords: maxRecords}
}

// IsNew reports whether item still has to be delivered for src. Scored-feed
// items are also checked against the shared identity index.
func (d *Deduplicator) IsNew(src domain.SourceDescriptor, item domain.CandidateItem) bool {
	if st, ok := d.state.Lookup(src.ID); ok {
		if rec, ok := st.Record(item.ID); ok && rec.Status.Terminal() {
			return false
		}
	}
	if src.Scored() {
		if _, seen := d.state.Identities[item.IdentityKey()]; seen {
			return false
		}
	}
	return true
}

// Record returns the existing delivery record of an item.
func (d *Deduplicator) Record(src domain.SourceDescriptor, itemID string) (*domain.DeliveryRecord, bool) {
	st, ok := d.state.Lookup(src.ID)
	if !ok {
		return nil, false
	}
	return st.Record(itemID)
}

// RecordOutcome stores the result of processing item. Terminal records are
// never overwritten.
func (d *Deduplicator) RecordOutcome(src domain.SourceDescriptor, item domain.CandidateItem, status domain.DeliveryStatus, at time.Time) *domain.DeliveryRecord {
	at = at.UTC()
	st := d.state.Source(src.ID)

	rec, ok := st.Record(item.ID)
	if ok && rec.Status.Terminal() {
		return rec
	}
	if !ok {
		rec = &domain.DeliveryRecord{ItemID: item.ID}
		st.DeliveryRecords[item.ID] = rec
	}

	rec.Status = status
	rec.LastAttemptAt = at
	switch status {
	case domain.StatusSuccess, domain.StatusFallback, domain.StatusFailed:
		rec.AttemptCount++
	}

	if status.Terminal() {
		rec.Item = nil
	} else {
		snapshot := item
		rec.Item = &snapshot
	}

	if status.Delivered() {
		delivered := at
		rec.DeliveredAt = &delivered
		if src.Scored() {
			d.state.Identities[item.IdentityKey()] = at
		}
	}

	d.state.MarkDirty()
	return rec
}

// Prune drops records older than the retention window and caps each source
// and the identity index at maxRecords, oldest first. Records still waiting
// for a retry are kept and do not count against the cap. It returns the
// number of entries removed.
func (d *Deduplicator) Prune(now time.Time) int {
	removed := 0
	var cutoff time.Time
	if d.retention > 0 {
		cutoff = now.UTC().Add(-d.retention)
	}

	for _, st := range d.state.Sources {
		if !cutoff.IsZero() {
			for id, rec := range st.DeliveryRecords {
				if !retryable(rec) && recordTime(rec).Before(cutoff) {
					delete(st.DeliveryRecords, id)
					removed++
				}
			}
		}
		if d.maxRecords > 0 {
			removed += capRecords(st, d.maxRecords)
		}
	}

	if !cutoff.IsZero() {
		for identity, at := range d.state.Identities {
			if at.Before(cutoff) {
				delete(d.state.Identities, identity)
				removed++
			}
		}
	}
	if d.maxRecords > 0 && len(d.state.Identities) > d.maxRecords {
		removed += capIdentities(d.state.Identities, d.maxRecords)
	}

	if removed > 0 {
		d.state.MarkDirty()
	}
	return removed
}

func recordTime(rec *domain.DeliveryRecord) time.Time {
	if rec.DeliveredAt != nil {
		return *rec.DeliveredAt
	}
	return rec.LastAttemptAt
}

func retryable(rec *domain.DeliveryRecord) bool {
	return !rec.Status.Terminal() && rec.Item != nil
}

func capRecords(st *domain.SourceState, limit int) int {
	ids := make([]string, 0, len(st.DeliveryRecords))
	for id, rec := range st.DeliveryRecords {
		if !retryable(rec) {
			ids = append(ids, id)
		}
	}
	if len(ids) <= limit {
		return 0
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := recordTime(st.DeliveryRecords[ids[i]]), recordTime(st.DeliveryRecords[ids[j]])
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	excess := len(ids) - limit
	for _, id := range ids[:excess] {
		delete(st.DeliveryRecords, id)
	}
	return excess
}

func capIdentities(index map[string]time.Time, limit int) int {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if index[keys[i]].Equal(index[keys[j]]) {
			return keys[i] < keys[j]
		}
		return index[keys[i]].Before(index[keys[j]])
	})
	excess := len(keys) - limit
	for _, k := range keys[:excess] {
		delete(index, k)
	}
	return excess
}
