package domain

import (
	"sort"
	"time"
)

// StateVersion is the canonical durable document version.
const StateVersion = 1

// DeliveryStatus enumerates per-item delivery milestones.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSuccess  DeliveryStatus = "success"
	StatusFallback DeliveryStatus = "fallback"
	StatusFailed   DeliveryStatus = "failed"
	StatusSkipped  DeliveryStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFallback, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Delivered is true for statuses that put a post in front of readers.
func (s DeliveryStatus) Delivered() bool {
	return s == StatusSuccess || s == StatusFallback
}

// Terminal is true for statuses that must never be processed again.
func (s DeliveryStatus) Terminal() bool {
	return s.Delivered() || s == StatusSkipped
}

// DeliveryRecord tracks the delivery history of a single item within a source.
type DeliveryRecord struct {
	ItemID        string         `json:"-"`
	Status        DeliveryStatus `json:"status"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
	AttemptCount  int            `json:"attempt_count"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	// Item is kept only while the record is retryable.
	Item *CandidateItem `json:"item,omitempty"`
}

// SourceState is the durable progress of one source.
type SourceState struct {
	LastCheckedAt   *time.Time                 `json:"last_checked_at,omitempty"`
	DeliveryRecords map[string]*DeliveryRecord `json:"delivery_records"`
}

// NewSourceState returns an empty never-run state.
func NewSourceState() *SourceState {
	return &SourceState{DeliveryRecords: map[string]*DeliveryRecord{}}
}

// Record returns the delivery record for an item, if any.
func (s *SourceState) Record(itemID string) (*DeliveryRecord, bool) {
	rec, ok := s.DeliveryRecords[itemID]
	return rec, ok
}

// Retryable lists non-terminal records that still carry an item snapshot,
// oldest attempt first.
func (s *SourceState) Retryable() []*DeliveryRecord {
	var out []*DeliveryRecord
	for _, rec := range s.DeliveryRecords {
		if !rec.Status.Terminal() && rec.Item != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
	})
	return out
}

// GlobalState is the whole durable document. A run mutates a private Clone and
// commits it once.
type GlobalState struct {
	Version    int                     `json:"version"`
	Sources    map[string]*SourceState `json:"sources"`
	Identities map[string]time.Time    `json:"identities"`

	dirty bool
}

// NewGlobalState returns an empty canonical document.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		Version:    StateVersion,
		Sources:    map[string]*SourceState{},
		Identities: map[string]time.Time{},
	}
}

// Source returns the state of a source, creating it lazily.
func (g *GlobalState) Source(id string) *SourceState {
	if g.Sources == nil {
		g.Sources = map[string]*SourceState{}
	}
	st, ok := g.Sources[id]
	if !ok {
		st = NewSourceState()
		g.Sources[id] = st
	}
	if st.DeliveryRecords == nil {
		st.DeliveryRecords = map[string]*DeliveryRecord{}
	}
	return st
}

// Lookup returns the state of a source without creating it.
func (g *GlobalState) Lookup(id string) (*SourceState, bool) {
	st, ok := g.Sources[id]
	return st, ok
}

// MarkDirty flags the document as changed since it was loaded or cloned.
func (g *GlobalState) MarkDirty() {
	g.dirty = true
}

// Dirty reports whether any mutation happened.
func (g *GlobalState) Dirty() bool {
	return g.dirty
}

// Normalize fills derived fields after decoding.
func (g *GlobalState) Normalize() {
	if g.Version == 0 {
		g.Version = StateVersion
	}
	if g.Sources == nil {
		g.Sources = map[string]*SourceState{}
	}
	if g.Identities == nil {
		g.Identities = map[string]time.Time{}
	}
	for id, st := range g.Sources {
		if st == nil {
			st = NewSourceState()
			g.Sources[id] = st
		}
		if st.DeliveryRecords == nil {
			st.DeliveryRecords = map[string]*DeliveryRecord{}
		}
		for itemID, rec := range st.DeliveryRecords {
			if rec == nil {
				delete(st.DeliveryRecords, itemID)
				continue
			}
			rec.ItemID = itemID
		}
	}
}

// Clone returns a deep copy with a clean dirty flag.
func (g *GlobalState) Clone() *GlobalState {
	out := NewGlobalState()
	out.Version = g.Version
	for id, ts := range g.Identities {
		out.Identities[id] = ts
	}
	for id, st := range g.Sources {
		if st == nil {
			continue
		}
		cp := NewSourceState()
		if st.LastCheckedAt != nil {
			t := *st.LastCheckedAt
			cp.LastCheckedAt = &t
		}
		for itemID, rec := range st.DeliveryRecords {
			if rec == nil {
				continue
			}
			cp.DeliveryRecords[itemID] = rec.clone()
		}
		out.Sources[id] = cp
	}
	return out
}

func (r *DeliveryRecord) clone() *DeliveryRecord {
	cp := *r
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		cp.DeliveredAt = &t
	}
	if r.Item != nil {
		item := r.Item.clone()
		cp.Item = &item
	}
	return &cp
}

func (c CandidateItem) clone() CandidateItem {
	cp := c
	if c.Severity != nil {
		v := *c.Severity
		cp.Severity = &v
	}
	if c.ObservedAt != nil {
		t := *c.ObservedAt
		cp.ObservedAt = &t
	}
	return cp
}
