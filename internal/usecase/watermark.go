package usecase

import (
	"time"

	"FeedPoster/internal/domain"
)

// Window is the time range a source is fetched for in one run.
type Window struct {
	Since    time.Time
	Until    time.Time
	FirstRun bool
}

// WatermarkPolicy computes fetch windows from a source's last_checked_at.
type WatermarkPolicy struct {
	DefaultLookback time.Duration
	Overlap         time.Duration
}

// WindowFor returns the next window for st. A never-run source looks back
// DefaultLookback; otherwise the window starts Overlap before the watermark.
func (p WatermarkPolicy) WindowFor(st *domain.SourceState, now time.Time) Window {
	now = now.UTC()
	if st == nil || st.LastCheckedAt == nil {
		return Window{Since: now.Add(-p.DefaultLookback), Until: now, FirstRun: true}
	}

	since := st.LastCheckedAt.UTC().Add(-p.Overlap)
	if since.After(now) {
		since = now
	}
	return Window{Since: since, Until: now}
}

// Advance moves the watermark of st to until. It never moves backwards and
// reports whether the state changed.
func (p WatermarkPolicy) Advance(state *domain.GlobalState, st *domain.SourceState, until time.Time) bool {
	until = until.UTC()
	if st.LastCheckedAt != nil && !until.After(*st.LastCheckedAt) {
		return false
	}
	st.LastCheckedAt = &until
	state.MarkDirty()
	return true
}
