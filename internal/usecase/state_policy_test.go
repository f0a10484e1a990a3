package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedPoster/internal/domain"
)

func TestWindowForNeverRunSource(t *testing.T) {
	policy := WatermarkPolicy{DefaultLookback: 24 * time.Hour, Overlap: 10 * time.Minute}

	win := policy.WindowFor(nil, baseTime)

	assert.True(t, win.FirstRun)
	assert.Equal(t, baseTime.Add(-24*time.Hour), win.Since)
	assert.Equal(t, baseTime, win.Until)
}

func TestWindowForAppliesOverlap(t *testing.T) {
	policy := WatermarkPolicy{DefaultLookback: 24 * time.Hour, Overlap: 10 * time.Minute}
	last := baseTime.Add(-time.Hour)
	st := &domain.SourceState{LastCheckedAt: &last}

	win := policy.WindowFor(st, baseTime)

	assert.False(t, win.FirstRun)
	assert.Equal(t, last.Add(-10*time.Minute), win.Since)
}

func TestWindowForClampsFutureWatermark(t *testing.T) {
	policy := WatermarkPolicy{Overlap: time.Minute}
	future := baseTime.Add(time.Hour)

	win := policy.WindowFor(&domain.SourceState{LastCheckedAt: &future}, baseTime)

	assert.Equal(t, baseTime, win.Since)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	var policy WatermarkPolicy
	state := domain.NewGlobalState()
	st := state.Source("s")

	require.True(t, policy.Advance(state, st, baseTime))
	assert.True(t, state.Dirty())
	assert.False(t, policy.Advance(state, st, baseTime.Add(-time.Minute)))
	assert.False(t, policy.Advance(state, st, baseTime))
	assert.Equal(t, baseTime, *st.LastCheckedAt)
}

func TestDeduplicatorGenericUsesSourceRecords(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 0, 0)
	src := genericSource("blog")
	item := article("a")

	assert.True(t, dedup.IsNew(src, item))
	dedup.RecordOutcome(src, item, domain.StatusFailed, baseTime)
	assert.True(t, dedup.IsNew(src, item), "failed is not terminal")

	dedup.RecordOutcome(src, item, domain.StatusSuccess, baseTime)
	assert.False(t, dedup.IsNew(src, item))
	assert.True(t, dedup.IsNew(genericSource("other"), item), "generic records are per source")
	assert.Empty(t, state.Identities)
}

func TestDeduplicatorScoredUsesIdentityIndex(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 0, 0)

	dedup.RecordOutcome(scoredSource("nvd"), cve("CVE-1", "CVE-2026-1", 9), domain.StatusFallback, baseTime)

	assert.Equal(t, baseTime, state.Identities["CVE-2026-1"])
	assert.False(t, dedup.IsNew(scoredSource("jvn"), cve("JVN-1", "CVE-2026-1", 9)))
	assert.True(t, dedup.IsNew(scoredSource("jvn"), cve("JVN-2", "CVE-2026-2", 9)))
}

func TestRecordOutcomeNeverOverwritesTerminal(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 0, 0)
	src := genericSource("blog")

	dedup.RecordOutcome(src, article("a"), domain.StatusSkipped, baseTime)
	rec := dedup.RecordOutcome(src, article("a"), domain.StatusFailed, baseTime.Add(time.Hour))

	assert.Equal(t, domain.StatusSkipped, rec.Status)
	assert.Zero(t, rec.AttemptCount)
	assert.Equal(t, baseTime, rec.LastAttemptAt)
}

func TestRecordOutcomeAttemptAccounting(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 0, 0)
	src := genericSource("blog")

	rec := dedup.RecordOutcome(src, article("a"), domain.StatusPending, baseTime)
	assert.Zero(t, rec.AttemptCount)
	require.NotNil(t, rec.Item)

	rec = dedup.RecordOutcome(src, article("a"), domain.StatusFailed, baseTime)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Nil(t, rec.DeliveredAt)

	rec = dedup.RecordOutcome(src, article("a"), domain.StatusSuccess, baseTime.Add(time.Minute))
	assert.Equal(t, 2, rec.AttemptCount)
	require.NotNil(t, rec.DeliveredAt)
	assert.Equal(t, baseTime.Add(time.Minute), *rec.DeliveredAt)
	assert.Nil(t, rec.Item)
}

func TestPruneByRetentionAndCap(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 48*time.Hour, 2)
	nvd := scoredSource("nvd")

	dedup.RecordOutcome(nvd, cve("old", "CVE-old", 5), domain.StatusSuccess, baseTime.Add(-72*time.Hour))
	for i, id := range []string{"c1", "c2", "c3"} {
		dedup.RecordOutcome(nvd, cve(id, "CVE-"+id, 5), domain.StatusSuccess, baseTime.Add(time.Duration(i)*time.Minute))
	}

	removed := dedup.Prune(baseTime.Add(time.Hour))

	assert.Equal(t, 4, removed)
	st, _ := state.Lookup("nvd")
	assert.Len(t, st.DeliveryRecords, 2)
	_, ok := st.Record("c1")
	assert.False(t, ok, "oldest record goes first when over the cap")
	assert.Len(t, state.Identities, 2)
	assert.NotContains(t, state.Identities, "CVE-old")
	assert.NotContains(t, state.Identities, "CVE-c1")
}

func TestPruneKeepsRetryableRecords(t *testing.T) {
	state := domain.NewGlobalState()
	dedup := NewDeduplicator(state, 48*time.Hour, 2)
	blog := genericSource("blog")

	dedup.RecordOutcome(blog, article("stale-failure"), domain.StatusFailed, baseTime.Add(-72*time.Hour))
	dedup.RecordOutcome(blog, article("queued"), domain.StatusPending, baseTime.Add(-time.Hour))
	for i, id := range []string{"b", "c", "d"} {
		dedup.RecordOutcome(blog, article(id), domain.StatusSuccess, baseTime.Add(time.Duration(i)*time.Minute))
	}

	removed := dedup.Prune(baseTime.Add(time.Hour))

	assert.Equal(t, 1, removed)
	st, _ := state.Lookup("blog")
	for _, id := range []string{"stale-failure", "queued", "c", "d"} {
		rec, ok := st.Record(id)
		require.True(t, ok, "record %s must survive pruning", id)
		if !rec.Status.Terminal() {
			assert.NotNil(t, rec.Item, "record %s keeps its snapshot", id)
		}
	}
	_, ok := st.Record("b")
	assert.False(t, ok, "oldest delivered record goes first when over the cap")
}

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffFactor: 2}

	assert.Equal(t, 500*time.Millisecond, policy.Backoff(0, func() float64 { return 0 }))
	assert.Equal(t, time.Second, policy.Backoff(0, func() float64 { return 1 }))
	assert.Equal(t, 4*time.Second, policy.Backoff(2, func() float64 { return 1 }))
	assert.Equal(t, 5*time.Second, policy.Backoff(10, func() float64 { return 1 }), "capped at MaxBackoff")
	assert.Equal(t, 2500*time.Millisecond, policy.Backoff(10, func() float64 { return 0 }))
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialBackoff: 4 * time.Second, MaxBackoff: 8 * time.Second, BackoffFactor: 2}
	clock := newFakeClock()

	limited := domain.NewServiceError("publisher", domain.ServiceRateLimited, 429, errors.New("too many requests"))
	limited.RetryAfter = 45 * time.Second
	short := domain.NewServiceError("publisher", domain.ServiceRateLimited, 429, errors.New("too many requests"))
	short.RetryAfter = time.Second
	errs := []error{limited, short, nil}

	attempts, err := retry(context.Background(), clock, policy, func() float64 { return 1 },
		func(error) bool { return true }, nil,
		func(context.Context) error {
			next := errs[0]
			errs = errs[1:]
			return next
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{45 * time.Second, 8 * time.Second}, clock.Sleeps(), "the longer of hint and backoff wins")
}
