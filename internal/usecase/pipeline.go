package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// Abort reasons reported for a source that keeps its watermark.
const (
	AbortFetch       = "fetch_failed"
	AbortRateLimited = "rate_limited"
	AbortCancelled   = "cancelled"
)

// PipelineSettings holds run-wide policy.
type PipelineSettings struct {
	// Persisting enables publishing and the state commit.
	Persisting bool
	Watermark  WatermarkPolicy
	Retention  time.Duration
	MaxRecords int

	// MaxAttempts failed attempts move an item onto RetryCooldown; it is
	// never dropped.
	MaxAttempts   int
	RetryCooldown time.Duration
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Sources    []domain.SourceDescriptor
	Adapter    ports.SourceAdapter
	Store      ports.StateStore
	Summarizer *Summarizer
	Composer   *Composer
	Publisher  *Publisher
	Recorder   ports.RunRecorder
	Clock      ports.Clock
	Logger     *slog.Logger
}

// SourceReport summarizes one source within a run.
type SourceReport struct {
	SourceID    string
	Since       time.Time
	Until       time.Time
	FirstRun    bool
	Fetched     int
	Retried     int
	Delivered   int
	Fallback    int
	Failed      int
	Skipped     int
	Pending     int
	Aborted     bool
	AbortReason string
	Advanced    bool
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Sources    []SourceReport
	Pruned     int
	Committed  bool
}

// Pipeline implements the fetch, deduplicate, summarize, compose, publish and
// record workflow over every configured source.
type Pipeline struct {
	sources    []domain.SourceDescriptor
	adapter    ports.SourceAdapter
	store      ports.StateStore
	summarizer *Summarizer
	composer   *Composer
	publisher  *Publisher
	recorder   ports.RunRecorder
	clock      ports.Clock
	logger     *slog.Logger
	settings   PipelineSettings
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps, settings PipelineSettings) *Pipeline {
	p := &Pipeline{
		sources:    deps.Sources,
		adapter:    deps.Adapter,
		store:      deps.Store,
		summarizer: deps.Summarizer,
		composer:   deps.Composer,
		publisher:  deps.Publisher,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		logger:     deps.Logger,
		settings:   settings,
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Run executes one pass over all enabled sources. The only errors returned are
// failures to load or commit the state document; per-source problems are
// logged and reported in the RunReport.
func (p *Pipeline) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), StartedAt: p.clock.Now()}
	logger := p.logger.With("run_id", report.RunID)
	logger.Info("run started", "sources", len(p.sources), "persisting", p.settings.Persisting)

	loaded, err := p.store.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("load state: %w", err)
	}
	working := loaded.Clone()
	if loaded.Dirty() {
		working.MarkDirty()
	}
	dedup := NewDeduplicator(working, p.settings.Retention, p.settings.MaxRecords)

	for _, src := range p.sources {
		if !src.Enabled {
			logger.Debug("source disabled", "source", src.ID)
			continue
		}
		if ctx.Err() != nil {
			logger.Warn("run cancelled, remaining sources not processed", "source", src.ID)
			break
		}
		report.Sources = append(report.Sources, p.runSource(ctx, logger.With("source", src.ID), working, dedup, src))
	}

	report.Pruned = dedup.Prune(p.clock.Now())
	if report.Pruned > 0 {
		logger.Debug("pruned state entries", "removed", report.Pruned)
	}

	report.FinishedAt = p.clock.Now()
	defer func() {
		p.recorder.RunFinished(report.FinishedAt.Sub(report.StartedAt), report.Committed)
	}()

	if !p.settings.Persisting {
		logger.Info("dry run finished, state not written", "dirty", working.Dirty())
		return report, nil
	}
	if !working.Dirty() {
		logger.Info("run finished, nothing to commit")
		return report, nil
	}
	if err := p.store.Save(context.WithoutCancel(ctx), working); err != nil {
		logger.Error("state commit failed", "error", err)
		return report, fmt.Errorf("save state: %w", err)
	}
	report.Committed = true
	logger.Info("run finished, state committed")
	return report, nil
}

func (p *Pipeline) runSource(ctx context.Context, logger *slog.Logger, working *domain.GlobalState, dedup *Deduplicator, src domain.SourceDescriptor) SourceReport {
	st, _ := working.Lookup(src.ID)
	win := p.settings.Watermark.WindowFor(st, p.clock.Now())
	rep := SourceReport{SourceID: src.ID, Since: win.Since, Until: win.Until, FirstRun: win.FirstRun}

	items, err := p.adapter.Fetch(ctx, src, win.Since, win.Until)
	if err != nil {
		var fetchErr *domain.SourceFetchError
		if !errors.As(err, &fetchErr) {
			err = &domain.SourceFetchError{SourceID: src.ID, Err: err}
		}
		logger.Error("source fetch failed, watermark kept", "error", err)
		return p.abort(rep, AbortFetch)
	}
	rep.Fetched = len(items)
	p.recorder.ItemsFetched(src.ID, len(items))
	logger.Info("source fetched", "items", len(items), "since", win.Since, "until", win.Until, "first_run", win.FirstRun)

	if win.FirstRun && src.SkipExistingOnFirstRun && p.settings.Persisting {
		now := p.clock.Now()
		for _, item := range items {
			if item.ID == "" || !dedup.IsNew(src, item) {
				continue
			}
			dedup.RecordOutcome(src, item, domain.StatusSkipped, now)
			p.recorder.ItemOutcome(src.ID, domain.StatusSkipped)
			rep.Skipped++
		}
		rep.Advanced = p.settings.Watermark.Advance(working, working.Source(src.ID), win.Until)
		logger.Info("first run, existing items marked skipped", "skipped", rep.Skipped)
		return rep
	}

	queue, retried := p.queue(st, items)
	rep.Retried = retried
	for _, item := range queue {
		if ctx.Err() != nil {
			logger.Warn("source interrupted, watermark kept", "error", ctx.Err())
			return p.abort(rep, AbortCancelled)
		}
		if item.ID == "" {
			logger.Warn("item without id ignored", "url", item.URL)
			continue
		}
		if !dedup.IsNew(src, item) {
			continue
		}
		if rec, ok := dedup.Record(src, item.ID); ok && p.coolingDown(rec) {
			logger.Debug("item retry deferred", "item", item.ID, "attempts", rec.AttemptCount, "last_attempt", rec.LastAttemptAt)
			continue
		}

		itemLog := logger.With("item", item.ID)
		status, err := p.processItem(ctx, itemLog, src, item)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				dedup.RecordOutcome(src, item, domain.StatusPending, p.clock.Now())
				p.recorder.ItemOutcome(src.ID, domain.StatusPending)
				rep.Pending++
				itemLog.Warn("summarizer rate limited, source aborted", "error", err)
				return p.abort(rep, AbortRateLimited)
			}
			itemLog.Warn("item interrupted, watermark kept", "error", err)
			return p.abort(rep, AbortCancelled)
		}

		rec := dedup.RecordOutcome(src, item, status, p.clock.Now())
		p.recorder.ItemOutcome(src.ID, status)
		switch status {
		case domain.StatusSuccess:
			rep.Delivered++
		case domain.StatusFallback:
			rep.Fallback++
		case domain.StatusFailed:
			rep.Failed++
			if p.cooldownStarts(rec) {
				itemLog.Error("item keeps failing, retries deferred", "attempts", rec.AttemptCount, "cooldown", p.settings.RetryCooldown)
			}
		}
	}

	rep.Advanced = p.settings.Watermark.Advance(working, working.Source(src.ID), win.Until)
	logger.Info("source done", "delivered", rep.Delivered, "fallback", rep.Fallback, "failed", rep.Failed, "retried", rep.Retried)
	return rep
}

// processItem runs summarize, compose and publish for one item and returns the
// status to record. A non-nil error aborts the source: it is either a rate
// limit or a cancellation.
func (p *Pipeline) processItem(ctx context.Context, logger *slog.Logger, src domain.SourceDescriptor, item domain.CandidateItem) (domain.DeliveryStatus, error) {
	var (
		summary string
		outcome SummaryOutcome
		err     error
	)
	if !p.settings.Persisting && src.ForceTestSummary {
		summary, outcome = TestSummary, SummaryOK
	} else {
		summary, outcome, err = p.summarizer.Summarize(ctx, item, src.Kind)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				return "", &domain.RateLimitError{SourceID: src.ID, ItemID: item.ID, Err: err}
			}
			return "", err
		}
		p.recorder.SummaryOutcome(string(outcome))
	}

	delivered := domain.StatusSuccess
	if outcome == SummaryFallback {
		delivered = domain.StatusFallback
	}

	text, err := p.composer.Compose(src, summary, item)
	if err != nil {
		logger.Error("post composition failed", "error", err)
		return domain.StatusFailed, nil
	}

	if !p.settings.Persisting {
		logger.Info("dry run post", "summary_outcome", outcome, "text", text)
		return delivered, nil
	}

	if _, err := p.publisher.Publish(ctx, text, item.URL); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		logger.Warn("publish failed, item will be retried", "error", err)
		return domain.StatusFailed, nil
	}
	logger.Info("item published", "summary_outcome", outcome)
	return delivered, nil
}

// queue merges retryable records with the fresh fetch. Retries come first,
// oldest attempt first; a fresh copy of an item replaces its snapshot.
func (p *Pipeline) queue(st *domain.SourceState, fresh []domain.CandidateItem) ([]domain.CandidateItem, int) {
	byID := make(map[string]domain.CandidateItem, len(fresh))
	for _, item := range fresh {
		byID[item.ID] = item
	}

	var (
		out     []domain.CandidateItem
		retried int
		seen    = map[string]bool{}
	)
	if st != nil {
		for _, rec := range st.Retryable() {
			if p.coolingDown(rec) {
				continue
			}
			item := *rec.Item
			if f, ok := byID[rec.ItemID]; ok {
				item = f
			}
			item.ID = rec.ItemID
			out = append(out, item)
			seen[rec.ItemID] = true
			retried++
		}
	}
	for _, item := range fresh {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	return out, retried
}

// coolingDown reports whether a record that reached MaxAttempts must wait out
// RetryCooldown before its next attempt.
func (p *Pipeline) coolingDown(rec *domain.DeliveryRecord) bool {
	if p.settings.MaxAttempts <= 0 || p.settings.RetryCooldown <= 0 || rec.Status.Terminal() {
		return false
	}
	if rec.AttemptCount < p.settings.MaxAttempts {
		return false
	}
	return p.clock.Now().Sub(rec.LastAttemptAt) < p.settings.RetryCooldown
}

func (p *Pipeline) cooldownStarts(rec *domain.DeliveryRecord) bool {
	return p.settings.MaxAttempts > 0 && rec.Status == domain.StatusFailed && rec.AttemptCount == p.settings.MaxAttempts
}

func (p *Pipeline) abort(rep SourceReport, reason string) SourceReport {
	rep.Aborted = true
	rep.AbortReason = reason
	p.recorder.SourceAborted(rep.SourceID, reason)
	return rep
}

type nopRecorder struct{}

func (nopRecorder) ItemsFetched(string, int) {}
func (nopRecorder) ItemOutcome(string, domain.DeliveryStatus) {}
func (nopRecorder) SummaryOutcome(string) {}
func (nopRecorder) SourceAborted(string, string) {}
func (nopRecorder) RunFinished(time.Duration, bool) {}
