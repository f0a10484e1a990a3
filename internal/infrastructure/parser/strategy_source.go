package parser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
	"FeedPoster/internal/scanner"
)

// StrategySource implements SourceAdapter via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	logger   *slog.Logger
}

var _ ports.SourceAdapter = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry.
func NewStrategySource(reg *scanner.Registry, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		logger:   log,
	}
}

// Fetch runs the scanner registered for the source type and applies the
// common contract: items outside [since, until] and scored items below the
// severity threshold are dropped, the max_items newest are kept, and they are
// returned oldest first.
func (s *StrategySource) Fetch(ctx context.Context, src domain.SourceDescriptor, since, until time.Time) ([]domain.CandidateItem, error) {
	if s.registry == nil {
		return nil, &domain.SourceFetchError{SourceID: src.ID, Err: fmt.Errorf("scanner registry is not configured")}
	}

	strategy, err := s.registry.Resolve(src.Type)
	if err != nil {
		return nil, &domain.SourceFetchError{SourceID: src.ID, Err: err}
	}

	s.debug("scan source", "source", src.ID, "scanner", strategy.Name(), "since", since, "until", until)
	results, err := strategy.Scan(ctx, scanner.Request{Source: src, Since: since, Until: until})
	if err != nil {
		return nil, &domain.SourceFetchError{SourceID: src.ID, Err: err}
	}

	items := selectItems(src, results, since, until)
	s.debug("source produced items", "source", src.ID, "scanned", len(results), "kept", len(items))
	return items, nil
}

func selectItems(src domain.SourceDescriptor, results []domain.CandidateItem, since, until time.Time) []domain.CandidateItem {
	seen := make(map[string]struct{}, len(results))
	kept := make([]domain.CandidateItem, 0, len(results))
	for _, item := range results {
		if item.ID == "" {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		if item.ObservedAt != nil && (item.ObservedAt.Before(since) || item.ObservedAt.After(until)) {
			continue
		}
		if src.Scored() && src.SeverityThreshold > 0 && item.SeverityScore() < src.SeverityThreshold {
			continue
		}
		seen[item.ID] = struct{}{}
		kept = append(kept, item)
	}

	// Undated items count as observed at the end of the window and keep their
	// feed order among themselves.
	observed := func(it domain.CandidateItem) time.Time {
		if it.ObservedAt != nil {
			return *it.ObservedAt
		}
		return until
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return observed(kept[i]).After(observed(kept[j]))
	})

	if src.MaxItems > 0 && len(kept) > src.MaxItems {
		kept = kept[:src.MaxItems]
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func (s *StrategySource) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
