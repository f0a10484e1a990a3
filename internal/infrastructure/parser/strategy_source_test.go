package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

type stubScanner struct {
	name  string
	items []domain.CandidateItem
	err   error
}

func (s stubScanner) Name() string { return s.name }

func (s stubScanner) Scan(context.Context, scanner.Request) ([]domain.CandidateItem, error) {
	return s.items, s.err
}

func at(hour int) *time.Time {
	t := time.Date(2026, time.March, 1, hour, 0, 0, 0, time.UTC)
	return &t
}

func ptr(v float64) *float64 { return &v }

func TestStrategySourceOrdersAndCaps(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(stubScanner{name: domain.TypeRSS, items: []domain.CandidateItem{
		{ID: "newest", ObservedAt: at(11)},
		{ID: "old", ObservedAt: at(2)},
		{ID: "middle", ObservedAt: at(8)},
		{ID: "middle", ObservedAt: at(8)},
		{ID: "outside", ObservedAt: at(0)},
		{ID: ""},
		{ID: "older", ObservedAt: at(5)},
	}})

	src := NewStrategySource(reg, nil)
	items, err := src.Fetch(context.Background(),
		domain.SourceDescriptor{ID: "blog", Type: domain.TypeRSS, Kind: domain.KindGeneric, MaxItems: 3},
		*at(1), *at(12))
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	want := []string{"older", "middle", "newest"}
	if len(ids) != len(want) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected order: %v", ids)
		}
	}
}

func TestStrategySourceSeverityThreshold(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(stubScanner{name: domain.TypeNVDAPI, items: []domain.CandidateItem{
		{ID: "low", Severity: ptr(4.3)},
		{ID: "unscored"},
		{ID: "high", Severity: ptr(9.1)},
	}})

	src := NewStrategySource(reg, nil)
	items, err := src.Fetch(context.Background(), domain.SourceDescriptor{
		ID: "nvd", Type: domain.TypeNVDAPI, Kind: domain.KindScoredFeed, SeverityThreshold: 7.0,
	}, *at(0), *at(12))
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 1 || items[0].ID != "high" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestStrategySourceWrapsErrors(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(stubScanner{name: domain.TypeRSS, err: errors.New("boom")})
	src := NewStrategySource(reg, nil)

	_, err := src.Fetch(context.Background(), domain.SourceDescriptor{ID: "blog", Type: domain.TypeRSS}, *at(0), *at(1))
	var fetchErr *domain.SourceFetchError
	if !errors.As(err, &fetchErr) || fetchErr.SourceID != "blog" {
		t.Fatalf("expected SourceFetchError, got %v", err)
	}

	_, err = src.Fetch(context.Background(), domain.SourceDescriptor{ID: "x", Type: "gopher"}, *at(0), *at(1))
	if !errors.As(err, &fetchErr) {
		t.Fatalf("unregistered type should be a fetch error, got %v", err)
	}
}
