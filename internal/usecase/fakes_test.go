package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// scriptedSummaries returns the queued results in order, then repeats the last.
type scriptedSummaries struct {
	results []summaryResult
	prompts []string
}

type summaryResult struct {
	text string
	err  error
}

func (s *scriptedSummaries) Generate(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.results) == 0 {
		return "summary", nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.text, r.err
}

func rateLimited() error {
	return domain.NewServiceError("summarizer", domain.ServiceRateLimited, 429, errors.New("quota exceeded"))
}

func transient() error {
	return domain.NewServiceError("summarizer", domain.ServiceTransient, 503, errors.New("overloaded"))
}

func fatal() error {
	return domain.NewServiceError("summarizer", domain.ServiceFatal, 400, errors.New("bad request"))
}

type recordingPublisher struct {
	posts      []string
	previews   []ports.LinkPreview
	uploads    int
	plainErrs  []error
	previewErr error
	uploadErr  error
}

func (p *recordingPublisher) CreatePost(_ context.Context, text string) error {
	if len(p.plainErrs) > 0 {
		err := p.plainErrs[0]
		p.plainErrs = p.plainErrs[1:]
		if err != nil {
			return err
		}
	}
	p.posts = append(p.posts, text)
	return nil
}

func (p *recordingPublisher) CreatePostWithPreview(_ context.Context, text string, preview ports.LinkPreview) error {
	if p.previewErr != nil {
		return p.previewErr
	}
	p.posts = append(p.posts, text)
	p.previews = append(p.previews, preview)
	return nil
}

func (p *recordingPublisher) UploadMedia(_ context.Context, data []byte, mimeType string) (*ports.BlobRef, error) {
	if p.uploadErr != nil {
		return nil, p.uploadErr
	}
	p.uploads++
	return &ports.BlobRef{Raw: []byte(`{"$type":"blob"}`), MimeType: mimeType, Size: len(data)}, nil
}

type stubPreviews struct {
	card   ports.PreviewCard
	err    error
	image  []byte
	imgErr error
}

func (s stubPreviews) Fetch(context.Context, string) (ports.PreviewCard, error) {
	return s.card, s.err
}

func (s stubPreviews) Download(context.Context, string) ([]byte, string, error) {
	return s.image, "image/png", s.imgErr
}

type memStore struct {
	state   *domain.GlobalState
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore { return &memStore{state: domain.NewGlobalState()} }

func (m *memStore) Load(context.Context) (*domain.GlobalState, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.state.Clone(), nil
}

func (m *memStore) Save(_ context.Context, state *domain.GlobalState) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.state = state.Clone()
	return nil
}

type fetchCall struct {
	source       string
	since, until time.Time
}

type fakeAdapter struct {
	items map[string][]domain.CandidateItem
	errs  map[string]error
	calls []fetchCall
}

func (f *fakeAdapter) Fetch(_ context.Context, src domain.SourceDescriptor, since, until time.Time) ([]domain.CandidateItem, error) {
	f.calls = append(f.calls, fetchCall{source: src.ID, since: since, until: until})
	if err := f.errs[src.ID]; err != nil {
		return nil, err
	}
	return f.items[src.ID], nil
}

type countingRecorder struct {
	outcomes map[domain.DeliveryStatus]int
	aborted  map[string]string
	runs     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[domain.DeliveryStatus]int{}, aborted: map[string]string{}}
}

func (r *countingRecorder) ItemsFetched(string, int) {}

func (r *countingRecorder) ItemOutcome(_ string, status domain.DeliveryStatus) { r.outcomes[status]++ }

func (r *countingRecorder) SummaryOutcome(string) {}

func (r *countingRecorder) SourceAborted(id, reason string) { r.aborted[id] = reason }

func (r *countingRecorder) RunFinished(time.Duration, bool) { r.runs++ }

func score(v float64) *float64 { return &v }

func genericSource(id string) domain.SourceDescriptor {
	return domain.SourceDescriptor{ID: id, Type: domain.TypeRSS, Kind: domain.KindGeneric, Enabled: true, MaxItems: 50}
}

func scoredSource(id string) domain.SourceDescriptor {
	return domain.SourceDescriptor{ID: id, Type: domain.TypeNVDAPI, Kind: domain.KindScoredFeed, Enabled: true, MaxItems: 50}
}

func article(id string) domain.CandidateItem {
	return domain.CandidateItem{
		ID:      id,
		Title:   "Title " + id,
		RawText: "A long enough body line describing " + id,
		URL:     id,
	}
}

func cve(id, identity string, severity float64) domain.CandidateItem {
	return domain.CandidateItem{
		ID:       id,
		Title:    identity,
		RawText:  "A remote attacker could execute arbitrary code.",
		URL:      "https://nvd.nist.gov/vuln/detail/" + identity,
		Severity: score(severity),
		Identity: identity,
	}
}
