package ports

import (
	"context"
	"time"

	"FeedPoster/internal/domain"
)

// SourceAdapter pulls candidate items for one source and time window. It must
// not touch delivery state.
type SourceAdapter interface {
	Fetch(ctx context.Context, src domain.SourceDescriptor, since, until time.Time) ([]domain.CandidateItem, error)
}

// SummarizationService turns a prompt into text. Failures are returned as
// *domain.ServiceError tagged rate_limited, transient or fatal.
type SummarizationService interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LinkPreview is the rich card attached to a post.
type LinkPreview struct {
	URL         string
	Title       string
	Description string
	Thumb       *BlobRef
}

// BlobRef identifies uploaded media on the publishing service.
type BlobRef struct {
	Raw      []byte
	MimeType string
	Size     int
}

// PublishingService delivers posts to the social network.
type PublishingService interface {
	CreatePost(ctx context.Context, text string) error
	CreatePostWithPreview(ctx context.Context, text string, preview LinkPreview) error
	UploadMedia(ctx context.Context, data []byte, mimeType string) (*BlobRef, error)
}

// PreviewCard is metadata extracted from a target page.
type PreviewCard struct {
	Title       string
	Description string
	ImageURL    string
}

// PreviewFetcher extracts link-preview metadata and downloads thumbnails.
type PreviewFetcher interface {
	Fetch(ctx context.Context, url string) (PreviewCard, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// StateStore loads and atomically saves the durable state document.
type StateStore interface {
	Load(ctx context.Context) (*domain.GlobalState, error)
	Save(ctx context.Context, state *domain.GlobalState) error
}

// StateInspector decodes the durable state without repairing or rewriting it.
type StateInspector interface {
	Inspect(ctx context.Context) (*domain.GlobalState, error)
}

// Clock abstracts wall time and blocking sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// RunRecorder receives per-run observations.
type RunRecorder interface {
	ItemsFetched(sourceID string, n int)
	ItemOutcome(sourceID string, status domain.DeliveryStatus)
	SummaryOutcome(outcome string)
	SourceAborted(sourceID, reason string)
	RunFinished(duration time.Duration, committed bool)
}
