package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// PublishOutcome is the result of one publish attempt.
type PublishOutcome string

const (
	PublishSuccess PublishOutcome = "success"
	PublishFailed  PublishOutcome = "failed"
)

// PublisherSettings controls previews, pacing and retries.
type PublisherSettings struct {
	LinkPreview   bool
	MaxThumbBytes int
	PacingMin     time.Duration
	PacingMax     time.Duration
	Retry         RetryPolicy
}

// Publisher delivers composed posts, enriching them with a link preview when
// possible and pacing consecutive posts.
type Publisher struct {
	service  ports.PublishingService
	previews ports.PreviewFetcher
	settings PublisherSettings
	clock    ports.Clock
	rnd      func() float64
	logger   *slog.Logger

	published bool
}

// NewPublisher wires the publishing service. previews may be nil.
func NewPublisher(service ports.PublishingService, previews ports.PreviewFetcher, settings PublisherSettings, clock ports.Clock, logger *slog.Logger) *Publisher {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{service: service, previews: previews, settings: settings, clock: clock, logger: logger}
}

// Publish posts text. url is the item link used for the preview card.
func (p *Publisher) Publish(ctx context.Context, text, url string) (PublishOutcome, error) {
	if p.published {
		delay := randomBetween(p.rnd, p.settings.PacingMin, p.settings.PacingMax)
		p.logger.Debug("pacing before publish", "delay", delay)
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return PublishFailed, fmt.Errorf("pacing: %w", err)
		}
	}

	if p.settings.LinkPreview && p.previews != nil && url != "" {
		preview, err := p.buildPreview(ctx, url)
		if err == nil {
			err = p.service.CreatePostWithPreview(ctx, text, preview)
			if err != nil && ambiguous(err) {
				p.logger.Warn("link preview post timed out, not reposting in this run", "url", url, "error", err)
				return PublishFailed, fmt.Errorf("post outcome unknown: %w", err)
			}
		}
		if err == nil {
			p.published = true
			return PublishSuccess, nil
		}
		if ctx.Err() != nil {
			return PublishFailed, ctx.Err()
		}
		p.logger.Warn("link preview post failed, falling back to plain post", "url", url, "error", err)
	}

	attempts, err := retry(ctx, p.clock, p.settings.Retry, p.rnd,
		func(err error) bool { return domain.KindOf(err) != domain.ServiceFatal && !ambiguous(err) },
		func(attempt int, delay time.Duration, err error) {
			p.logger.Warn("publish failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
		func(ctx context.Context) error { return p.service.CreatePost(ctx, text) })
	if err != nil {
		if domain.KindOf(err) != domain.ServiceFatal {
			err = &domain.TransientServiceError{Service: "publisher", Attempts: attempts, Err: err}
		}
		return PublishFailed, err
	}

	p.published = true
	return PublishSuccess, nil
}

func (p *Publisher) buildPreview(ctx context.Context, url string) (ports.LinkPreview, error) {
	card, err := p.previews.Fetch(ctx, url)
	if err != nil {
		return ports.LinkPreview{}, fmt.Errorf("fetch preview: %w", err)
	}
	title := strings.TrimSpace(card.Title)
	desc := strings.TrimSpace(card.Description)
	if title == "" && desc == "" {
		return ports.LinkPreview{}, errors.New("page has no preview metadata")
	}
	if title == "" {
		title = url
	}

	preview := ports.LinkPreview{URL: url, Title: title, Description: desc}
	if card.ImageURL == "" {
		return preview, nil
	}

	data, mimeType, err := p.previews.Download(ctx, card.ImageURL)
	switch {
	case err != nil:
		p.logger.Debug("thumbnail download failed", "image", card.ImageURL, "error", err)
	case p.settings.MaxThumbBytes > 0 && len(data) > p.settings.MaxThumbBytes:
		p.logger.Debug("thumbnail too large", "image", card.ImageURL, "bytes", len(data))
	default:
		blob, err := p.service.UploadMedia(ctx, data, mimeType)
		if err != nil {
			p.logger.Debug("thumbnail upload failed", "image", card.ImageURL, "error", err)
			break
		}
		preview.Thumb = blob
	}
	return preview, nil
}

// ambiguous reports a post write that timed out waiting for the response. The
// service may have accepted the post, so it is not sent again in this run.
func ambiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
