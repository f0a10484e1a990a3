package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

// RSSScanner reads RSS and Atom feeds of generic article sites.
type RSSScanner struct {
	http   httpGetter
	logger *slog.Logger
}

var _ scanner.Scanner = (*RSSScanner)(nil)

// NewRSSScanner wires the HTTP options used for feeds and article pages.
func NewRSSScanner(opts HTTPOptions, logger *slog.Logger) *RSSScanner {
	return &RSSScanner{http: newHTTPGetter(opts), logger: logger}
}

// Name identifies the strategy inside the registry.
func (r *RSSScanner) Name() string {
	return domain.TypeRSS
}

// Scan downloads the feed and maps its entries to candidate items keyed by
// canonical link. Entries without a summary get the text of the linked page.
func (r *RSSScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.CandidateItem, error) {
	feed, err := r.parseFeed(ctx, req.Source.URL)
	if err != nil {
		return nil, err
	}

	items := make([]domain.CandidateItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		link := CanonicalURL(entry.Link)
		if link == "" {
			r.debug("entry without link skipped", "feed", req.Source.ID, "title", entry.Title)
			continue
		}

		title := strings.TrimSpace(entry.Title)
		body := HTMLToText(firstNonEmpty(entry.Description, entry.Content))
		if body == "" {
			body = r.articleText(ctx, entry.Link)
		}

		items = append(items, domain.CandidateItem{
			ID:         link,
			Title:      title,
			RawText:    strings.TrimSpace(title + "\n" + body),
			URL:        link,
			ObservedAt: entryTime(entry),
		})
	}
	return items, nil
}

func (r *RSSScanner) parseFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	body, err := r.http.get(ctx, feedURL, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	feed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return feed, nil
}

// articleText fetches the linked page and keeps its paragraph text. Failures
// yield an empty body.
func (r *RSSScanner) articleText(ctx context.Context, pageURL string) string {
	body, err := r.http.get(ctx, pageURL, nil)
	if err != nil {
		r.debug("article text unavailable", "url", pageURL, "error", err)
		return ""
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		r.debug("article parse failed", "url", pageURL, "error", err)
		return ""
	}
	doc.Find("script, style, noscript").Remove()

	var lines []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			lines = append(lines, t)
		}
	})
	return strings.Join(lines, "\n")
}

func (r *RSSScanner) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

func entryTime(entry *gofeed.Item) *time.Time {
	for _, ts := range []*time.Time{entry.PublishedParsed, entry.UpdatedParsed} {
		if ts != nil {
			t := ts.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
