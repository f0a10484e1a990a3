package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

// DefaultJVNFeedURL is the JVN iPedia feed of newly published entries.
const DefaultJVNFeedURL = "https://jvndb.jvn.jp/ja/rss/jvndb_new.rdf"

// jvnDateLayouts covers the W3C-DTF forms used in dc:date and dcterms:issued.
var jvnDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

// JVNScanner reads the JVN RDF feed and its sec: vulnerability extensions.
type JVNScanner struct {
	http   httpGetter
	logger *slog.Logger
}

var _ scanner.Scanner = (*JVNScanner)(nil)

// NewJVNScanner wires the HTTP options used for the feed.
func NewJVNScanner(opts HTTPOptions, logger *slog.Logger) *JVNScanner {
	return &JVNScanner{http: newHTTPGetter(opts), logger: logger}
}

// Name identifies the strategy inside the registry.
func (j *JVNScanner) Name() string {
	return domain.TypeJVNRSS
}

// Scan maps feed entries to scored items. The first CVE reference becomes the
// identity so the same vulnerability from NVD is not posted twice.
func (j *JVNScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.CandidateItem, error) {
	feedURL := req.Source.URL
	if feedURL == "" {
		feedURL = DefaultJVNFeedURL
	}

	body, err := j.http.get(ctx, feedURL, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	feed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse jvn feed: %w", err)
	}

	items := make([]domain.CandidateItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		sec := entry.Extensions["sec"]
		id := strings.TrimSpace(extValue(sec, "identifier"))
		if id == "" {
			id = CanonicalURL(entry.Link)
		}
		if id == "" {
			continue
		}

		identity := cveReference(sec)
		if identity == "" {
			identity = id
		}

		title := strings.TrimSpace(entry.Title)
		items = append(items, domain.CandidateItem{
			ID:         id,
			Title:      title,
			RawText:    strings.TrimSpace(title + "\n" + HTMLToText(entry.Description)),
			URL:        strings.TrimSpace(entry.Link),
			Severity:   jvnScore(sec),
			Identity:   identity,
			ObservedAt: jvnTime(entry),
		})
	}
	if j.logger != nil {
		j.logger.Debug("jvn feed parsed", "entries", len(feed.Items), "items", len(items))
	}
	return items, nil
}

func extValue(group map[string][]ext.Extension, name string) string {
	for _, e := range group[name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

func cveReference(sec map[string][]ext.Extension) string {
	for _, ref := range sec["references"] {
		if !strings.EqualFold(ref.Attrs["source"], "CVE") {
			continue
		}
		if id := strings.TrimSpace(ref.Attrs["id"]); id != "" {
			return strings.ToUpper(id)
		}
	}
	return ""
}

// jvnScore picks the base score of the newest CVSS version present.
func jvnScore(sec map[string][]ext.Extension) *float64 {
	var (
		best    *float64
		bestVer float64
	)
	for _, c := range sec["cvss"] {
		score, err := strconv.ParseFloat(strings.TrimSpace(c.Attrs["score"]), 64)
		if err != nil {
			continue
		}
		version, _ := strconv.ParseFloat(c.Attrs["version"], 64)
		if best == nil || version > bestVer {
			s := score
			best, bestVer = &s, version
		}
	}
	return best
}

func jvnTime(entry *gofeed.Item) *time.Time {
	if t := entryTime(entry); t != nil {
		return t
	}
	candidates := []string{extValue(entry.Extensions["dcterms"], "issued")}
	if entry.DublinCoreExt != nil && len(entry.DublinCoreExt.Date) > 0 {
		candidates = append(candidates, entry.DublinCoreExt.Date[0])
	}
	for _, raw := range candidates {
		for _, layout := range jvnDateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
