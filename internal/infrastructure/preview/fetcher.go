package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"FeedPoster/internal/ports"
)

const (
	maxPageBytes  = 2 << 20
	maxImageBytes = 5 << 20
)

// Fetcher reads Open Graph metadata from target pages.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

var _ ports.PreviewFetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher. A nil client gets a 15 second timeout.
func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, userAgent: userAgent}
}

// Fetch extracts the card for pageURL. og: tags win over twitter: tags, which
// win over <title> and the description meta tag.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (ports.PreviewCard, error) {
	resp, err := f.get(ctx, pageURL)
	if err != nil {
		return ports.PreviewCard{}, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return ports.PreviewCard{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	card := ports.PreviewCard{
		Title:       firstNonEmpty(meta(doc, "og:title"), meta(doc, "twitter:title"), strings.TrimSpace(doc.Find("title").First().Text())),
		Description: firstNonEmpty(meta(doc, "og:description"), meta(doc, "twitter:description"), meta(doc, "description")),
	}
	if img := firstNonEmpty(meta(doc, "og:image"), meta(doc, "twitter:image")); img != "" {
		card.ImageURL = resolve(resp.Request.URL, img)
	}
	return card, nil
}

// Download fetches an image and reports its media type.
func (f *Fetcher) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	resp, err := f.get(ctx, imageURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", imageURL, err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image %s exceeds %d bytes", imageURL, maxImageBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", errors.New("thumbnail is not an image")
	}
	return data, mimeType, nil
}

func (f *Fetcher) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %s", target, resp.Status)
	}
	return resp, nil
}

func meta(doc *goquery.Document, key string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
