package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

const (
	// DefaultNVDURL is the CVE endpoint of the NVD API 2.0.
	DefaultNVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	nvdDetailURL  = "https://nvd.nist.gov/vuln/detail/"
	nvdTimeLayout = "2006-01-02T15:04:05.000Z"
	nvdMaxRange   = 120 * 24 * time.Hour
	nvdPageSize   = 2000

	// Public rate limits: requests per rolling window.
	nvdRequestsAnonymous = 5
	nvdRequestsWithKey   = 50
)

// NVDOptions configures the NVD API client.
type NVDOptions struct {
	HTTP     HTTPOptions
	BaseURL  string
	APIKey   string
	Window   time.Duration
	PageSize int
}

// NVDScanner queries the NVD CVE API for vulnerabilities published in the
// requested window.
type NVDScanner struct {
	http     httpGetter
	baseURL  string
	apiKey   string
	pageSize int
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ scanner.Scanner = (*NVDScanner)(nil)

// NewNVDScanner builds a scanner whose request rate stays within the public
// NVD limits for the configured key.
func NewNVDScanner(opts NVDOptions, logger *slog.Logger) *NVDScanner {
	base := opts.BaseURL
	if base == "" {
		base = DefaultNVDURL
	}
	window := opts.Window
	if window <= 0 {
		window = 30 * time.Second
	}
	perWindow := nvdRequestsAnonymous
	if opts.APIKey != "" {
		perWindow = nvdRequestsWithKey
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > nvdPageSize {
		pageSize = nvdPageSize
	}
	return &NVDScanner{
		http:     newHTTPGetter(opts.HTTP),
		baseURL:  base,
		apiKey:   opts.APIKey,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(perWindow)), 1),
		logger:   logger,
	}
}

// Name identifies the strategy inside the registry.
func (n *NVDScanner) Name() string {
	return domain.TypeNVDAPI
}

type nvdResponse struct {
	ResultsPerPage  int       `json:"resultsPerPage"`
	StartIndex      int       `json:"startIndex"`
	TotalResults    int       `json:"totalResults"`
	Vulnerabilities []nvdVuln `json:"vulnerabilities"`
}

type nvdVuln struct {
	CVE nvdCVE `json:"cve"`
}

type nvdCVE struct {
	ID           string                 `json:"id"`
	Published    string                 `json:"published"`
	Status       string                 `json:"vulnStatus"`
	Descriptions []nvdDescription       `json:"descriptions"`
	Metrics      map[string][]nvdMetric `json:"metrics"`
}

type nvdDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetric struct {
	Type     string `json:"type"`
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

// metricPreference orders CVSS versions from newest to oldest.
var metricPreference = []string{"cvssMetricV40", "cvssMetricV31", "cvssMetricV30", "cvssMetricV2"}

// Scan pages through every CVE published in [Since, Until].
func (n *NVDScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.CandidateItem, error) {
	since, until := req.Since.UTC(), req.Until.UTC()
	if until.Sub(since) > nvdMaxRange {
		n.debug("nvd window exceeds api range, clamping", "since", since, "until", until)
		since = until.Add(-nvdMaxRange)
	}

	base := n.baseURL
	if req.Source.URL != "" {
		base = req.Source.URL
	}

	var items []domain.CandidateItem
	for start := 0; ; {
		page, err := n.fetchPage(ctx, base, since, until, start)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vulnerabilities {
			if item, ok := toCandidate(v.CVE); ok {
				items = append(items, item)
			}
		}

		start += len(page.Vulnerabilities)
		if len(page.Vulnerabilities) == 0 || start >= page.TotalResults {
			break
		}
	}
	n.debug("nvd scan done", "items", len(items), "since", since, "until", until)
	return items, nil
}

func (n *NVDScanner) fetchPage(ctx context.Context, base string, since, until time.Time, start int) (*nvdResponse, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("nvd rate limiter: %w", err)
	}

	pageURL, err := buildNVDURL(base, since, until, start, n.pageSize)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if n.apiKey != "" {
		header.Set("apiKey", n.apiKey)
	}

	body, err := n.http.get(ctx, pageURL, header)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var page nvdResponse
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode nvd response: %w", err)
	}
	return &page, nil
}

func buildNVDURL(base string, since, until time.Time, start, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid nvd url %s: %w", base, err)
	}
	query := parsed.Query()
	query.Set("pubStartDate", since.UTC().Format(nvdTimeLayout))
	query.Set("pubEndDate", until.UTC().Format(nvdTimeLayout))
	query.Set("startIndex", strconv.Itoa(start))
	query.Set("resultsPerPage", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func toCandidate(cve nvdCVE) (domain.CandidateItem, bool) {
	id := strings.TrimSpace(cve.ID)
	if id == "" || strings.EqualFold(cve.Status, "Rejected") {
		return domain.CandidateItem{}, false
	}

	desc := ""
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			desc = strings.TrimSpace(d.Value)
			break
		}
	}

	item := domain.CandidateItem{
		ID:       id,
		Title:    id,
		RawText:  desc,
		URL:      nvdDetailURL + id,
		Severity: baseScore(cve.Metrics),
		Identity: id,
	}
	if t, err := parseNVDTime(cve.Published); err == nil {
		item.ObservedAt = &t
	}
	return item, true
}

// baseScore returns the primary score of the newest CVSS version present.
func baseScore(metrics map[string][]nvdMetric) *float64 {
	for _, key := range metricPreference {
		entries := metrics[key]
		if len(entries) == 0 {
			continue
		}
		chosen := entries[0]
		for _, m := range entries {
			if m.Type == "Primary" {
				chosen = m
				break
			}
		}
		score := chosen.CVSSData.BaseScore
		return &score
	}
	return nil
}

func parseNVDTime(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized nvd timestamp %q", raw)
}

func (n *NVDScanner) debug(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Debug(msg, args...)
	}
}
