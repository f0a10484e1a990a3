package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultUserAgent = "FeedPoster/1.0"

// HTTPOptions configures the client shared by the scanners.
type HTTPOptions struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
}

type httpGetter struct {
	client    *http.Client
	userAgent string
}

func newHTTPGetter(opts HTTPOptions) httpGetter {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return httpGetter{client: client, userAgent: ua}
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.URL, e.Status)
}

// get performs a GET and returns the body of a 200 response. The caller closes
// the body.
func (g httpGetter) get(ctx context.Context, pageURL string, header http.Header) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{URL: pageURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, nil
}
