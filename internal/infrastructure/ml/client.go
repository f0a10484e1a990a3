package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

const serviceName = "summarizer"

// Client talks to a self-hosted summarization service over JSON.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ ports.SummarizationService = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
	}
}

// Generate requests a summary for the prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"prompt": prompt,
	}
	if c.model != "" {
		payload["model"] = c.model
	}

	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.post(ctx, "/summarize", payload, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewServiceError(serviceName, domain.ServiceTransient, 0, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		svcErr := domain.NewServiceError(serviceName, domain.ClassifyHTTPStatus(resp.StatusCode), resp.StatusCode, err)
		svcErr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return svcErr
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return domain.NewServiceError(serviceName, domain.ServiceFatal, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func retryAfter(raw string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
