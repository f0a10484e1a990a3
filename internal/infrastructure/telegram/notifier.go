package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	serviceName    = "telegram"
)

// Notifier publishes posts to a Telegram chat via bot API.
type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.PublishingService = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier. An empty apiBase uses
// the public bot API.
func NewNotifier(apiBase, botToken, chatID string) *Notifier {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Notifier{
		apiBase:  strings.TrimRight(apiBase, "/"),
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// CreatePost sends a plain text message without a link preview.
func (n *Notifier) CreatePost(ctx context.Context, text string) error {
	form := url.Values{}
	form.Set("text", text)
	form.Set("link_preview_options", `{"is_disabled":true}`)
	return n.send(ctx, form)
}

// CreatePostWithPreview lets Telegram render the preview for the target URL.
// The card fields are built by Telegram itself, so only the URL is used.
func (n *Notifier) CreatePostWithPreview(ctx context.Context, text string, preview ports.LinkPreview) error {
	opts, err := json.Marshal(map[string]any{"url": preview.URL, "prefer_large_media": preview.Thumb != nil})
	if err != nil {
		return fmt.Errorf("marshal preview options: %w", err)
	}
	form := url.Values{}
	form.Set("text", text)
	form.Set("link_preview_options", string(opts))
	return n.send(ctx, form)
}

// UploadMedia keeps the image in memory. The bot API fetches preview images
// on its own, so nothing is uploaded.
func (n *Notifier) UploadMedia(_ context.Context, data []byte, mimeType string) (*ports.BlobRef, error) {
	return &ports.BlobRef{MimeType: mimeType, Size: len(data)}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (n *Notifier) send(ctx context.Context, form url.Values) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return domain.NewServiceError(serviceName, domain.ServiceFatal, 0, errors.New("telegram notifier misconfigured"))
	}
	form.Set("chat_id", n.chatID)

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewServiceError(serviceName, domain.ServiceTransient, 0, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	svcErr := domain.NewServiceError(serviceName, domain.ClassifyHTTPStatus(resp.StatusCode), resp.StatusCode,
		fmt.Errorf("telegram error %d: %s", resp.StatusCode, body.Description))
	svcErr.RetryAfter = time.Duration(body.Parameters.RetryAfter) * time.Second
	return svcErr
}
