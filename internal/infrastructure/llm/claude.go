package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"FeedPoster/internal/config"
	"FeedPoster/internal/ports"
)

const claudeMaxTokens = 1024

// ClaudeClient implements ports.SummarizationService on the Anthropic
// Messages API.
type ClaudeClient struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ ports.SummarizationService = (*ClaudeClient)(nil)

// NewClaudeClient builds a client from configuration. SDK retries are off;
// the summarizer applies its own retry policy.
func NewClaudeClient(cfg config.SummarizerConfig) (*ClaudeClient, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("claude client misconfigured")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &ClaudeClient{
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: safePrompt(cfg.SystemPrompt),
		timeout:      cfg.Timeout,
	}, nil
}

// Generate sends the prompt as a single user message and joins the text
// blocks of the reply.
func (c *ClaudeClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   claudeMaxTokens,
		Temperature: anthropic.Float(0.2),
		System: []anthropic.TextBlockParam{
			{Text: c.systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("create message: %w", err), claudeStatus(err))
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func claudeStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
