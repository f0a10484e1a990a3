package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"FeedPoster/internal/config"
	"FeedPoster/internal/ports"
)

// ChatGPTClient implements ports.SummarizationService backed by OpenAI-compatible APIs.
type ChatGPTClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ ports.SummarizationService = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.SummarizerConfig) (*ChatGPTClient, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("chatgpt client misconfigured")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		oc.BaseURL = strings.TrimRight(endpoint, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	return &ChatGPTClient{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		systemPrompt: safePrompt(cfg.SystemPrompt),
		timeout:      cfg.Timeout,
	}, nil
}

// Generate posts the prompt as a user message and returns the first choice.
func (c *ChatGPTClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("chat completion: %w", err), openAIStatus(err))
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You summarize security advisories and technical articles for a social media feed."
	}
	return prompt
}
