package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"FeedPoster/internal/config"
	"FeedPoster/internal/ports"
)

// GeminiClient implements ports.SummarizationService on the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ ports.SummarizationService = (*GeminiClient)(nil)

// NewGeminiClient builds a client from configuration. An empty endpoint keeps
// the SDK default.
func NewGeminiClient(ctx context.Context, cfg config.SummarizerConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is not configured")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client:       client,
		model:        cfg.Model,
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
		timeout:      cfg.Timeout,
	}, nil
}

// Generate sends the prompt as a single user turn and returns the reply text.
func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
	}
	if g.systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify(fmt.Errorf("gemini generate: %w", err), geminiStatus(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil
	}
	return resp.Text(), nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
