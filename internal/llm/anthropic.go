package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicURL = "https://api.anthropic.com/v1"
	anthropicVersion    = "2023-06-01"
)

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Anthropic calls the Messages API.
type Anthropic struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func newAnthropic(cfg Config, o options) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic: api key must be provided")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultAnthropicURL
	}
	return &Anthropic{
		apiKey:    cfg.APIKey,
		baseURL:   base,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    o.httpClient,
		logger:    o.logger,
	}, nil
}

// Name implements Provider.
func (p *Anthropic) Name() string { return ProviderAnthropic + ":" + p.model }

// Generate implements Provider.
func (p *Anthropic) Generate(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	var resp anthropicResponse
	err := postJSON(ctx, p.client, p.baseURL+"/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}, anthropicRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("llm: anthropic: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm: anthropic: %s", resp.Error.Message)
	}

	var b strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", ErrEmptyResponse
	}
	logDone(p.logger, ProviderAnthropic, p.model, start, reply)
	return reply, nil
}
