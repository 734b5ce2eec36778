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

const defaultOpenAIURL = "https://api.openai.com/v1"

type openAIRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAI calls the chat completions API. Any compatible server works when
// BaseURL points at it.
type OpenAI struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func newOpenAI(cfg Config, o options) (*OpenAI, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIURL
		if cfg.APIKey == "" {
			return nil, errors.New("llm: openai: api key must be provided")
		}
	}
	return &OpenAI{
		apiKey:    cfg.APIKey,
		baseURL:   base,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    o.httpClient,
		logger:    o.logger,
	}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string { return ProviderOpenAI + ":" + p.model }

// Generate implements Provider.
func (p *OpenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	var resp openAIResponse
	err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", headers, openAIRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("llm: openai: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm: openai: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	logDone(p.logger, ProviderOpenAI, p.model, start, reply)
	return reply, nil
}
