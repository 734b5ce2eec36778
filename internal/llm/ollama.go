package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

// Ollama calls a local Ollama server's chat endpoint.
type Ollama struct {
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func newOllama(cfg Config, o options) *Ollama {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOllamaURL
	}
	return &Ollama{
		baseURL:   base,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    o.httpClient,
		logger:    o.logger,
	}
}

// Name implements Provider.
func (p *Ollama) Name() string { return ProviderOllama + ":" + p.model }

// Generate implements Provider.
func (p *Ollama) Generate(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	var resp ollamaResponse
	err := postJSON(ctx, p.client, p.baseURL+"/api/chat", nil, ollamaRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"num_predict": p.maxTokens},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("llm: ollama: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("llm: ollama: %s", resp.Error)
	}
	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	logDone(p.logger, ProviderOllama, p.model, start, reply)
	return reply, nil
}
