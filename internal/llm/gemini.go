package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini generates through the Google GenAI SDK.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int32
	logger    *slog.Logger
}

func newGemini(cfg Config, o options) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: gemini: api key must be provided")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini: create client: %w", err)
	}
	return &Gemini{
		client:    client,
		model:     model,
		maxTokens: int32(cfg.MaxTokens),
		logger:    o.logger,
	}, nil
}

// Name implements Provider.
func (p *Gemini) Name() string { return ProviderGemini + ":" + p.model }

// Generate implements Provider.
func (p *Gemini) Generate(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	gc := &genai.GenerateContentConfig{MaxOutputTokens: p.maxTokens}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	result, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, gc)
	if err != nil {
		return "", fmt.Errorf("llm: gemini: %w", err)
	}
	reply := strings.TrimSpace(result.Text())
	if reply == "" {
		return "", ErrEmptyResponse
	}
	logDone(p.logger, ProviderGemini, p.model, start, reply)
	return reply, nil
}
