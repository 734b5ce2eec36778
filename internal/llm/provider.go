// Package llm talks to the language model backends the bridge can answer
// with.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

// Provider names accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderEcho      = "echo"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 256
	errorBodyLimit   = 240
)

// ErrEmptyResponse is returned when a backend answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Provider generates a reply for a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return c
}

// Option customises a provider.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client built from Config.Timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// New builds the provider named by cfg.Provider.
func New(cfg Config, opts ...Option) (Provider, error) {
	cfg = cfg.withDefaults()
	o := options{logger: observability.NoOpLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	o.logger = observability.Component(o.logger, "llm")

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOllama, "":
		return newOllama(cfg, o), nil
	case ProviderAnthropic:
		return newAnthropic(cfg, o)
	case ProviderOpenAI:
		return newOpenAI(cfg, o)
	case ProviderGemini:
		return newGemini(cfg, o)
	case ProviderEcho, "none":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// Fallback is the short text sent to the user when generation fails.
func Fallback(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Sorry, the model took too long to answer. Try again later."
	}
	return "Sorry, I couldn't generate a response right now."
}

// postJSON sends body to url and decodes a 2xx response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, compact(string(data), errorBodyLimit))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func compact(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func logDone(logger *slog.Logger, provider, model string, start time.Time, reply string) {
	logger.Debug("generation complete",
		slog.String("provider", provider),
		slog.String("model", model),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("reply_len", len(reply)),
	)
}
