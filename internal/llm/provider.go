package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/pkg/ollama"
)

// Provider names accepted in llm.provider.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

var ErrAPIKeyRequired = errors.New("API key required")

// Request is one model completion.
type Request struct {
	System    string
	Prompt    string
	JSON      bool
	MaxTokens int
}

// Response is the raw model output with token usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is a model backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.LLMConfig, httpClient *http.Client) (Provider, error) {
	switch cfg.Provider {
	case ProviderOllama:
		c, err := ollama.NewClient(ollama.Config{
			BaseURL: cfg.RuntimeBaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
			Backoff: cfg.Backoff,
		}, httpClient)
		if err != nil {
			return nil, fmt.Errorf("ollama provider: %w", err)
		}
		return NewOllamaProvider(c), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg, httpClient)
	case ProviderMock:
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// OllamaProvider generates through a local Ollama instance in JSON mode.
type OllamaProvider struct {
	client *ollama.Client
}

func NewOllamaProvider(c *ollama.Client) *OllamaProvider { return &OllamaProvider{client: c} }

func (p *OllamaProvider) Name() string { return ProviderOllama }

func (p *OllamaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	temp := 0.0
	res, err := p.client.Generate(ctx, ollama.GenerateRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		JSON:        req.JSON,
		Temperature: &temp,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: res.Text, Model: res.Model, InputTokens: res.PromptTokens, OutputTokens: res.OutputTokens}, nil
}

// Health reports whether the Ollama instance is reachable.
func (p *OllamaProvider) Health(ctx context.Context) error { return p.client.Health(ctx) }

func (p *OllamaProvider) Close() error { return p.client.Close() }

// AnthropicProvider generates through the Anthropic Messages API.
type AnthropicProvider struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

func NewAnthropicProvider(cfg config.LLMConfig, httpClient *http.Client) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or llm.api_key", ErrAPIKeyRequired)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	// runtime_base_url defaults to the local Ollama endpoint; only an explicit override applies here.
	if cfg.RuntimeBaseURL != "" && cfg.RuntimeBaseURL != config.DefaultOllamaURL {
		opts = append(opts, option.WithBaseURL(cfg.RuntimeBaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &AnthropicProvider{
		client:         anthropic.NewClient(opts...),
		model:          anthropic.Model(cfg.Model),
		maxRetries:     cfg.Retries,
		initialBackoff: backoff,
	}, nil
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		message, err := p.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return Response{}, fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return Response{}, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return Response{
				Text:         content.Text,
				Model:        string(message.Model),
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !isRetryable(err) {
			return Response{}, fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return Response{}, fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

// MockProvider answers from a script, for tests and offline runs. With no
// script it returns an empty JSON object.
type MockProvider struct {
	// Fn, when set, answers every request.
	Fn func(ctx context.Context, req Request) (Response, error)
	// Replies are returned in order; the last one repeats.
	Replies []string

	mu    sync.Mutex
	calls []Request
}

func (m *MockProvider) Name() string { return ProviderMock }

func (m *MockProvider) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if m.Fn != nil {
		return m.Fn(ctx, req)
	}
	text := "{}"
	if len(m.Replies) > 0 {
		text = m.Replies[min(n, len(m.Replies)-1)]
	}
	return Response{Text: text, Model: ProviderMock, InputTokens: len(req.Prompt) / 4, OutputTokens: len(text) / 4}, nil
}

// Calls returns the requests seen so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
