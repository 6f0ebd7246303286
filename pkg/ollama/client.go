package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

var ErrNoModels = errors.New("ollama returned no models")

// package-level logger for pkg/ollama; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/ollama. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Client wraps the Ollama API client and adds retries and per-request timeouts.
type Client struct {
	api    *api.Client
	cfg    Config
	client *http.Client
	closed int32
}

// GenerateRequest is a single non-streaming completion.
type GenerateRequest struct {
	Model  string
	System string
	Prompt string
	// JSON forces the model into JSON output mode.
	JSON        bool
	Temperature *float64
}

// GenerateResult is a typed representation of a model response.
type GenerateResult struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	PromptTokens int           `json:"prompt_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Attempts     int           `json:"attempts"`
}

// ModelInfo is a lightweight model descriptor returned by ListModels.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// NewClient creates a new Ollama client wrapper.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	c := &Client{api: api.NewClient(u, httpClient), cfg: cfg, client: httpClient}
	logger.Info("ollama: NewClient created", slog.String("base_url", cfg.BaseURL), slog.Duration("timeout", cfg.Timeout))
	return c, nil
}

func NewDefaultClient(cfg Config) (*Client, error) {
	defaultClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 15 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	return NewClient(cfg, defaultClient)
}

// Close releases idle connections on the underlying transport. Close is
// idempotent and safe to call multiple times.
func (c *Client) Close() error {
	if c == nil || !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
			logger.Info("ollama: client Close() called - CloseIdleConnections invoked")
		}
	}
	return nil
}

// Model returns the configured default model.
func (c *Client) Model() string { return c.cfg.Model }

// Health succeeds when the instance answers and has at least one model.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	models, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if len(models) == 0 {
		return fmt.Errorf("health check failed: %w", ErrNoModels)
	}
	return nil
}

// ListModels returns the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, Size: m.Size})
	}
	return out, nil
}

// Generate sends a prompt and collects the full response, retrying transient
// failures with linear backoff.
func (c *Client) Generate(ctx context.Context, r GenerateRequest) (GenerateResult, error) {
	model := r.Model
	if model == "" {
		model = c.cfg.Model
	}
	stream := false
	req := &api.GenerateRequest{Model: model, Prompt: r.Prompt, System: r.System, Stream: &stream}
	if r.JSON {
		req.Format = json.RawMessage(`"json"`)
	}
	if r.Temperature != nil {
		req.Options = map[string]any{"temperature": *r.Temperature}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.cfg.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return GenerateResult{}, ctx.Err()
			case <-t.C:
			}
		}
		res, err := c.generateOnce(ctx, req)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		logger.Warn("ollama: retrying generate", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}
	return GenerateResult{}, fmt.Errorf("generate failed: %w", lastErr)
}

func (c *Client) generateOnce(ctx context.Context, req *api.GenerateRequest) (GenerateResult, error) {
	ctxReq, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	var (
		text strings.Builder
		res  = GenerateResult{Model: req.Model}
	)
	start := time.Now()
	err := c.api.Generate(ctxReq, req, func(r api.GenerateResponse) error {
		text.WriteString(r.Response)
		if r.Done {
			res.PromptTokens = r.PromptEvalCount
			res.OutputTokens = r.EvalCount
		}
		return nil
	})
	res.Latency = time.Since(start)
	if err != nil {
		return res, err
	}
	res.Text = text.String()
	return res, nil
}

// retryable reports whether err may succeed on a second attempt. Client
// errors other than 429 are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}
