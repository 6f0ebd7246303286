package redmine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	apiKeyHeader = "X-Redmine-API-Key"
	roleHeader   = "X-Mock-Role"
	maxBodyBytes = 32 << 20
)

// package-level logger for pkg/redmine; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/redmine. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Client is a read-only tracker REST client with retries and paging helpers.
type Client struct {
	cfg    Config
	base   *url.URL
	client *http.Client

	requests int64
	closed   int32
}

// NewClient validates cfg against the outbound policy and builds a client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	base, err := ValidateBaseURL(cfg.BaseURL, cfg.AllowedHosts)
	if err != nil {
		return nil, err
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base.Path = strings.TrimRight(base.Path, "/")
	logger.Info("redmine: NewClient created", slog.String("base_url", base.String()), slog.Duration("timeout", cfg.Timeout), slog.Int("retries", cfg.Retries))
	return &Client{cfg: cfg, base: base, client: httpClient}, nil
}

// NewDefaultClient builds a client with a tuned transport. Certificate
// verification is skipped when cfg.VerifySSL is false.
func NewDefaultClient(cfg Config) (*Client, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !cfg.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out
	}
	return NewClient(cfg, &http.Client{Transport: tr})
}

// Close releases idle connections. It is idempotent.
func (c *Client) Close() error {
	if c == nil || !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	return nil
}

// Requests returns the number of HTTP attempts made, retries included.
func (c *Client) Requests() int64 { return atomic.LoadInt64(&c.requests) }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// URL joins path onto the base URL. path must start with "/".
func (c *Client) URL(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// GetJSON fetches path and returns the raw body. Transient failures
// (timeouts, transport errors, 429 and 5xx) are retried with exponential
// backoff; anything else fails immediately.
func (c *Client) GetJSON(ctx context.Context, path string, q url.Values) ([]byte, error) {
	target := c.URL(path, q)
	var lastErr *Error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff * time.Duration(1<<(attempt-1))
			logger.Warn("redmine: retrying request",
				slog.String("url", target), slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", lastErr.Error()))
			if err := sleep(ctx, delay); err != nil {
				return nil, classify(target, err)
			}
		}
		body, rerr := c.do(ctx, target)
		if rerr == nil {
			return body, nil
		}
		lastErr = rerr
		if !rerr.retryable() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, target string) ([]byte, *Error) {
	atomic.AddInt64(&c.requests, 1)
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.RoleHeader != "" {
		req.Header.Set(roleHeader, c.cfg.RoleHeader)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, classify(target, err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, &Error{Kind: KindTooLarge, Status: resp.StatusCode, URL: target,
			Err: fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.cfg.MaxBodyBytes)}
	}
	logger.Debug("redmine: request done", slog.String("url", target), slog.Int("status", resp.StatusCode),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindHTTPStatus, Status: resp.StatusCode, URL: target, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return body, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// wikiTitle escapes a wiki title for use as a path segment.
func wikiTitle(title string) string {
	return url.PathEscape(title)
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("redmine: "+format, args...)
}
