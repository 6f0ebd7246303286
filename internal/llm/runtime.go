// Package llm runs bounded model calls: a provider behind a concurrency
// limit, a circuit breaker and cost budget, output guardrails and JSON
// schema validation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
)

// package-level logger for internal/llm; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by internal/llm. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

const defaultMaxTokens = 1024

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	MaxConcurrency  int
	Timeout         time.Duration
	CostPer1KInput  float64
	CostPer1KOutput float64
	// ComponentLimits caps the estimated cost of one call per component.
	ComponentLimits map[string]float64
}

// Call describes one structured generation.
type Call struct {
	Component    string
	Schema       string
	System       string
	Prompt       string
	Timeout      time.Duration
	MaxRetries   int
	CostLimitUSD float64
	MaxTokens    int
}

// Result describes a successful call.
type Result struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Attempts     int     `json:"attempts"`
	LatencyMS    int64   `json:"latency_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Raw          string  `json:"-"`
}

// Runtime executes model calls under shared telemetry and guardrails.
type Runtime struct {
	provider  Provider
	telemetry *Telemetry
	guard     *Guardrails
	schemas   *SchemaLoader
	sem       *semaphore.Weighted
	cfg       RuntimeConfig
}

func NewRuntime(p Provider, t *Telemetry, g *Guardrails, s *SchemaLoader, cfg RuntimeConfig) *Runtime {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Runtime{
		provider:  p,
		telemetry: t,
		guard:     g,
		schemas:   s,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		cfg:       cfg,
	}
}

func (r *Runtime) Telemetry() *Telemetry   { return r.telemetry }
func (r *Runtime) Guardrails() *Guardrails { return r.guard }
func (r *Runtime) ProviderName() string    { return r.provider.Name() }

// Cost prices a call from its token counts.
func (r *Runtime) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*r.cfg.CostPer1KInput + float64(outputTokens)/1000*r.cfg.CostPer1KOutput
}

// EstimateCost prices a call before it runs, at four characters per token
// and the full output allowance.
func (r *Runtime) EstimateCost(c Call) float64 {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return r.Cost((len(c.System)+len(c.Prompt))/4+1, maxTokens)
}

func (r *Runtime) admit(c Call) error {
	est := r.EstimateCost(c)
	limit := c.CostLimitUSD
	if limit <= 0 {
		limit = r.cfg.ComponentLimits[c.Component]
	}
	if limit > 0 && est > limit {
		return fmt.Errorf("%s: estimated %.4f over limit %.4f: %w", c.Component, est, limit, ErrBudgetExceeded)
	}
	ok, reason := r.telemetry.AllowExecution(est)
	if ok {
		return nil
	}
	if reason == ReasonCircuitOpen {
		return ErrCircuitOpen
	}
	return ErrBudgetExceeded
}

// GenerateJSON runs c and decodes the model's JSON object into out. Invalid
// JSON and schema violations are retried up to c.MaxRetries times; provider
// errors, timeouts and guardrail hits are not.
func (r *Runtime) GenerateJSON(ctx context.Context, c Call, out any) (*Result, error) {
	if err := r.admit(c); err != nil {
		logger.Info("llm: call denied", slog.String("component", c.Component), slog.String("reason", StatusOf(err)))
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &Failure{Bucket: BucketTimeout, Err: err}
	}
	defer r.sem.Release(1)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	req := Request{System: c.System, Prompt: c.Prompt, JSON: true, MaxTokens: c.MaxTokens}
	res := &Result{Provider: r.provider.Name()}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.admit(c); err != nil {
				return nil, err
			}
		}
		res.Attempts = attempt + 1

		actx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := r.provider.Generate(actx, req)
		latency := time.Since(start).Milliseconds()
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			bucket := BucketProviderError
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				bucket = BucketTimeout
			}
			r.telemetry.RecordFailure(bucket, latency, 0)
			logger.Warn("llm: call failed", slog.String("component", c.Component), slog.String("bucket", bucket), slog.String("error", err.Error()))
			return nil, &Failure{Bucket: bucket, Err: err}
		}

		cost := r.Cost(resp.InputTokens, resp.OutputTokens)
		res.Model = resp.Model
		res.LatencyMS += latency
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		res.CostUSD += cost
		res.Raw = resp.Text

		if bucket := r.guard.Check(resp.Text); bucket != "" {
			r.telemetry.RecordFailure(bucket, latency, cost)
			logger.Warn("llm: guardrail rejected output", slog.String("component", c.Component), slog.String("bucket", bucket))
			return nil, &Failure{Bucket: bucket, Err: errors.New("generated text rejected by guardrails")}
		}

		lastErr = r.decode(ctx, c.Schema, resp.Text, out)
		if lastErr == nil {
			r.telemetry.RecordSuccess(latency, resp.InputTokens, resp.OutputTokens, cost)
			logger.Info("llm: call ok",
				slog.String("component", c.Component),
				slog.Int("attempts", res.Attempts),
				slog.Int64("latency_ms", res.LatencyMS),
				slog.Float64("cost_usd", res.CostUSD))
			return res, nil
		}
		var f *Failure
		if !errors.As(lastErr, &f) {
			return nil, lastErr
		}
		if f.Bucket == BucketSchemaValidation {
			r.guard.Increment(CounterSchemaViolation)
		}
		r.telemetry.RecordFailure(f.Bucket, latency, cost)
		logger.Warn("llm: unusable output", slog.String("component", c.Component), slog.Int("attempt", attempt+1), slog.String("bucket", f.Bucket))
	}
	return nil, lastErr
}

func (r *Runtime) decode(ctx context.Context, schema, text string, out any) error {
	j := ExtractJSON(text)
	if j == "" {
		return &Failure{Bucket: BucketInvalidJSON, Err: errNoJSON}
	}
	if !json.Valid([]byte(j)) {
		return &Failure{Bucket: BucketInvalidJSON, Err: errors.New("malformed JSON object")}
	}
	if schema != "" {
		if err := r.schemas.Validate(ctx, schema, []byte(j)); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(j), out); err != nil {
		return &Failure{Bucket: BucketInvalidJSON, Err: fmt.Errorf("json unmarshal: %w", err)}
	}
	return nil
}
