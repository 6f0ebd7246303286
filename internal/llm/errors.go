package llm

import (
	"context"
	"errors"
	"fmt"
)

// Failure buckets recorded by telemetry and stored with failed extractions.
const (
	BucketInvalidJSON      = "invalid_json"
	BucketSchemaValidation = "schema_validation"
	BucketTimeout          = "timeout"
	BucketProviderError    = "provider_error"
	BucketPromptInjection  = "prompt_injection"
	BucketUnsafeContent    = "unsafe_content"
)

// Denial reasons returned by Telemetry.AllowExecution.
const (
	ReasonCircuitOpen    = "circuit_open"
	ReasonBudgetExceeded = "cost_budget_exceeded"
)

var (
	ErrCircuitOpen    = errors.New("llm circuit open")
	ErrBudgetExceeded = errors.New("llm cost budget exceeded")
)

// Failure is a model call that failed in a way callers branch on.
type Failure struct {
	Bucket string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "llm " + f.Bucket
	}
	return fmt.Sprintf("llm %s: %v", f.Bucket, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// BucketOf maps err to a failure bucket. Denials map to the empty string.
func BucketOf(err error) string {
	var f *Failure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &f):
		return f.Bucket
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrBudgetExceeded):
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return BucketTimeout
	default:
		return BucketProviderError
	}
}

// StatusOf renders err as the short status string used in diagnostics.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrBudgetExceeded):
		return ReasonBudgetExceeded
	default:
		return "failed:" + BucketOf(err)
	}
}
