package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/garnizeh/redmine-rag/pkg/repository"
	"github.com/qri-io/jsonschema"
)

// Seeded schema names.
const (
	SchemaAskClaims       = "ask_claims"
	SchemaIssueProperties = "issue_properties"
	SchemaQueryPlan       = "query_plan"
)

var errNoJSON = errors.New("no JSON object found in response")

// SchemaLoader loads and caches compiled JSON schemas from the repository.
type SchemaLoader struct {
	repo  repository.SchemaRepo
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewSchemaLoader(r repository.SchemaRepo) *SchemaLoader {
	return &SchemaLoader{repo: r, cache: make(map[string]*jsonschema.Schema)}
}

// Get returns the compiled schema called name, loading it on first use.
func (l *SchemaLoader) Get(ctx context.Context, name string) (*jsonschema.Schema, error) {
	l.mu.RLock()
	s, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}

	raw, err := l.repo.GetLLMSchema(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(raw), rs); err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = rs
	l.mu.Unlock()
	return rs, nil
}

// Validate checks data against the named schema. Violations come back as a
// *Failure in the schema_validation bucket.
func (l *SchemaLoader) Validate(ctx context.Context, name string, data []byte) error {
	s, err := l.Get(ctx, name)
	if err != nil {
		return err
	}
	verrs, err := s.ValidateBytes(ctx, data)
	if err != nil {
		return &Failure{Bucket: BucketInvalidJSON, Err: fmt.Errorf("schema validate error: %w", err)}
	}
	if len(verrs) > 0 {
		var sb strings.Builder
		for _, v := range verrs {
			sb.WriteString(v.PropertyPath)
			sb.WriteString(" ")
			sb.WriteString(v.Message)
			sb.WriteString("; ")
		}
		return &Failure{Bucket: BucketSchemaValidation, Err: fmt.Errorf("response does not match schema %s: %s", name, sb.String())}
	}
	return nil
}

// ExtractJSON returns the substring from the first '{' to the last '}' so
// model output wrapped in prose or markdown fences can still be parsed.
func ExtractJSON(s string) string {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first == -1 || last == -1 || last < first {
		return ""
	}
	return s[first : last+1]
}
