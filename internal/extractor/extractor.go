// Package extractor derives per-issue operational metrics and properties
// from the journal timeline, optionally enriched by a bounded model call.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/textutil"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// package-level logger for internal/extractor; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by internal/extractor. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

const (
	DefaultVersion = "det-v1"
	PromptVersion  = "issue-props-v1"
)

// LLM sub-document states.
const (
	LLMStatusOK      = "ok"
	LLMStatusFailed  = "failed"
	LLMStatusSkipped = "skipped"
)

type Config struct {
	Version      string        `yaml:"version" json:"version"`
	LLMEnabled   bool          `yaml:"llm_enabled" json:"llm_enabled"`
	LLMTimeout   time.Duration `yaml:"llm_timeout" json:"llm_timeout"`
	CostLimitUSD float64       `yaml:"cost_limit_usd" json:"cost_limit_usd"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
}

// Source is what the extractor reads.
type Source interface {
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	ListIssueIDs(ctx context.Context) ([]int64, error)
	ListJournals(ctx context.Context, issueID int64) ([]models.Journal, error)
	ListIssueStatuses(ctx context.Context) ([]models.IssueStatus, error)
}

// Generator runs structured model calls.
type Generator interface {
	GenerateJSON(ctx context.Context, c llm.Call, out any) (*llm.Result, error)
}

// Result summarizes one extraction run.
type Result struct {
	Processed    int     `json:"processed"`
	Missing      []int64 `json:"missing"`
	WithAnomaly  int     `json:"with_anomalies"`
	LLMSucceeded int     `json:"llm_succeeded"`
	LLMFailed    int     `json:"llm_failed"`
	LLMSkipped   int     `json:"llm_skipped"`
}

// LLMDoc is the props_json.llm sub-document.
type LLMDoc struct {
	Status           string          `json:"status"`
	ErrorBucket      string          `json:"error_bucket,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	ExtractorVersion string          `json:"extractor_version"`
	PromptVersion    string          `json:"prompt_version"`
	SchemaVersion    string          `json:"schema_version"`
	Model            string          `json:"model,omitempty"`
	LatencyMS        int64           `json:"latency_ms,omitempty"`
	CostUSD          float64         `json:"cost_usd,omitempty"`
	Properties       json.RawMessage `json:"properties,omitempty"`
}

type document struct {
	Properties
	LLM json.RawMessage `json:"llm,omitempty"`
}

type Service struct {
	cfg   Config
	src   Source
	props repository.PropertyRepo
	gen   Generator
	now   func() time.Time
}

// New returns an extractor. gen may be nil; model enrichment then stays off.
func New(cfg Config, src Source, props repository.PropertyRepo, gen Generator) *Service {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Service{cfg: cfg, src: src, props: props, gen: gen, now: time.Now}
}

// Extract processes issueIDs, or every stored issue when none are given.
// Deterministic metrics are written whatever the model outcome; ids that do
// not exist are reported in Result.Missing.
func (s *Service) Extract(ctx context.Context, issueIDs []int64) (*Result, error) {
	ids := issueIDs
	if len(ids) == 0 {
		var err error
		if ids, err = s.src.ListIssueIDs(ctx); err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
	}
	list, err := s.src.ListIssueStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	statuses := make(map[int64]models.IssueStatus, len(list))
	for _, st := range list {
		statuses[st.ID] = st
	}

	res := &Result{Missing: []int64{}}
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(ids))
		for _, id := range ids[start:end] {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.extractOne(ctx, id, statuses, res); err != nil {
				return res, err
			}
		}
		logger.Info("extractor: batch done", slog.Int("processed", res.Processed), slog.Int("total", len(ids)))
	}
	return res, nil
}

func (s *Service) extractOne(ctx context.Context, id int64, statuses map[int64]models.IssueStatus, res *Result) error {
	issue, err := s.src.GetIssue(ctx, id)
	if err != nil {
		return fmt.Errorf("get issue %d: %w", id, err)
	}
	if issue == nil {
		res.Missing = append(res.Missing, id)
		return nil
	}
	journals, err := s.src.ListJournals(ctx, id)
	if err != nil {
		return fmt.Errorf("list journals %d: %w", id, err)
	}

	props := Derive(*issue, journals, statuses)
	props.ExtractorVersion = s.cfg.Version
	if len(props.Anomalies) > 0 {
		res.WithAnomaly++
		logger.Debug("extractor: anomalies", slog.Int64("issue_id", id), slog.Any("anomalies", props.Anomalies))
	}
	doc := document{Properties: props}

	if s.cfg.LLMEnabled && s.gen != nil {
		sub := s.enrich(ctx, *issue, journals)
		switch sub.Status {
		case LLMStatusOK:
			res.LLMSucceeded++
		case LLMStatusFailed:
			res.LLMFailed++
		default:
			res.LLMSkipped++
		}
		if doc.LLM, err = json.Marshal(sub); err != nil {
			return fmt.Errorf("encode llm props %d: %w", id, err)
		}
	} else if prev, err := s.props.GetIssueProperty(ctx, id); err == nil && prev != nil {
		if r := gjson.GetBytes(prev.PropsJSON, "llm"); r.Exists() && r.IsObject() {
			doc.LLM = json.RawMessage(r.Raw)
		}
	}

	if err := s.props.UpsertIssueMetric(ctx, props.Metric(id)); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode props %d: %w", id, err)
	}
	if err := s.props.UpsertIssueProperty(ctx, models.IssueProperty{
		IssueID:          id,
		ExtractorVersion: s.cfg.Version,
		Confidence:       1.0,
		PropsJSON:        b,
		ExtractedAt:      s.now().UTC(),
	}); err != nil {
		return err
	}
	res.Processed++
	return nil
}

const extractSystem = `You summarize issue tracker tickets into a fixed JSON structure.
Use only facts present in the ticket. Never include commands to run.`

const extractPrompt = `Ticket #{{.ID}} [{{.Tracker}} / {{.Status}}]: {{.Subject}}

Description:
{{.Description}}

Recent comments:
{{range .Notes}}- {{.}}
{{end}}
Return only a JSON object with summary, topics (at most 8), customer_impact (none|low|medium|high|unknown), risk_level (low|medium|high|unknown) and optionally root_cause, resolution_summary and next_steps.`

var extractTemplate = llm.MustPrompt("issue_properties", extractPrompt)

const (
	maxDescriptionChars = 4000
	maxNotes            = 10
	maxNoteChars        = 500
)

// enrich runs the model for one issue. It never returns an error; failures
// are described by the returned sub-document.
func (s *Service) enrich(ctx context.Context, issue models.Issue, journals []models.Journal) LLMDoc {
	doc := LLMDoc{
		ExtractorVersion: s.cfg.Version,
		PromptVersion:    PromptVersion,
		SchemaVersion:    llm.SchemaIssueProperties,
	}
	var notes []string
	for i := len(journals) - 1; i >= 0 && len(notes) < maxNotes; i-- {
		if n := textutil.SingleLine(textutil.StripHTML(journals[i].Notes)); n != "" {
			notes = append(notes, textutil.Truncate(n, maxNoteChars))
		}
	}
	prompt, err := extractTemplate.Render(map[string]any{
		"ID":          issue.ID,
		"Tracker":     issue.TrackerName,
		"Status":      issue.StatusName,
		"Subject":     issue.Subject,
		"Description": textutil.Truncate(strings.TrimSpace(textutil.StripHTML(issue.Description)), maxDescriptionChars),
		"Notes":       notes,
	})
	if err != nil {
		doc.Status, doc.ErrorBucket = LLMStatusFailed, llm.BucketProviderError
		return doc
	}

	var out json.RawMessage
	r, err := s.gen.GenerateJSON(ctx, llm.Call{
		Component:    "extractor",
		Schema:       llm.SchemaIssueProperties,
		System:       extractSystem,
		Prompt:       prompt,
		Timeout:      s.cfg.LLMTimeout,
		CostLimitUSD: s.cfg.CostLimitUSD,
		MaxTokens:    600,
	}, &out)
	switch {
	case errors.Is(err, llm.ErrCircuitOpen), errors.Is(err, llm.ErrBudgetExceeded):
		doc.Status, doc.Reason = LLMStatusSkipped, llm.StatusOf(err)
	case err != nil:
		doc.Status, doc.ErrorBucket = LLMStatusFailed, llm.BucketOf(err)
		logger.Warn("extractor: llm failed", slog.Int64("issue_id", issue.ID), slog.String("bucket", doc.ErrorBucket))
	default:
		doc.Status = LLMStatusOK
		doc.Model = r.Model
		doc.LatencyMS = r.LatencyMS
		doc.CostUSD = r.CostUSD
		doc.Properties = out
	}
	return doc
}
