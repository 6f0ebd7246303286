// Package planner rewrites a free-text question into a normalized query,
// synonym expansions and suggested search filters.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/textutil"
)

// package-level logger for internal/planner; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by internal/planner. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

const (
	ModeHeuristic = "heuristic"
	ModeLLM       = "llm"
)

// Status values reported in ask diagnostics.
const (
	StatusDisabled = "disabled"
	StatusOK       = "ok"
	StatusFailed   = "failed"
)

const dateLayout = "2006-01-02"

// DefaultSynonyms are the built-in synonym groups. Phrases are matched
// after diacritic folding.
var DefaultSynonyms = [][]string{
	{"incident", "outage", "sev"},
	{"oauth", "sso", "single sign on"},
	{"login", "sign in", "prihlaseni"},
	{"bug", "defect", "regression"},
	{"rollback", "revert"},
	{"deploy", "deployment", "release"},
}

var (
	numericHint = regexp.MustCompile(`(?i)\b(project|tracker|status)\s*#?\s*(\d+)\b`)
	dateRange   = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2})\s+(?:to|do|until|through)\s+(\d{4}-\d{2}-\d{2})\b`)
)

type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Mode          string        `yaml:"mode" json:"mode"`
	MaxExpansions int           `yaml:"max_expansions" json:"max_expansions"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	Synonyms      [][]string    `yaml:"synonyms" json:"synonyms"`
}

// Plan is the planner output.
type Plan struct {
	NormalizedQuery  string               `json:"normalized_query"`
	Expansions       []string             `json:"expansions"`
	SuggestedFilters models.SearchFilters `json:"suggested_filters"`
	Confidence       float64              `json:"confidence"`
}

// Generator is the slice of the LLM runtime the planner needs.
type Generator interface {
	GenerateJSON(ctx context.Context, c llm.Call, out any) (*llm.Result, error)
}

type Planner struct {
	cfg    Config
	groups [][]string
	gen    Generator
	when   *when.Parser
	now    func() time.Time
}

// New returns a planner. gen may be nil when the mode is heuristic.
func New(cfg Config, gen Generator) *Planner {
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = 3
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHeuristic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	var groups [][]string
	for _, g := range append(slices.Clone(DefaultSynonyms), cfg.Synonyms...) {
		var folded []string
		for _, p := range g {
			if p = strings.Join(textutil.Tokenize(p), " "); p != "" && !slices.Contains(folded, p) {
				folded = append(folded, p)
			}
		}
		if len(folded) > 1 {
			groups = append(groups, folded)
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Planner{cfg: cfg, groups: groups, gen: gen, when: w, now: time.Now}
}

// Plan runs the configured mode. It returns a nil plan and StatusFailed when
// the LLM mode fails, and a nil plan and StatusDisabled when planning is off.
func (p *Planner) Plan(ctx context.Context, query string) (*Plan, string) {
	if !p.cfg.Enabled {
		return nil, StatusDisabled
	}
	if p.cfg.Mode == ModeLLM {
		plan, err := p.llmPlan(ctx, query)
		if err != nil {
			logger.Warn("planner: llm plan failed", slog.String("status", llm.StatusOf(err)), slog.String("error", err.Error()))
			return nil, StatusFailed
		}
		return plan, StatusOK
	}
	return p.Heuristic(query), StatusOK
}

// Heuristic builds a plan from synonym groups, numeric hints and date hints.
func (p *Planner) Heuristic(query string) *Plan {
	normalized := textutil.SingleLine(query)
	plan := &Plan{NormalizedQuery: normalized, Expansions: []string{}}

	tokens := textutil.Tokenize(normalized)
	folded := " " + strings.Join(tokens, " ") + " "
	normFolded := strings.TrimSpace(folded)
	for _, g := range p.groups {
		if !p.groupMatches(g, tokens, folded) {
			continue
		}
		for _, phrase := range g {
			if len(plan.Expansions) >= p.cfg.MaxExpansions {
				break
			}
			if strings.Contains(folded, " "+phrase+" ") || phrase == normFolded || slices.Contains(plan.Expansions, phrase) {
				continue
			}
			plan.Expansions = append(plan.Expansions, phrase)
		}
	}

	for _, m := range numericHint.FindAllStringSubmatch(normalized, -1) {
		id, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		f := &plan.SuggestedFilters
		switch strings.ToLower(m[1]) {
		case "project":
			f.ProjectIDs = appendUnique(f.ProjectIDs, id)
		case "tracker":
			f.TrackerIDs = appendUnique(f.TrackerIDs, id)
		case "status":
			f.StatusIDs = appendUnique(f.StatusIDs, id)
		}
	}

	if m := dateRange.FindStringSubmatch(normalized); m != nil {
		from, ferr := time.Parse(dateLayout, m[1])
		to, terr := time.Parse(dateLayout, m[2])
		if ferr == nil && terr == nil && !to.Before(from) {
			plan.SuggestedFilters.FromDate = &from
			plan.SuggestedFilters.ToDate = &to
		}
	} else if from := p.relativeFrom(normalized); from != nil {
		plan.SuggestedFilters.FromDate = from
	}

	plan.Confidence = 0.5
	if len(plan.Expansions) > 0 {
		plan.Confidence += 0.2
	}
	if !plan.SuggestedFilters.IsEmpty() {
		plan.Confidence += 0.2
	}
	return plan
}

// groupMatches reports whether any phrase of g occurs in the query. Single
// words of five or more letters also match a token within a small edit distance.
func (p *Planner) groupMatches(g []string, tokens []string, folded string) bool {
	for _, phrase := range g {
		if strings.Contains(folded, " "+phrase+" ") {
			return true
		}
		n := utf8.RuneCountInString(phrase)
		if strings.Contains(phrase, " ") || n < 5 {
			continue
		}
		maxDist := 1
		if n >= 8 {
			maxDist = 2
		}
		for _, t := range tokens {
			if abs(utf8.RuneCountInString(t)-n) > maxDist {
				continue
			}
			if levenshtein.ComputeDistance(t, phrase) <= maxDist {
				return true
			}
		}
	}
	return false
}

// relativeFrom turns phrases like "since yesterday" or "3 days ago" into a
// lower date bound. Hints that resolve to the future are ignored.
func (p *Planner) relativeFrom(text string) *time.Time {
	now := p.now().UTC()
	r, err := p.when.Parse(text, now)
	if err != nil || r == nil {
		return nil
	}
	if r.Time.After(now) {
		return nil
	}
	d := time.Date(r.Time.Year(), r.Time.Month(), r.Time.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

const planPrompt = `Rewrite the search question for an issue tracker knowledge base.
Return only a JSON object with the keys normalized_query, expansions (at most {{.Max}} alternative phrasings or synonyms), suggested_filters (project_ids, tracker_ids, status_ids, from_date, to_date as YYYY-MM-DD; omit unknown values) and confidence between 0 and 1.

Question: {{.Query}}`

var planTemplate = llm.MustPrompt("query_plan", planPrompt)

type llmPlanOut struct {
	NormalizedQuery  string   `json:"normalized_query"`
	Expansions       []string `json:"expansions"`
	Confidence       float64  `json:"confidence"`
	SuggestedFilters struct {
		ProjectIDs []int64 `json:"project_ids"`
		TrackerIDs []int64 `json:"tracker_ids"`
		StatusIDs  []int64 `json:"status_ids"`
		FromDate   string  `json:"from_date"`
		ToDate     string  `json:"to_date"`
	} `json:"suggested_filters"`
}

func (p *Planner) llmPlan(ctx context.Context, query string) (*Plan, error) {
	if p.gen == nil {
		return nil, fmt.Errorf("llm planner has no runtime")
	}
	prompt, err := planTemplate.Render(map[string]any{"Query": textutil.SingleLine(query), "Max": p.cfg.MaxExpansions})
	if err != nil {
		return nil, err
	}
	var out llmPlanOut
	if _, err := p.gen.GenerateJSON(ctx, llm.Call{
		Component: "planner",
		Schema:    llm.SchemaQueryPlan,
		Prompt:    prompt,
		Timeout:   p.cfg.Timeout,
		MaxTokens: 256,
	}, &out); err != nil {
		return nil, err
	}

	plan := &Plan{NormalizedQuery: textutil.SingleLine(out.NormalizedQuery), Confidence: out.Confidence, Expansions: []string{}}
	for _, e := range out.Expansions {
		e = textutil.SingleLine(e)
		if e == "" || strings.EqualFold(e, plan.NormalizedQuery) || slices.Contains(plan.Expansions, e) {
			continue
		}
		if len(plan.Expansions) == p.cfg.MaxExpansions {
			break
		}
		plan.Expansions = append(plan.Expansions, e)
	}
	f := &plan.SuggestedFilters
	f.ProjectIDs = out.SuggestedFilters.ProjectIDs
	f.TrackerIDs = out.SuggestedFilters.TrackerIDs
	f.StatusIDs = out.SuggestedFilters.StatusIDs
	if out.SuggestedFilters.FromDate != "" {
		d, err := time.Parse(dateLayout, out.SuggestedFilters.FromDate)
		if err != nil {
			return nil, &llm.Failure{Bucket: llm.BucketSchemaValidation, Err: fmt.Errorf("from_date: %w", err)}
		}
		f.FromDate = &d
	}
	if out.SuggestedFilters.ToDate != "" {
		d, err := time.Parse(dateLayout, out.SuggestedFilters.ToDate)
		if err != nil {
			return nil, &llm.Failure{Bucket: llm.BucketSchemaValidation, Err: fmt.Errorf("to_date: %w", err)}
		}
		f.ToDate = &d
	}
	return plan, nil
}

func appendUnique(s []int64, v int64) []int64 {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
