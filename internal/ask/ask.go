// Package ask composes grounded answers: it retrieves evidence, gates on it,
// drafts citation-bound claims and optionally lets a model rewrite them
// within the retrieved set.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/planner"
	"github.com/garnizeh/redmine-rag/internal/retrieval"
	"github.com/garnizeh/redmine-rag/internal/textutil"
)

const (
	ModeDeterministic = "deterministic"
	ModeLLMGrounded   = "llm_grounded"
)

// InsufficientEvidence is the fixed answer when retrieval cannot support one.
const InsufficientEvidence = "Insufficient evidence: the indexed tracker data does not answer this question."

const (
	minClaimChars = 24
	claimHardCap  = 5
	maxConfidence = 0.95
)

var ErrInvalidRequest = errors.New("invalid ask request")

type Config struct {
	AnswerMode     string        `yaml:"answer_mode" json:"answer_mode"`
	LLMTimeout     time.Duration `yaml:"llm_timeout" json:"llm_timeout"`
	MaxClaims      int           `yaml:"max_claims" json:"max_claims"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	CostLimitUSD   float64       `yaml:"cost_limit_usd" json:"cost_limit_usd"`
	StopwordsExtra []string      `yaml:"stopwords_extra" json:"stopwords_extra"`
}

type Request struct {
	Query   string               `json:"query"`
	Filters models.SearchFilters `json:"filters"`
	TopK    int                  `json:"top_k"`
}

type Citation struct {
	ID              int        `json:"id"`
	URL             string     `json:"url"`
	SourceType      string     `json:"source_type"`
	SourceID        string     `json:"source_id"`
	Snippet         string     `json:"snippet"`
	ProjectID       *int64     `json:"project_id,omitempty"`
	SourceUpdatedOn *time.Time `json:"source_updated_on,omitempty"`

	chunkID int64
	terms   textutil.TermSet
}

type Claim struct {
	Text        string `json:"text"`
	CitationIDs []int  `json:"citation_ids"`
}

type Diagnostics struct {
	Mode              retrieval.Mode `json:"mode"`
	LexicalCandidates int            `json:"lexical_candidates"`
	VectorCandidates  int            `json:"vector_candidates"`
	PlannerStatus     string         `json:"planner_status"`
	LLMStatus         string         `json:"llm_status"`
	Expansions        []string       `json:"expansions,omitempty"`
	FreshnessBoosted  int            `json:"freshness_boosted"`
	DurationMS        int64          `json:"duration_ms"`
}

type Response struct {
	AnswerMarkdown string      `json:"answer_markdown"`
	Citations      []Citation  `json:"citations"`
	UsedChunkIDs   []int64     `json:"used_chunk_ids"`
	Confidence     float64     `json:"confidence"`
	Claims         []Claim     `json:"claims"`
	Diagnostics    Diagnostics `json:"diagnostics"`
}

// Retriever runs hybrid search.
type Retriever interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

// Planner rewrites queries before retrieval.
type Planner interface {
	Plan(ctx context.Context, query string) (*planner.Plan, string)
}

// Generator runs structured model calls.
type Generator interface {
	GenerateJSON(ctx context.Context, c llm.Call, out any) (*llm.Result, error)
}

type Service struct {
	cfg       Config
	retriever Retriever
	planner   Planner
	gen       Generator
	guard     *llm.Guardrails
	analyzer  *textutil.Analyzer
	logger    *slog.Logger
}

// New returns an ask service. plan, gen and guard may be nil.
func New(cfg Config, r Retriever, plan Planner, gen Generator, guard *llm.Guardrails, logger *slog.Logger) *Service {
	if cfg.AnswerMode == "" {
		cfg.AnswerMode = ModeDeterministic
	}
	if cfg.MaxClaims <= 0 {
		cfg.MaxClaims = claimHardCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		retriever: r,
		planner:   plan,
		gen:       gen,
		guard:     guard,
		analyzer:  textutil.NewAnalyzer(cfg.StopwordsExtra...),
		logger:    logger,
	}
}

// Validate checks the request bounds and fills in the default top_k. It
// returns field-level messages keyed by JSON name.
func (r *Request) Validate() map[string]string {
	fields := map[string]string{}
	n := len([]rune(strings.TrimSpace(r.Query)))
	if n < 3 || n > 1200 {
		fields["query"] = "must be between 3 and 1200 characters"
	}
	if r.TopK == 0 {
		r.TopK = retrieval.DefaultTopK
	}
	if r.TopK < 1 || r.TopK > retrieval.MaxTopK {
		fields["top_k"] = fmt.Sprintf("must be between 1 and %d", retrieval.MaxTopK)
	}
	if f := r.Filters; f.FromDate != nil && f.ToDate != nil && f.ToDate.Before(*f.FromDate) {
		fields["filters.to_date"] = "must not be before from_date"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Ask answers req from retrieved evidence.
func (s *Service) Ask(ctx context.Context, req Request) (*Response, error) {
	if fields := req.Validate(); fields != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, fields)
	}
	start := time.Now()
	diag := Diagnostics{PlannerStatus: planner.StatusDisabled, LLMStatus: "disabled"}
	if s.cfg.AnswerMode == ModeLLMGrounded {
		diag.LLMStatus = "skipped"
	}

	text, filters := textutil.SingleLine(req.Query), req.Filters
	if s.planner != nil {
		plan, status := s.planner.Plan(ctx, req.Query)
		diag.PlannerStatus = status
		if plan != nil {
			if plan.NormalizedQuery != "" {
				text = plan.NormalizedQuery
			}
			if len(plan.Expansions) > 0 {
				diag.Expansions = plan.Expansions
				text = text + " " + strings.Join(plan.Expansions, " ")
			}
			if filters.IsEmpty() {
				filters = plan.SuggestedFilters
			}
		}
	}

	res, err := s.retriever.Search(ctx, retrieval.Query{Text: text, Filters: filters, TopK: req.TopK})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	diag.Mode = res.Mode
	diag.LexicalCandidates = res.LexicalCandidates
	diag.VectorCandidates = res.VectorCandidates
	for _, r := range res.Results {
		if r.Freshness > 0 {
			diag.FreshnessBoosted++
		}
	}
	finish := func(r *Response) *Response {
		diag.DurationMS = time.Since(start).Milliseconds()
		r.Diagnostics = diag
		s.logger.Info("ask: answered",
			slog.String("mode", string(diag.Mode)),
			slog.Int("citations", len(r.Citations)),
			slog.Int("claims", len(r.Claims)),
			slog.String("planner_status", diag.PlannerStatus),
			slog.String("llm_status", diag.LLMStatus),
			slog.Float64("confidence", r.Confidence),
			slog.Int64("duration_ms", diag.DurationMS))
		return r
	}

	if len(res.Results) == 0 {
		return finish(insufficient()), nil
	}
	citations := s.buildCitations(res.Results)
	queryTerms := s.analyzer.SignificantTerms(text)
	if !evidenceGate(queryTerms, citations) {
		return finish(insufficient()), nil
	}

	limit := min(req.TopK, s.cfg.MaxClaims, claimHardCap)
	claims := s.validate(s.draftClaims(queryTerms, citations, limit), citations, false)
	llmUsed := false
	if s.cfg.AnswerMode == ModeLLMGrounded && s.gen != nil {
		llmClaims, status := s.llmClaims(ctx, req.Query, citations, limit)
		diag.LLMStatus = status
		if len(llmClaims) > 0 {
			claims, llmUsed = llmClaims, true
		}
	}
	if len(claims) == 0 {
		return finish(insufficient()), nil
	}
	return finish(s.compose(claims, citations, res, llmUsed)), nil
}

func insufficient() *Response {
	return &Response{
		AnswerMarkdown: InsufficientEvidence,
		Citations:      []Citation{},
		UsedChunkIDs:   []int64{},
		Claims:         []Claim{},
	}
}

func (s *Service) buildCitations(results []retrieval.Result) []Citation {
	out := make([]Citation, 0, len(results))
	for i, r := range results {
		snippet := textutil.Snippet(r.Chunk.Text)
		out = append(out, Citation{
			ID:              i + 1,
			URL:             r.Chunk.URL,
			SourceType:      r.Chunk.SourceType,
			SourceID:        r.Chunk.SourceID,
			Snippet:         snippet,
			ProjectID:       r.Chunk.ProjectID,
			SourceUpdatedOn: r.Chunk.SourceUpdatedOn,
			chunkID:         r.Chunk.ID,
			terms:           s.analyzer.SignificantTerms(snippet),
		})
	}
	return out
}

func evidenceGate(query textutil.TermSet, citations []Citation) bool {
	for _, c := range citations {
		if query.Intersects(c.terms) {
			return true
		}
	}
	return false
}

// draftClaims picks, per citation, the snippet sentence sharing the most
// query terms, longer sentences winning ties.
func (s *Service) draftClaims(query textutil.TermSet, citations []Citation, limit int) []Claim {
	var claims []Claim
	for _, c := range citations {
		if len(claims) == limit {
			break
		}
		best, bestHits, bestLen := "", 0, 0
		for _, sent := range textutil.SplitSentences(c.Snippet) {
			hits := query.Count(s.analyzer.SignificantTerms(sent))
			n := len([]rune(sent))
			if hits > bestHits || (hits == bestHits && n > bestLen) {
				best, bestHits, bestLen = sent, hits, n
			}
		}
		if bestHits == 0 || bestLen < minClaimChars {
			continue
		}
		// mirrored tracker text is screened but not counted as a rejection
		if s.guard != nil && s.guard.Inspect(best) != "" {
			continue
		}
		claims = append(claims, Claim{Text: best, CitationIDs: []int{c.ID}})
	}
	return claims
}

// validate keeps claims whose citation ids all exist and whose terms overlap
// the union of the cited snippets' terms. Drops of model claims are counted.
func (s *Service) validate(claims []Claim, citations []Citation, count bool) []Claim {
	byID := make(map[int]Citation, len(citations))
	for _, c := range citations {
		byID[c.ID] = c
	}
	var out []Claim
	for _, cl := range claims {
		if ok := grounded(s.analyzer, cl, byID); !ok {
			if count && s.guard != nil {
				s.guard.Increment(llm.CounterUngroundedClaim)
			}
			s.logger.Debug("ask: claim dropped", slog.String("text", cl.Text), slog.Any("citation_ids", cl.CitationIDs))
			continue
		}
		out = append(out, cl)
	}
	return out
}

func grounded(a *textutil.Analyzer, cl Claim, byID map[int]Citation) bool {
	if strings.TrimSpace(cl.Text) == "" || len(cl.CitationIDs) == 0 {
		return false
	}
	union := textutil.TermSet{}
	for _, id := range cl.CitationIDs {
		c, ok := byID[id]
		if !ok {
			return false
		}
		union.Union(c.terms)
	}
	return a.SignificantTerms(cl.Text).Intersects(union)
}

// compose renders only validated claims; nothing the model wrote outside a
// claim reaches the answer body.
func (s *Service) compose(claims []Claim, citations []Citation, res *retrieval.Response, llmUsed bool) *Response {
	var b strings.Builder
	for i, cl := range claims {
		ids := make([]string, len(cl.CitationIDs))
		for j, id := range cl.CitationIDs {
			ids[j] = fmt.Sprint(id)
		}
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, textutil.SingleLine(cl.Text), strings.Join(ids, ", "))
	}
	fmt.Fprintf(&b, "\n_Retrieval: mode=%s, lexical_candidates=%d, vector_candidates=%d, citations=%d_",
		res.Mode, res.LexicalCandidates, res.VectorCandidates, len(citations))

	used := make([]int64, len(citations))
	for i, c := range citations {
		used[i] = c.chunkID
	}
	return &Response{
		AnswerMarkdown: b.String(),
		Citations:      citations,
		UsedChunkIDs:   used,
		Claims:         claims,
		Confidence:     Confidence(len(claims), len(citations), res.Mode == retrieval.ModeHybrid, llmUsed),
	}
}

// Confidence is min(0.95, 0.3 + 0.07 per claim + 0.02 per citation
// + 0.08 for hybrid retrieval + 0.05 when the model wrote the claims).
func Confidence(claims, citations int, hybrid, llmUsed bool) float64 {
	c := 0.3 + 0.07*float64(claims) + 0.02*float64(citations)
	if hybrid {
		c += 0.08
	}
	if llmUsed {
		c += 0.05
	}
	return math.Round(math.Min(maxConfidence, c)*1e4) / 1e4
}
