// Package retrieval implements hybrid search over doc chunks: FTS5 BM25
// candidates and hashed-vector candidates fused with weighted reciprocal rank
// fusion plus a freshness boost.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/garnizeh/redmine-rag/internal/embedding"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/textutil"
	"github.com/garnizeh/redmine-rag/internal/vectorstore"
)

// Mode tags which candidate lists contributed to a response.
type Mode string

const (
	ModeHybrid      Mode = "hybrid"
	ModeLexicalOnly Mode = "lexical_only"
	ModeVectorOnly  Mode = "vector_only"
	ModeEmpty       Mode = "empty"
)

const (
	DefaultTopK = 5
	MaxTopK     = 30
)

// ChunkSearcher is the storage side of retrieval.
type ChunkSearcher interface {
	SearchLexical(ctx context.Context, match string, f models.SearchFilters, limit int) ([]models.LexicalHit, error)
	GetChunksByEmbeddingKeys(ctx context.Context, keys []string, f models.SearchFilters) ([]models.DocChunk, error)
}

// VectorSearcher is the vector store side of retrieval.
type VectorSearcher interface {
	Len() int
	Search(q []float32, k int) ([]vectorstore.Hit, error)
}

type Config struct {
	LexicalWeight       float64
	VectorWeight        float64
	RRFK                float64
	CandidateMultiplier int
	// RecentBoost applies to sources updated within 7 days, MonthlyBoost within 30.
	RecentBoost  float64
	MonthlyBoost float64
}

func DefaultConfig() Config {
	return Config{LexicalWeight: 0.65, VectorWeight: 0.35, RRFK: 60, CandidateMultiplier: 4, RecentBoost: 0.5, MonthlyBoost: 0.2}
}

type Query struct {
	Text    string
	Filters models.SearchFilters
	TopK    int
}

// Result is one fused candidate. Ranks are 1-based; 0 means the candidate was
// absent from that list.
type Result struct {
	Chunk        models.DocChunk `json:"chunk"`
	Score        float64         `json:"score"`
	LexicalRank  int             `json:"lexical_rank,omitempty"`
	VectorRank   int             `json:"vector_rank,omitempty"`
	LexicalScore *float64        `json:"lexical_score,omitempty"`
	VectorScore  *float64        `json:"vector_score,omitempty"`
	Freshness    float64         `json:"freshness_boost,omitempty"`
}

type Response struct {
	Results           []Result `json:"results"`
	Mode              Mode     `json:"mode"`
	LexicalCandidates int      `json:"lexical_candidates"`
	VectorCandidates  int      `json:"vector_candidates"`
}

// Engine runs hybrid queries. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	chunks  ChunkSearcher
	vectors VectorSearcher
	embed   embedding.Embedder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(chunks ChunkSearcher, vectors VectorSearcher, embed embedding.Embedder, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.CandidateMultiplier < 1 {
		cfg.CandidateMultiplier = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{chunks: chunks, vectors: vectors, embed: embed, cfg: cfg, logger: logger, now: time.Now}
}

// MatchExpression builds an FTS5 query OR-ing every distinct word token of
// text as a quoted phrase. It returns "" when text has no tokens.
func MatchExpression(text string) string {
	var parts []string
	seen := map[string]struct{}{}
	for _, tok := range textutil.Tokenize(text) {
		key := strings.ToLower(tok)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}

// LexicalScore maps a raw BM25 value onto (0, 1].
func LexicalScore(bm25 float64) float64 {
	return 1 / (1 + math.Abs(bm25))
}

type candidate struct {
	chunk models.DocChunk
	score float64
}

// Search returns the top q.TopK fused results. Lexical and vector candidate
// generation run concurrently and both finish before fusion.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	limit := max(topK*e.cfg.CandidateMultiplier, topK)

	var lexical, vector []candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexical, err = e.lexical(gctx, q.Text, q.Filters, limit)
		return err
	})
	g.Go(func() error {
		var err error
		vector, err = e.vector(gctx, q.Text, q.Filters, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &Response{
		Results:           e.fuse(lexical, vector),
		LexicalCandidates: len(lexical),
		VectorCandidates:  len(vector),
	}
	switch {
	case len(lexical) > 0 && len(vector) > 0:
		resp.Mode = ModeHybrid
	case len(lexical) > 0:
		resp.Mode = ModeLexicalOnly
	case len(vector) > 0:
		resp.Mode = ModeVectorOnly
	default:
		resp.Mode = ModeEmpty
	}
	if len(resp.Results) > topK {
		resp.Results = resp.Results[:topK]
	}
	e.logger.Debug("retrieval done", slog.String("mode", string(resp.Mode)),
		slog.Int("lexical_candidates", resp.LexicalCandidates), slog.Int("vector_candidates", resp.VectorCandidates),
		slog.Int("results", len(resp.Results)))
	return resp, nil
}

func (e *Engine) lexical(ctx context.Context, text string, f models.SearchFilters, limit int) ([]candidate, error) {
	match := MatchExpression(text)
	if match == "" {
		return nil, nil
	}
	hits, err := e.chunks.SearchLexical(ctx, match, f, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical candidates: %w", err)
	}
	out := make([]candidate, len(hits))
	for i, h := range hits {
		out[i] = candidate{chunk: h.Chunk, score: LexicalScore(h.BM25)}
	}
	return out, nil
}

func (e *Engine) vector(ctx context.Context, text string, f models.SearchFilters, limit int) ([]candidate, error) {
	if e.vectors == nil || e.embed == nil || e.vectors.Len() == 0 {
		return nil, nil
	}
	qv := e.embed.Embed(text)
	if embedding.IsZero(qv) {
		return nil, nil
	}
	hits, err := e.vectors.Search(qv, limit)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.Key
	}
	chunks, err := e.chunks.GetChunksByEmbeddingKeys(ctx, keys, f)
	if err != nil {
		return nil, fmt.Errorf("vector chunks: %w", err)
	}
	byKey := make(map[string]models.DocChunk, len(chunks))
	for _, c := range chunks {
		byKey[c.EmbeddingKey] = c
	}
	out := make([]candidate, 0, len(chunks))
	for _, h := range hits {
		if c, ok := byKey[h.Key]; ok {
			out = append(out, candidate{chunk: c, score: h.Score})
		}
	}
	return out, nil
}

// Freshness returns the additive boost for a source updated at updated.
func (e *Engine) Freshness(updated *time.Time) float64 {
	if updated == nil {
		return 0
	}
	age := e.now().Sub(*updated)
	switch {
	case age <= 7*24*time.Hour:
		return e.cfg.RecentBoost
	case age <= 30*24*time.Hour:
		return e.cfg.MonthlyBoost
	}
	return 0
}

func (e *Engine) fuse(lexical, vector []candidate) []Result {
	byID := map[int64]*Result{}
	var order []int64
	get := func(c models.DocChunk) *Result {
		r, ok := byID[c.ID]
		if !ok {
			r = &Result{Chunk: c}
			byID[c.ID] = r
			order = append(order, c.ID)
		}
		return r
	}
	for i, c := range lexical {
		r := get(c.chunk)
		rank := i + 1
		s := c.score
		r.LexicalRank, r.LexicalScore = rank, &s
		r.Score += e.cfg.LexicalWeight / (e.cfg.RRFK + float64(rank))
	}
	for i, c := range vector {
		r := get(c.chunk)
		rank := i + 1
		s := c.score
		r.VectorRank, r.VectorScore = rank, &s
		r.Score += e.cfg.VectorWeight / (e.cfg.RRFK + float64(rank))
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.Freshness = e.Freshness(r.Chunk.SourceUpdatedOn)
		r.Score += r.Freshness
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(rankKey(a.LexicalRank), rankKey(b.LexicalRank)); c != 0 {
			return c
		}
		if c := cmp.Compare(rankKey(a.VectorRank), rankKey(b.VectorRank)); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.ID, b.Chunk.ID)
	})
	return out
}

// rankKey orders absent ranks after every present one.
func rankKey(r int) int {
	if r == 0 {
		return math.MaxInt
	}
	return r
}
