package ask

import (
	"context"
	"log/slog"

	"github.com/garnizeh/redmine-rag/internal/llm"
)

const groundedSystem = `You answer questions about an issue tracker using only the numbered sources provided.
Every claim must cite the ids of the sources that support it. Never invent ids, facts or commands.
If the sources do not answer the question, return no claims and set insufficient_evidence to true.`

const groundedPrompt = `Question: {{.Query}}

Sources:
{{range .Citations}}[{{.ID}}] ({{.SourceType}} {{.SourceID}}) {{.Snippet}}
{{end}}
Return only a JSON object: {"claims":[{"text":"...","citation_ids":[1]}],"insufficient_evidence":false,"limitations":"..."} with at most {{.Max}} claims.`

var groundedTemplate = llm.MustPrompt("ask_claims", groundedPrompt)

type groundedOut struct {
	Claims               []Claim `json:"claims"`
	InsufficientEvidence bool    `json:"insufficient_evidence"`
	Limitations          string  `json:"limitations"`
}

// llmClaims asks the model to rewrite the answer from the citations and
// re-validates what comes back. It returns no claims on any failure; the
// status says why. The model's free-text limitations note is only logged,
// since it carries no citation that could be checked.
func (s *Service) llmClaims(ctx context.Context, query string, citations []Citation, limit int) ([]Claim, string) {
	prompt, err := groundedTemplate.Render(map[string]any{"Query": query, "Citations": citations, "Max": limit})
	if err != nil {
		s.logger.Error("ask: render prompt", slog.String("error", err.Error()))
		return nil, "failed:render"
	}
	var out groundedOut
	_, err = s.gen.GenerateJSON(ctx, llm.Call{
		Component:    "ask",
		Schema:       llm.SchemaAskClaims,
		System:       groundedSystem,
		Prompt:       prompt,
		Timeout:      s.cfg.LLMTimeout,
		MaxRetries:   s.cfg.MaxRetries,
		CostLimitUSD: s.cfg.CostLimitUSD,
		MaxTokens:    800,
	}, &out)
	if err != nil {
		s.logger.Warn("ask: llm fallback", slog.String("status", llm.StatusOf(err)))
		return nil, llm.StatusOf(err)
	}
	if len(out.Claims) > limit {
		out.Claims = out.Claims[:limit]
	}
	claims := s.validate(dedupeIDs(out.Claims), citations, true)
	if len(claims) == 0 {
		if out.InsufficientEvidence {
			return nil, "insufficient_evidence"
		}
		return nil, "no_grounded_claims"
	}
	if out.Limitations != "" {
		s.logger.Debug("ask: model limitations withheld", slog.String("text", out.Limitations))
	}
	return claims, "ok"
}

func dedupeIDs(claims []Claim) []Claim {
	for i := range claims {
		seen := map[int]bool{}
		ids := claims[i].CitationIDs[:0]
		for _, id := range claims[i].CitationIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		claims[i].CitationIDs = ids
	}
	return claims
}
