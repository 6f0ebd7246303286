package api

import (
	"log/slog"
	"net/http"

	"github.com/garnizeh/redmine-rag/internal/llm"
)

// LLMHandler exposes runtime telemetry and guardrail counters.
type LLMHandler struct {
	telemetry *llm.Telemetry
	guard     *llm.Guardrails
	provider  string
}

func NewLLMHandler(t *llm.Telemetry, g *llm.Guardrails, provider string) *LLMHandler {
	return &LLMHandler{telemetry: t, guard: g, provider: provider}
}

type telemetryResponse struct {
	Provider   string         `json:"provider"`
	Telemetry  llm.Snapshot   `json:"telemetry"`
	Guardrails map[string]int `json:"guardrails"`
}

func (h *LLMHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, telemetryResponse{
		Provider:   h.provider,
		Telemetry:  h.telemetry.Snapshot(),
		Guardrails: h.guard.Counters(),
	}, http.StatusOK)
}

func (h *LLMHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.telemetry.Reset()
	h.guard.Reset()
	logger.Info("llm telemetry reset", slog.String("request_id", RequestID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}
