package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/garnizeh/redmine-rag/internal/app"
	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/syncer"
)

// Check statuses, ordered from best to worst.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

var severity = map[string]int{StatusOK: 0, StatusWarn: 1, StatusFail: 2}

// Check is one health probe result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type HealthReport struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	Version string    `json:"version"`
	Checks  []Check   `json:"checks"`
	Time    time.Time `json:"time"`
}

// HealthStore is the storage side of the health probes.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountChunks(ctx context.Context) (int64, error)
	CountFTSRows(ctx context.Context) (int64, error)
	GetSyncState(ctx context.Context, key string) (*models.SyncState, error)
}

// VectorInfo describes the loaded vector store.
type VectorInfo interface {
	Len() int
	Dim() int
}

// CircuitReporter reports the LLM circuit state.
type CircuitReporter interface {
	CircuitState() string
}

// Reindexer refreshes chunks and vectors.
type Reindexer interface {
	Reindex(ctx context.Context, full bool) (*app.ReindexStats, error)
}

type SystemHandler struct {
	store     HealthStore
	vectors   VectorInfo
	circuit   CircuitReporter
	reindexer Reindexer
	now       func() time.Time
}

func NewSystemHandler(store HealthStore, vectors VectorInfo, circuit CircuitReporter, reindexer Reindexer) *SystemHandler {
	return &SystemHandler{store: store, vectors: vectors, circuit: circuit, reindexer: reindexer, now: time.Now}
}

// Health runs every probe. The overall status is the worst check.
func (h *SystemHandler) Health(ctx context.Context) []Check {
	checks := []Check{h.checkDatabase(ctx)}
	ftsCheck, chunks := h.checkFTS(ctx)
	checks = append(checks, ftsCheck, h.checkVectors(chunks), h.checkLastSync(ctx), h.checkLLM())
	return checks
}

func (h *SystemHandler) checkDatabase(ctx context.Context) Check {
	if err := h.store.Ping(ctx); err != nil {
		return Check{Name: "database", Status: StatusFail, Detail: err.Error()}
	}
	return Check{Name: "database", Status: StatusOK}
}

func (h *SystemHandler) checkFTS(ctx context.Context) (Check, int64) {
	chunks, err := h.store.CountChunks(ctx)
	if err != nil {
		return Check{Name: "fts", Status: StatusFail, Detail: err.Error()}, -1
	}
	fts, err := h.store.CountFTSRows(ctx)
	if err != nil {
		return Check{Name: "fts", Status: StatusFail, Detail: err.Error()}, chunks
	}
	detail := fmt.Sprintf("chunks=%s fts_rows=%s", humanize.Comma(chunks), humanize.Comma(fts))
	if chunks != fts {
		return Check{Name: "fts", Status: StatusFail, Detail: detail}, chunks
	}
	return Check{Name: "fts", Status: StatusOK, Detail: detail}, chunks
}

func (h *SystemHandler) checkVectors(chunks int64) Check {
	if h.vectors == nil {
		return Check{Name: "vector_store", Status: StatusFail, Detail: "not loaded"}
	}
	keys := int64(h.vectors.Len())
	detail := fmt.Sprintf("dim=%d keys=%s chunks=%s", h.vectors.Dim(), humanize.Comma(keys), humanize.Comma(chunks))
	if chunks >= 0 && keys != chunks {
		return Check{Name: "vector_store", Status: StatusWarn, Detail: detail}
	}
	return Check{Name: "vector_store", Status: StatusOK, Detail: detail}
}

func (h *SystemHandler) checkLastSync(ctx context.Context) Check {
	st, err := h.store.GetSyncState(ctx, syncer.StateKey)
	if err != nil {
		return Check{Name: "last_sync", Status: StatusFail, Detail: err.Error()}
	}
	if st == nil || st.LastSyncAt == nil {
		return Check{Name: "last_sync", Status: StatusWarn, Detail: "never synced"}
	}
	detail := "last run " + humanize.RelTime(*st.LastSyncAt, h.now(), "ago", "from now")
	if st.LastError != nil && *st.LastError != "" {
		return Check{Name: "last_sync", Status: StatusWarn, Detail: detail + ": " + *st.LastError}
	}
	return Check{Name: "last_sync", Status: StatusOK, Detail: detail}
}

func (h *SystemHandler) checkLLM() Check {
	if h.circuit == nil {
		return Check{Name: "llm", Status: StatusOK, Detail: "disabled"}
	}
	state := h.circuit.CircuitState()
	if state == llm.CircuitOpen {
		return Check{Name: "llm", Status: StatusWarn, Detail: "circuit " + state}
	}
	return Check{Name: "llm", Status: StatusOK, Detail: "circuit " + state}
}

// Overall returns the worst status among checks.
func Overall(checks []Check) string {
	worst := StatusOK
	for _, c := range checks {
		if severity[c.Status] > severity[worst] {
			worst = c.Status
		}
	}
	return worst
}

func (h *SystemHandler) HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := h.Health(r.Context())
		rep := HealthReport{Status: Overall(checks), Service: "redmine-rag", Version: version, Checks: checks, Time: h.now().UTC()}
		status := http.StatusOK
		if rep.Status == StatusFail {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, rep, status)
	}
}

func (h *SystemHandler) VersionHandler(version, buildTime string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": version, "buildTime": buildTime}, http.StatusOK)
	}
}

type reindexRequest struct {
	Full bool `json:"full"`
}

func (h *SystemHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	st, err := h.reindexer.Reindex(r.Context(), req.Full)
	if err != nil {
		logger.Error("reindex failed", slog.Bool("full", req.Full), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "reindex failed")
		return
	}
	writeJSON(w, st, http.StatusOK)
}
