package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/garnizeh/redmine-rag/internal/extractor"
)

// PropertyExtractor derives issue properties and metrics.
type PropertyExtractor interface {
	Extract(ctx context.Context, issueIDs []int64) (*extractor.Result, error)
}

type ExtractHandler struct {
	extractor PropertyExtractor
}

func NewExtractHandler(e PropertyExtractor) *ExtractHandler {
	return &ExtractHandler{extractor: e}
}

type extractRequest struct {
	IssueIDs []int64 `json:"issue_ids"`
}

func (h *ExtractHandler) Extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if !positiveIDs(req.IssueIDs) {
		writeValidation(w, map[string]string{"issue_ids": "ids must be positive"})
		return
	}

	res, err := h.extractor.Extract(r.Context(), req.IssueIDs)
	if err != nil {
		logger.Error("extract failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to extract properties")
		return
	}
	writeJSON(w, res, http.StatusOK)
}
