package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/garnizeh/redmine-rag/internal/ask"
	"github.com/garnizeh/redmine-rag/internal/models"
)

// Asker answers questions from retrieved evidence.
type Asker interface {
	Ask(ctx context.Context, req ask.Request) (*ask.Response, error)
}

type AskHandler struct {
	asker Asker
}

func NewAskHandler(a Asker) *AskHandler {
	return &AskHandler{asker: a}
}

type askFilters struct {
	ProjectIDs []int64 `json:"project_ids"`
	TrackerIDs []int64 `json:"tracker_ids"`
	StatusIDs  []int64 `json:"status_ids"`
	FromDate   string  `json:"from_date"`
	ToDate     string  `json:"to_date"`
}

type askRequest struct {
	Query   string     `json:"query"`
	Filters askFilters `json:"filters"`
	TopK    int        `json:"top_k"`
}

// toRequest converts the wire form, collecting field errors on the way.
func (b askRequest) toRequest() (ask.Request, map[string]string) {
	fields := map[string]string{}
	f := models.SearchFilters{ProjectIDs: b.Filters.ProjectIDs, TrackerIDs: b.Filters.TrackerIDs, StatusIDs: b.Filters.StatusIDs}
	var err error
	if f.FromDate, err = parseDate(b.Filters.FromDate); err != nil {
		fields["filters.from_date"] = "must be YYYY-MM-DD or RFC 3339"
	}
	if f.ToDate, err = parseDate(b.Filters.ToDate); err != nil {
		fields["filters.to_date"] = "must be YYYY-MM-DD or RFC 3339"
	}
	for name, ids := range map[string][]int64{"filters.project_ids": f.ProjectIDs, "filters.tracker_ids": f.TrackerIDs, "filters.status_ids": f.StatusIDs} {
		if !positiveIDs(ids) {
			fields[name] = "ids must be positive"
		}
	}
	req := ask.Request{Query: b.Query, Filters: f, TopK: b.TopK}
	for k, v := range req.Validate() {
		fields[k] = v
	}
	return req, fields
}

func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	req, fields := body.toRequest()
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	resp, err := h.asker.Ask(r.Context(), req)
	if errors.Is(err, ask.ErrInvalidRequest) {
		writeValidation(w, req.Validate())
		return
	}
	if err != nil {
		logger.Error("ask failed", slog.Any("err", err), slog.String("request_id", RequestID(r.Context())))
		writeError(w, http.StatusInternalServerError, "internal", "failed to answer query")
		return
	}

	writeJSON(w, resp, http.StatusOK)
}
