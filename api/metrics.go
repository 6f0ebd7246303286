package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/garnizeh/redmine-rag/internal/metrics"
	"github.com/garnizeh/redmine-rag/internal/models"
)

// MetricsSummarizer aggregates issue metrics per project.
type MetricsSummarizer interface {
	Summarize(ctx context.Context, f models.MetricsFilter) (*metrics.Summary, error)
}

type MetricsHandler struct {
	metrics MetricsSummarizer
}

func NewMetricsHandler(m MetricsSummarizer) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

func (h *MetricsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	var (
		f   models.MetricsFilter
		err error
	)
	if f.ProjectIDs, err = parseIDList(q.Get("project_ids")); err != nil {
		fields["project_ids"] = err.Error()
	}
	if f.FromDate, err = parseDate(q.Get("from_date")); err != nil {
		fields["from_date"] = "must be YYYY-MM-DD or RFC 3339"
	}
	if f.ToDate, err = parseDate(q.Get("to_date")); err != nil {
		fields["to_date"] = "must be YYYY-MM-DD or RFC 3339"
	}
	if f.FromDate != nil && f.ToDate != nil && f.ToDate.Before(*f.FromDate) {
		fields["to_date"] = "must not be before from_date"
	}
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	s, err := h.metrics.Summarize(r.Context(), f)
	if err != nil {
		logger.Error("metrics summary failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to summarize metrics")
		return
	}
	writeJSON(w, s, http.StatusOK)
}
