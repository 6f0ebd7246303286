package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/garnizeh/redmine-rag/internal/jobs"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/syncer"
)

// JobQueue records sync jobs and exposes their history.
type JobQueue interface {
	Enqueue(ctx context.Context, req syncer.Request, trigger string) (*models.SyncJob, error)
	Get(ctx context.Context, id string) (*models.SyncJob, error)
	List(ctx context.Context, status models.JobStatus, limit int) ([]models.SyncJob, error)
}

type SyncHandler struct {
	queue JobQueue
}

func NewSyncHandler(q JobQueue) *SyncHandler {
	return &SyncHandler{queue: q}
}

type syncRequest struct {
	ProjectIDs []int64  `json:"project_ids"`
	Modules    []string `json:"modules"`
}

type syncResponse struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail"`
}

// jobView is a job with its payload decoded.
type jobView struct {
	models.SyncJob
	Payload jobs.Payload `json:"payload"`
}

func newJobView(j models.SyncJob) jobView {
	p, err := jobs.DecodePayload(&j)
	if err != nil {
		logger.Warn("undecodable job payload", slog.String("job_id", j.ID), slog.Any("err", err))
	}
	return jobView{SyncJob: j, Payload: p}
}

func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	fields := map[string]string{}
	if bad := syncer.ValidateModules(req.Modules); len(bad) > 0 {
		fields["modules"] = "unknown modules: " + strings.Join(bad, ", ")
	}
	if !positiveIDs(req.ProjectIDs) {
		fields["project_ids"] = "ids must be positive"
	}
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	j, err := h.queue.Enqueue(r.Context(), syncer.Request{ProjectIDs: req.ProjectIDs, Modules: req.Modules}, jobs.TriggerAPI)
	switch {
	case errors.Is(err, jobs.ErrSyncInProgress):
		writeJSON(w, syncResponse{Accepted: false, Detail: err.Error()}, http.StatusConflict)
		return
	case errors.Is(err, syncer.ErrUnknownModule):
		writeValidation(w, map[string]string{"modules": err.Error()})
		return
	case err != nil:
		logger.Error("enqueue sync failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to enqueue sync job")
		return
	}

	writeJSON(w, syncResponse{JobID: j.ID, Accepted: true, Detail: "sync job queued"}, http.StatusAccepted)
}

var jobStatuses = []models.JobStatus{models.JobQueued, models.JobRunning, models.JobFinished, models.JobFailed}

func (h *SyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.JobStatus(q.Get("status"))
	if status != "" && !slices.Contains(jobStatuses, status) {
		writeValidation(w, map[string]string{"status": "must be one of queued, running, finished, failed"})
		return
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			writeValidation(w, map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = v
	}

	list, err := h.queue.List(r.Context(), status, limit)
	if err != nil {
		logger.Error("list jobs failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	items := make([]jobView, 0, len(list))
	for _, j := range list {
		items = append(items, newJobView(j))
	}
	writeJSON(w, map[string]any{"items": items, "count": len(items)}, http.StatusOK)
}

func (h *SyncHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := h.queue.Get(r.Context(), id)
	if err != nil {
		logger.Error("get job failed", slog.String("job_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, newJobView(*j), http.StatusOK)
}
