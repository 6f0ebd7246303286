// Package jobs queues sync cycles and runs them one at a time. At most one
// job is queued or running at any moment; finished history is trimmed to a
// configured length.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/syncer"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// ErrSyncInProgress is returned by Enqueue while another job is queued or running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Trigger values recorded in the job payload.
const (
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Payload is the JSON document stored with every job.
type Payload struct {
	Request syncer.Request  `json:"request"`
	Trigger string          `json:"trigger,omitempty"`
	Summary *syncer.Summary `json:"summary,omitempty"`
}

// DecodePayload parses the payload of j. An empty payload decodes to the zero value.
func DecodePayload(j *models.SyncJob) (Payload, error) {
	var p Payload
	if len(j.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return p, nil
}

// BackoffDuration returns exponential backoff duration for attempt n
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	d := time.Duration(1<<uint(min(attempt, 16))) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// Queue is the persistent job history plus a wake-up signal for the worker.
type Queue struct {
	repo         repository.JobRepo
	historyLimit int
	logger       *slog.Logger
	notify       chan struct{}
	now          func() time.Time
}

// NewQueue returns a queue over repo. historyLimit <= 0 keeps every job.
func NewQueue(repo repository.JobRepo, historyLimit int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{repo: repo, historyLimit: historyLimit, logger: logger, notify: make(chan struct{}, 1), now: time.Now}
}

// Enqueue validates req and records a queued job.
func (q *Queue) Enqueue(ctx context.Context, req syncer.Request, trigger string) (*models.SyncJob, error) {
	if bad := syncer.ValidateModules(req.Modules); len(bad) > 0 {
		return nil, fmt.Errorf("%w: %s", syncer.ErrUnknownModule, strings.Join(bad, ", "))
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	payload, err := json.Marshal(Payload{Request: req, Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	created := q.now().UTC().Truncate(time.Second)
	j := models.SyncJob{ID: id.String(), Status: models.JobQueued, Payload: payload, CreatedAt: created, UpdatedAt: created}
	if err := q.repo.CreateJob(ctx, j); err != nil {
		if errors.Is(err, repository.ErrJobActive) {
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}
	q.logger.Info("sync job queued", slog.String("job_id", j.ID), slog.String("trigger", trigger))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return &j, nil
}

// Get returns the job or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	return q.repo.GetJob(ctx, id)
}

// List returns jobs newest first. limit is clamped to [1, 200] with 20 as default.
func (q *Queue) List(ctx context.Context, status models.JobStatus, limit int) ([]models.SyncJob, error) {
	switch status {
	case "", models.JobQueued, models.JobRunning, models.JobFinished, models.JobFailed:
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return q.repo.ListJobs(ctx, status, limit)
}

func (q *Queue) prune(ctx context.Context) {
	if q.historyLimit <= 0 {
		return
	}
	n, err := q.repo.PruneJobs(ctx, q.historyLimit)
	if err != nil {
		q.logger.Error("prune sync jobs", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		q.logger.Debug("pruned sync jobs", slog.Int("deleted", n))
	}
}
