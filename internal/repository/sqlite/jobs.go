package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

const jobCols = `id, status, payload, started_at, finished_at, error_message, created_at, updated_at`

func scanJob(s scanner) (*models.SyncJob, error) {
	var (
		j                 models.SyncJob
		status, payload   string
		started, finished sql.NullString
		errMsg            sql.NullString
		created, updated  string
	)
	if err := s.Scan(&j.ID, &status, &payload, &started, &finished, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	j.StartedAt = parseNullTS(started)
	j.FinishedAt = parseNullTS(finished)
	j.ErrorMessage = strPtr(errMsg)
	j.CreatedAt = parseTS(created)
	j.UpdatedAt = parseTS(updated)
	return &j, nil
}

// CreateJob inserts a queued job unless another job is queued or running,
// in which case it returns repository.ErrJobActive.
func (r *SQLiteRepo) CreateJob(ctx context.Context, j models.SyncJob) error {
	return r.tx(ctx, func(qr querier) error {
		var active int
		if err := qr.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_jobs WHERE status IN ('queued', 'running')`).Scan(&active); err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		if active > 0 {
			return repository.ErrJobActive
		}
		created := j.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err := qr.ExecContext(ctx, `INSERT INTO sync_jobs (id, status, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			j.ID, string(models.JobQueued), jsonOr(j.Payload, "{}"), ts(created), ts(created))
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
		return nil
	})
}

// ClaimNextJob moves the oldest queued job to running and returns it, or nil
// when the queue is empty.
func (r *SQLiteRepo) ClaimNextJob(ctx context.Context, at time.Time) (*models.SyncJob, error) {
	var claimed *models.SyncJob
	err := r.tx(ctx, func(qr querier) error {
		claimed = nil
		j, err := scanJob(qr.QueryRowContext(ctx, `SELECT `+jobCols+` FROM sync_jobs WHERE status = 'queued' ORDER BY created_at, id LIMIT 1`))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}
		if _, err := qr.ExecContext(ctx, `UPDATE sync_jobs SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			ts(at), ts(at), j.ID); err != nil {
			return fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		started := at.UTC().Truncate(time.Second)
		j.Status = models.JobRunning
		j.StartedAt = &started
		j.UpdatedAt = started
		claimed = j
		return nil
	})
	return claimed, err
}

// FinishJob moves a running job to a terminal status. Jobs already terminal
// are left untouched and reported with repository.ErrNotFound.
func (r *SQLiteRepo) FinishJob(ctx context.Context, id string, status models.JobStatus, payload json.RawMessage, errMsg *string, at time.Time) error {
	if !models.JobRunning.CanTransition(status) {
		return fmt.Errorf("finish job %s: invalid status %q", id, status)
	}
	return r.tx(ctx, func(qr querier) error {
		res, err := qr.ExecContext(ctx, `UPDATE sync_jobs SET status = ?, payload = ?, error_message = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('queued', 'running')`,
			string(status), jsonOr(payload, "{}"), nullStr(errMsg), ts(at), ts(at), id)
		if err != nil {
			return fmt.Errorf("finish job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("finish job %s: %w", id, repository.ErrNotFound)
		}
		return nil
	})
}

// FailStaleJobs fails every job still running, left behind by a process that
// exited mid-cycle.
func (r *SQLiteRepo) FailStaleJobs(ctx context.Context, msg string, at time.Time) (int, error) {
	var n int64
	err := r.tx(ctx, func(qr querier) error {
		res, err := qr.ExecContext(ctx, `UPDATE sync_jobs SET status = 'failed', error_message = ?, finished_at = ?, updated_at = ? WHERE status = 'running'`,
			msg, ts(at), ts(at))
		if err != nil {
			return fmt.Errorf("fail stale jobs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (r *SQLiteRepo) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	j, err := scanJob(r.q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (r *SQLiteRepo) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.SyncJob, error) {
	q := `SELECT ` + jobCols + ` FROM sync_jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// PruneJobs keeps the newest keep terminal jobs and deletes the rest.
func (r *SQLiteRepo) PruneJobs(ctx context.Context, keep int) (int, error) {
	var n int64
	err := r.tx(ctx, func(qr querier) error {
		res, err := qr.ExecContext(ctx, `DELETE FROM sync_jobs WHERE status IN ('finished', 'failed') AND id NOT IN (
				SELECT id FROM sync_jobs WHERE status IN ('finished', 'failed') ORDER BY created_at DESC, id DESC LIMIT ?)`, keep)
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}
