package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/syncer"
)

// Runner executes one sync cycle.
type Runner interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Summary, error)
}

// WorkerConfig tunes polling and the optional periodic schedule.
type WorkerConfig struct {
	// PollInterval bounds how long a queued job may wait when no wake-up arrives.
	PollInterval time.Duration
	// ScheduleInterval, when positive, enqueues ScheduleRequest on that period.
	ScheduleInterval time.Duration
	ScheduleRequest  syncer.Request
}

// Worker drains the queue with a single goroutine so cycles never overlap.
type Worker struct {
	queue  *Queue
	runner Runner
	cfg    WorkerConfig
	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewWorker(q *Queue, r Runner, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, runner: r, cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Start fails jobs left running by a previous process and launches the
// worker loop plus the scheduler when configured.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.queue.repo.FailStaleJobs(ctx, "interrupted by restart", w.queue.now().UTC())
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("failed stale sync jobs", slog.Int("count", n))
	}
	w.wg.Add(1)
	go w.loop(ctx)
	if w.cfg.ScheduleInterval > 0 {
		w.wg.Add(1)
		go w.schedule(ctx)
	}
	return nil
}

// Stop signals the goroutines and waits for the running cycle to return.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		for {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				failures++
				w.logger.Error("sync worker", slog.String("error", err.Error()))
				if !w.sleep(ctx, BackoffDuration(failures)) {
					return
				}
				continue
			}
			failures = 0
			if !ran {
				break
			}
		}
		select {
		case <-w.stop:
			w.logger.Info("sync worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("context canceled, sync worker exiting")
			return
		case <-w.queue.notify:
		case <-ticker.C:
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) schedule(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Enqueue(ctx, w.cfg.ScheduleRequest, TriggerSchedule); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					w.logger.Debug("scheduled sync skipped, job already active")
					continue
				}
				w.logger.Error("scheduled sync", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce claims the oldest queued job and runs it to completion. It reports
// false when the queue was empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.queue.repo.ClaimNextJob(ctx, w.queue.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if j == nil {
		return false, nil
	}
	w.execute(ctx, j)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, j *models.SyncJob) {
	log := w.logger.With(slog.String("job_id", j.ID))
	start := time.Now()
	status := models.JobFinished
	var errMsg *string
	fail := func(err error) {
		status = models.JobFailed
		msg := err.Error()
		errMsg = &msg
	}

	payload, err := DecodePayload(j)
	if err != nil {
		fail(err)
	} else {
		sum, runErr := w.run(ctx, payload.Request)
		payload.Summary = sum
		if runErr != nil {
			fail(runErr)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = j.Payload
	}
	// the job must reach a terminal status even when ctx is cancelled
	done := context.WithoutCancel(ctx)
	if err := w.queue.repo.FinishJob(done, j.ID, status, raw, errMsg, w.queue.now().UTC()); err != nil {
		log.Error("finish sync job", slog.String("error", err.Error()))
	}
	log.Info("sync job done", slog.String("status", string(status)), slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	w.queue.prune(done)
}

func (w *Worker) run(ctx context.Context, req syncer.Request) (sum *syncer.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
	}()
	return w.runner.Run(ctx, req)
}
