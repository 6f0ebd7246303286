package jobs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/garnizeh/redmine-rag/internal/db/dbtest"
	"github.com/garnizeh/redmine-rag/internal/jobs"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/repository/sqlite"
	"github.com/garnizeh/redmine-rag/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []syncer.Request
	err   error
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, req syncer.Request) (*syncer.Summary, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return &syncer.Summary{IssuesSynced: 7, WikiPagesSynced: 1}, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newQueue(t *testing.T, history int) (*jobs.Queue, *sqlite.SQLiteRepo) {
	t.Helper()
	repo := sqlite.New(dbtest.New(t), nil)
	return jobs.NewQueue(repo, history, nil), repo
}

func waitStatus(t *testing.T, q *jobs.Queue, id string, want models.JobStatus) *models.SyncJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if j != nil && j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestEnqueue_RejectsWhileActive(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 10)

	j, err := q.Enqueue(ctx, syncer.Request{Modules: []string{"issues"}}, jobs.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobQueued || j.ID == "" {
		t.Fatalf("job = %+v", j)
	}
	if _, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerAPI); !errors.Is(err, jobs.ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	if _, err := q.Enqueue(ctx, syncer.Request{Modules: []string{"tickets"}}, jobs.TriggerAPI); !errors.Is(err, syncer.ErrUnknownModule) {
		t.Fatalf("err = %v, want ErrUnknownModule", err)
	}
}

func TestWorker_RunsJobAndStoresSummary(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 10)
	runner := &fakeRunner{}
	w := jobs.NewWorker(q, runner, jobs.WorkerConfig{PollInterval: 20 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	j, err := q.Enqueue(ctx, syncer.Request{ProjectIDs: []int64{1}, Modules: []string{"wiki"}}, jobs.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	done := waitStatus(t, q, j.ID, models.JobFinished)
	if done.StartedAt == nil || done.FinishedAt == nil || done.ErrorMessage != nil {
		t.Fatalf("finished job = %+v", done)
	}
	p, err := jobs.DecodePayload(done)
	if err != nil {
		t.Fatal(err)
	}
	if p.Summary == nil || p.Summary.IssuesSynced != 7 || p.Trigger != jobs.TriggerAPI {
		t.Fatalf("payload = %+v", p)
	}
	if len(p.Request.ProjectIDs) != 1 || p.Request.Modules[0] != "wiki" {
		t.Fatalf("request = %+v", p.Request)
	}

	// the guard lifts once the job is terminal
	if _, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerCLI); err != nil {
		t.Fatalf("enqueue after finish: %v", err)
	}
}

func TestWorker_FailedCycleKeepsSummary(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 10)
	w := jobs.NewWorker(q, &fakeRunner{err: syncer.ErrCycleFailed}, jobs.WorkerConfig{}, nil)

	j, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerCLI)
	if err != nil {
		t.Fatal(err)
	}
	ran, err := w.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	got, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobFailed || got.ErrorMessage == nil {
		t.Fatalf("job = %+v", got)
	}
	p, _ := jobs.DecodePayload(got)
	if p.Summary == nil || p.Summary.WikiPagesSynced != 1 {
		t.Fatalf("summary lost: %+v", p)
	}
	if ran, err := w.RunOnce(ctx); ran || err != nil {
		t.Fatalf("empty queue RunOnce = %v, %v", ran, err)
	}
}

func TestQueue_HistoryRetention(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 2)
	w := jobs.NewWorker(q, &fakeRunner{}, jobs.WorkerConfig{}, nil)

	var ids []string
	for range 4 {
		j, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerCLI)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	list, err := q.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != ids[3] || list[1].ID != ids[2] {
		t.Fatalf("kept %d jobs: %+v", len(list), list)
	}
	if old, _ := q.Get(ctx, ids[0]); old != nil {
		t.Fatalf("oldest job not pruned")
	}
	if _, err := q.List(ctx, "paused", 10); err == nil {
		t.Fatalf("unknown status accepted")
	}
}

func TestWorker_StartFailsStaleJobs(t *testing.T) {
	ctx := context.Background()
	q, repo := newQueue(t, 10)
	j, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := repo.ClaimNextJob(ctx, time.Now()); err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	w := jobs.NewWorker(q, &fakeRunner{}, jobs.WorkerConfig{PollInterval: 20 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w.Stop()

	got, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	// terminal jobs cannot move again
	if err := repo.FinishJob(ctx, j.ID, models.JobFinished, nil, nil, time.Now()); err == nil {
		t.Fatalf("terminal job transitioned")
	}
}

func TestWorker_ScheduleEnqueues(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, 10)
	runner := &fakeRunner{}
	w := jobs.NewWorker(q, runner, jobs.WorkerConfig{
		PollInterval:     10 * time.Millisecond,
		ScheduleInterval: 15 * time.Millisecond,
		ScheduleRequest:  syncer.Request{Modules: []string{"issues"}},
	}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runner.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()
	if runner.count() < 2 {
		t.Fatalf("scheduled runs = %d", runner.count())
	}
	list, err := q.List(ctx, models.JobFinished, 0)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := jobs.DecodePayload(&list[0])
	if p.Trigger != jobs.TriggerSchedule {
		t.Fatalf("trigger = %q", p.Trigger)
	}
}

func TestWorker_StopCancelsBlockedCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q, _ := newQueue(t, 10)
	runner := &fakeRunner{block: make(chan struct{})}
	w := jobs.NewWorker(q, runner, jobs.WorkerConfig{PollInterval: 10 * time.Millisecond}, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	j, err := q.Enqueue(ctx, syncer.Request{}, jobs.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, q, j.ID, models.JobRunning)

	var stopped atomic.Bool
	go func() {
		cancel()
		w.Stop()
		stopped.Store(true)
	}()
	got := waitStatus(t, q, j.ID, models.JobFailed)
	if got.ErrorMessage == nil {
		t.Fatalf("missing error message")
	}
	deadline := time.Now().Add(time.Second)
	for !stopped.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !stopped.Load() {
		t.Fatal("worker did not stop")
	}
}
