package syncer_test

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/garnizeh/redmine-rag/internal/chunker"
	"github.com/garnizeh/redmine-rag/internal/db/dbtest"
	"github.com/garnizeh/redmine-rag/internal/embedding"
	"github.com/garnizeh/redmine-rag/internal/indexer"
	"github.com/garnizeh/redmine-rag/internal/repository/sqlite"
	"github.com/garnizeh/redmine-rag/internal/syncer"
	"github.com/garnizeh/redmine-rag/internal/vectorstore"
	"github.com/garnizeh/redmine-rag/pkg/redmine"
)

type harness struct {
	up     *upstream
	repo   *sqlite.SQLiteRepo
	store  *vectorstore.Store
	syncer *syncer.Syncer
	lock   string
}

func newHarness(t *testing.T, nIssues int, opts ...func(*redmine.Config)) *harness {
	t.Helper()
	up := newUpstream(nIssues)
	srv := newUpstreamServer(t, up)

	cfg := redmine.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "fixture-key"
	cfg.RoleHeader = "admin"
	cfg.Retries = 0
	cfg.Timeout = 5 * time.Second
	cfg.PageLimit = 50
	for _, o := range opts {
		o(&cfg)
	}
	client, err := redmine.NewClient(cfg, &http.Client{Transport: &http.Transport{}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	repo := sqlite.New(dbtest.New(t), nil)
	ch, err := chunker.New(400, 60)
	if err != nil {
		t.Fatal(err)
	}
	emb, err := embedding.NewHashed(64)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := vectorstore.New(64, filepath.Join(dir, "vectors.f32"), filepath.Join(dir, "vectors.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(dir, "sync.lock")
	s := syncer.New(client, repo, repo, repo,
		indexer.NewChunkIndexer(repo, repo, ch, srv.URL, nil),
		indexer.NewEmbeddingIndexer(repo, emb, store, 16, nil),
		syncer.Config{Overlap: 5 * time.Minute, LockPath: lock}, nil)
	return &harness{up: up, repo: repo, store: store, syncer: s, lock: lock}
}

func TestRunFullCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 125)

	first, err := h.syncer.Run(ctx, syncer.Request{})
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.IssuesSynced < 120 {
		t.Fatalf("issues_synced = %d, want >= 120", first.IssuesSynced)
	}
	if first.WikiPagesSynced != 2 {
		t.Fatalf("wiki_pages_synced = %d, want 2", first.WikiPagesSynced)
	}
	if first.JournalsSynced != 125 || first.ProjectsSynced != 2 || first.UsersSynced != 2 {
		t.Fatalf("unexpected counts: %+v", first)
	}
	if first.ChunksUpdated == 0 || first.VectorsUpserted == 0 {
		t.Fatalf("indexes not refreshed: %+v", first)
	}
	// issue attachments plus the wiki attachment
	if first.AttachmentsSynced != 4 {
		t.Fatalf("attachments_synced = %d, want 4", first.AttachmentsSynced)
	}

	counts1, err := h.repo.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	chunks1, err := h.repo.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts1["issues"] != 125 || counts1["wiki_pages"] != 2 || chunks1 == 0 {
		t.Fatalf("counts after first cycle: %v chunks=%d", counts1, chunks1)
	}
	if h.store.Len() != int(chunks1) {
		t.Fatalf("vector store has %d keys, want %d", h.store.Len(), chunks1)
	}

	second, err := h.syncer.Run(ctx, syncer.Request{})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.ChunksUpdated != 0 || second.VectorsUpserted != 0 || second.VectorsPruned != 0 {
		t.Fatalf("second cycle rewrote indexes: %+v", second)
	}
	counts2, err := h.repo.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	chunks2, err := h.repo.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !maps.Equal(counts1, counts2) || chunks1 != chunks2 {
		t.Fatalf("counts changed: %v -> %v, chunks %d -> %d", counts1, counts2, chunks1, chunks2)
	}

	st, err := h.repo.GetSyncState(ctx, syncer.StateKey)
	if err != nil || st == nil {
		t.Fatalf("sync state: %v %v", st, err)
	}
	if st.LastSuccessAt == nil || st.LastError != nil {
		t.Fatalf("sync state = %+v", st)
	}
}

func TestRunAppliesCursorOverlap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)

	if _, err := h.syncer.Run(ctx, syncer.Request{Modules: []string{syncer.ModuleProjects, syncer.ModuleIssues}}); err != nil {
		t.Fatal(err)
	}
	cur, err := h.repo.GetCursor(ctx, syncer.ModuleIssues, "*")
	if err != nil || cur == nil || cur.LastSeenUpdatedOn == nil {
		t.Fatalf("cursor = %+v err=%v", cur, err)
	}
	// issue 10 is the newest: created at +10h, updated 30 minutes later
	want := fixtureBase.Add(10*time.Hour + 30*time.Minute)
	if !cur.LastSeenUpdatedOn.Equal(want) {
		t.Fatalf("cursor = %s, want %s", cur.LastSeenUpdatedOn, want)
	}

	sum, err := h.syncer.Run(ctx, syncer.Request{Modules: []string{syncer.ModuleIssues}})
	if err != nil {
		t.Fatal(err)
	}
	if got, wantQ := h.up.lastQuery("/issues.json", "updated_on"), ">="+fts(want.Add(-5*time.Minute)); got != wantQ {
		t.Fatalf("updated_on filter = %q, want %q", got, wantQ)
	}
	if sum.IssuesSynced != 1 {
		t.Fatalf("issues_synced = %d, want 1 inside the overlap window", sum.IssuesSynced)
	}
}

func TestRunScopesByProject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 6)

	if _, err := h.syncer.Run(ctx, syncer.Request{ProjectIDs: []int64{1}, Modules: []string{syncer.ModuleProjects, syncer.ModuleIssues}}); err != nil {
		t.Fatal(err)
	}
	if got := h.up.lastQuery("/issues.json", "project_id"); got != "1" {
		t.Fatalf("project_id filter = %q", got)
	}
	cur, err := h.repo.GetCursor(ctx, syncer.ModuleIssues, "1")
	if err != nil || cur == nil {
		t.Fatalf("scoped cursor missing: %v", err)
	}
	counts, err := h.repo.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["projects"] != 1 {
		t.Fatalf("projects = %d, want only the requested one", counts["projects"])
	}
}

func TestRunRecordsModuleFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.up.failOn("/news.json", http.StatusInternalServerError)

	sum, err := h.syncer.Run(ctx, syncer.Request{})
	if !errors.Is(err, syncer.ErrCycleFailed) {
		t.Fatalf("err = %v, want ErrCycleFailed", err)
	}
	if sum == nil || sum.Errors["news"] == "" {
		t.Fatalf("summary errors = %v", sum)
	}
	if sum.IssuesSynced != 3 || sum.WikiPagesSynced != 2 {
		t.Fatalf("other modules did not run: %+v", sum)
	}

	cur, err := h.repo.GetCursor(ctx, syncer.ModuleNews, "*")
	if err != nil || cur == nil || cur.ErrorMessage == nil {
		t.Fatalf("news cursor = %+v err=%v", cur, err)
	}
	ok, err := h.repo.GetCursor(ctx, syncer.ModuleIssues, "*")
	if err != nil || ok == nil || ok.ErrorMessage != nil || ok.LastSuccessAt == nil {
		t.Fatalf("issues cursor = %+v err=%v", ok, err)
	}
	st, err := h.repo.GetSyncState(ctx, syncer.StateKey)
	if err != nil || st == nil || st.LastError == nil || st.LastSuccessAt != nil {
		t.Fatalf("sync state = %+v err=%v", st, err)
	}
}

func TestRunKeepsWikiCursorBelowFailedPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	req := syncer.Request{Modules: []string{syncer.ModuleProjects, syncer.ModuleWiki}}

	// the index lists Onboarding (+2h) before Runbook (+1h)
	h.up.failOn("/projects/platform/wiki/Runbook.json", http.StatusInternalServerError)
	first, err := h.syncer.Run(ctx, req)
	if !errors.Is(err, syncer.ErrCycleFailed) {
		t.Fatalf("err = %v, want ErrCycleFailed", err)
	}
	if first.WikiPagesSynced != 1 {
		t.Fatalf("wiki_pages_synced = %d, want 1", first.WikiPagesSynced)
	}
	cur, err := h.repo.GetCursor(ctx, syncer.ModuleWiki, "*")
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil && cur.LastSeenUpdatedOn != nil {
		t.Fatalf("wiki cursor advanced to %s after a failed page", cur.LastSeenUpdatedOn)
	}

	h.up.heal()
	second, err := h.syncer.Run(ctx, req)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.WikiPagesSynced != 2 {
		t.Fatalf("wiki_pages_synced = %d, want 2", second.WikiPagesSynced)
	}
	counts, err := h.repo.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["wiki_pages"] != 2 {
		t.Fatalf("wiki_pages = %d, want 2", counts["wiki_pages"])
	}
	cur, err = h.repo.GetCursor(ctx, syncer.ModuleWiki, "*")
	if err != nil || cur == nil || cur.LastSeenUpdatedOn == nil {
		t.Fatalf("wiki cursor = %+v err=%v", cur, err)
	}
	if want := fixtureBase.Add(2 * time.Hour); !cur.LastSeenUpdatedOn.Equal(want) {
		t.Fatalf("wiki cursor = %s, want %s", cur.LastSeenUpdatedOn, want)
	}
}

func TestRunTimeEntriesResumeAfterFailedPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, func(c *redmine.Config) { c.PageLimit = 1 })
	req := syncer.Request{Modules: []string{syncer.ModuleTimeEntries}}

	h.up.failFromOffset("/time_entries.json", 2)
	first, err := h.syncer.Run(ctx, req)
	if !errors.Is(err, syncer.ErrCycleFailed) {
		t.Fatalf("err = %v, want ErrCycleFailed", err)
	}
	if first.TimeEntriesSynced != 2 {
		t.Fatalf("time_entries_synced = %d, want 2", first.TimeEntriesSynced)
	}
	if got := h.up.lastQuery("/time_entries.json", "sort"); got != "updated_on" {
		t.Fatalf("sort = %q, want updated_on", got)
	}

	h.up.heal()
	if _, err := h.syncer.Run(ctx, req); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	counts, err := h.repo.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["time_entries"] != 3 {
		t.Fatalf("time_entries = %d, want 3", counts["time_entries"])
	}
	cur, err := h.repo.GetCursor(ctx, syncer.ModuleTimeEntries, "*")
	if err != nil || cur == nil || cur.LastSeenUpdatedOn == nil {
		t.Fatalf("time entries cursor = %+v err=%v", cur, err)
	}
	if want := fixtureBase.Add(2 * time.Hour); !cur.LastSeenUpdatedOn.Equal(want) {
		t.Fatalf("time entries cursor = %s, want %s", cur.LastSeenUpdatedOn, want)
	}
}

func TestRunRejectsUnknownModule(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.syncer.Run(context.Background(), syncer.Request{Modules: []string{"issues", "tickets"}})
	if !errors.Is(err, syncer.ErrUnknownModule) {
		t.Fatalf("err = %v, want ErrUnknownModule", err)
	}
	if bad := syncer.ValidateModules([]string{"wiki", "tickets"}); len(bad) != 1 || bad[0] != "tickets" {
		t.Fatalf("ValidateModules = %v", bad)
	}
}

func TestRunHonoursLock(t *testing.T) {
	h := newHarness(t, 1)
	held := flock.New(h.lock)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("test lock: %v %v", locked, err)
	}
	defer func() { _ = held.Unlock() }()

	if _, err := h.syncer.Run(context.Background(), syncer.Request{}); !errors.Is(err, syncer.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
}
