package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/garnizeh/redmine-rag/internal/db/dbtest"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/repository/sqlite"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

func newRepo(t *testing.T) *sqlite.SQLiteRepo {
	t.Helper()
	return sqlite.New(dbtest.New(t), nil)
}

func i64(v int64) *int64 { return &v }

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tp(s string) *time.Time {
	t := at(s)
	return &t
}

func seedIssue(t *testing.T, r *sqlite.SQLiteRepo, id, project, tracker, status int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.UpsertIssues(ctx, []models.Issue{{
		ID: id, ProjectID: project, TrackerID: tracker, StatusID: status, Subject: "issue",
		CreatedOn: at("2024-03-01T09:00:00Z"), UpdatedOn: at("2024-03-02T09:00:00Z"),
	}}); err != nil {
		t.Fatalf("upsert issue: %v", err)
	}
}

func TestUpserts_AreIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	projects := []models.Project{{ID: 1, Identifier: "platform", Name: "Platform", IsPublic: true}}
	issues := []models.Issue{{
		ID: 101, ProjectID: 1, TrackerID: 1, TrackerName: "Bug", StatusID: 2, StatusName: "In Progress",
		Subject: "OAuth callback timeout", AssignedToID: i64(10),
		CreatedOn: at("2024-03-01T09:00:00Z"), UpdatedOn: at("2024-03-02T09:00:00Z"),
		CustomFields: json.RawMessage(`[{"id":1,"name":"Severity","value":"high"}]`),
	}}
	old, nw := "1", "2"
	journals := []models.Journal{{
		ID: 5001, IssueID: 101, UserID: i64(10), Notes: "looking", CreatedOn: at("2024-03-01T10:00:00Z"),
		Details: []models.JournalDetail{{Property: "attr", Name: "status_id", OldValue: &old, NewValue: &nw}},
	}}
	attachments := []models.Attachment{{ID: 7, Container: models.JournalRef{JournalID: 5001}, Filename: "trace.log"}}

	for range 2 {
		if _, err := r.UpsertProjects(ctx, projects); err != nil {
			t.Fatalf("projects: %v", err)
		}
		if n, err := r.UpsertIssues(ctx, issues); err != nil || n != 1 {
			t.Fatalf("issues: n=%d err=%v", n, err)
		}
		if _, err := r.UpsertJournals(ctx, journals); err != nil {
			t.Fatalf("journals: %v", err)
		}
		if _, err := r.UpsertAttachments(ctx, attachments); err != nil {
			t.Fatalf("attachments: %v", err)
		}
	}

	counts, err := r.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	if counts["issues"] != 1 || counts["journals"] != 1 || counts["attachments"] != 1 || counts["projects"] != 1 {
		t.Fatalf("unexpected counts after double upsert: %v", counts)
	}

	got, err := r.GetIssue(ctx, 101)
	if err != nil || got == nil {
		t.Fatalf("GetIssue: %v %v", got, err)
	}
	if got.AssignedToID == nil || *got.AssignedToID != 10 || got.StatusName != "In Progress" {
		t.Fatalf("unexpected issue: %+v", got)
	}

	js, err := r.ListJournals(ctx, 101)
	if err != nil || len(js) != 1 {
		t.Fatalf("ListJournals: %v %v", js, err)
	}
	if len(js[0].Details) != 1 || *js[0].Details[0].NewValue != "2" {
		t.Fatalf("journal details not round-tripped: %+v", js[0].Details)
	}

	a, err := r.GetAttachment(ctx, 7)
	if err != nil || a == nil {
		t.Fatalf("GetAttachment: %v %v", a, err)
	}
	if ref, ok := a.Container.(models.JournalRef); !ok || ref.JournalID != 5001 {
		t.Fatalf("unexpected container %#v", a.Container)
	}

	missing, err := r.GetIssue(ctx, 999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing issue, got %v %v", missing, err)
	}
}

func TestUpsertWikiPage_VersionsAppendOnly(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	p := models.WikiPage{ProjectID: 1, Title: "Runbook", Content: "v1", Version: 1, UpdatedOn: tp("2024-03-01T00:00:00Z")}
	id1, err := r.UpsertWikiPage(ctx, p)
	if err != nil {
		t.Fatalf("upsert v1: %v", err)
	}
	p.Content, p.Version = "v2", 2
	id2, err := r.UpsertWikiPage(ctx, p)
	if err != nil {
		t.Fatalf("upsert v2: %v", err)
	}
	if _, err := r.UpsertWikiPage(ctx, p); err != nil {
		t.Fatalf("upsert v2 again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable page id, got %d and %d", id1, id2)
	}
	counts, err := r.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	if counts["wiki_pages"] != 1 || counts["wiki_versions"] != 2 {
		t.Fatalf("unexpected wiki counts: %v", counts)
	}
	got, err := r.GetWikiPage(ctx, id1)
	if err != nil || got == nil || got.Content != "v2" {
		t.Fatalf("GetWikiPage: %+v %v", got, err)
	}
}

func chunk(sourceType, sourceID string, idx int, text, key string, project *int64, issue *int64, updated *time.Time) models.DocChunk {
	return models.DocChunk{
		SourceType: sourceType, SourceID: sourceID, ChunkIndex: idx, Text: text, EmbeddingKey: key,
		ProjectID: project, IssueID: issue, SourceUpdatedOn: updated,
	}
}

func TestReplaceChunks_NoOpWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	cs := []models.DocChunk{
		chunk("issue", "1", 0, "first window", "k0", i64(1), i64(1), nil),
		chunk("issue", "1", 1, "second window", "k1", i64(1), i64(1), nil),
	}
	changed, err := r.ReplaceChunks(ctx, "issue", "1", cs)
	if err != nil || !changed {
		t.Fatalf("first replace: changed=%v err=%v", changed, err)
	}
	changed, err = r.ReplaceChunks(ctx, "issue", "1", cs)
	if err != nil || changed {
		t.Fatalf("identical replace should be a no-op: changed=%v err=%v", changed, err)
	}

	cs[1].Text = "second window edited"
	if changed, err = r.ReplaceChunks(ctx, "issue", "1", cs[:1]); err != nil || !changed {
		t.Fatalf("shrinking replace: changed=%v err=%v", changed, err)
	}
	n, _ := r.CountChunks(ctx)
	fts, _ := r.CountFTSRows(ctx)
	if n != 1 || fts != 1 {
		t.Fatalf("expected 1 chunk and 1 fts row, got %d/%d", n, fts)
	}

	bad := []models.DocChunk{chunk("issue", "2", 1, "gap", "kx", nil, nil, nil)}
	if _, err := r.ReplaceChunks(ctx, "issue", "2", bad); err == nil {
		t.Fatalf("expected error for non-contiguous chunk index")
	}
}

func TestSearchLexical_FiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedIssue(t, r, 101, 1, 1, 2)
	seedIssue(t, r, 202, 2, 3, 5)

	mustReplace := func(c models.DocChunk) {
		t.Helper()
		if _, err := r.ReplaceChunks(ctx, c.SourceType, c.SourceID, []models.DocChunk{c}); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	mustReplace(chunk("issue", "101", 0, "OAuth callback timeout on Safari login flow", "a", i64(1), i64(101), tp("2024-03-02T09:00:00Z")))
	mustReplace(chunk("issue", "202", 0, "OAuth token refresh callback", "b", i64(2), i64(202), tp("2024-05-02T09:00:00Z")))
	mustReplace(chunk("wiki", "9", 0, "Runbook for rollback and incident playbook", "c", i64(1), nil, tp("2024-03-02T09:00:00Z")))

	hits, err := r.SearchLexical(ctx, `"oauth" OR "callback"`, models.SearchFilters{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].BM25 < hits[i-1].BM25 {
			t.Fatalf("hits not ordered by bm25 ascending: %v", hits)
		}
	}

	cases := []struct {
		name string
		f    models.SearchFilters
		want string
	}{
		{"project", models.SearchFilters{ProjectIDs: []int64{2}}, "202"},
		{"tracker", models.SearchFilters{TrackerIDs: []int64{1}}, "101"},
		{"status", models.SearchFilters{StatusIDs: []int64{5}}, "202"},
		{"to_date inclusive", models.SearchFilters{ToDate: tp("2024-03-02T00:00:00Z")}, "101"},
		{"from_date", models.SearchFilters{FromDate: tp("2024-04-01T00:00:00Z")}, "202"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hits, err := r.SearchLexical(ctx, `"oauth" OR "callback"`, tc.f, 10)
			if err != nil {
				t.Fatalf("SearchLexical: %v", err)
			}
			if len(hits) != 1 || hits[0].Chunk.SourceID != tc.want {
				t.Fatalf("expected only %s, got %+v", tc.want, hits)
			}
		})
	}

	byKey, err := r.GetChunksByEmbeddingKeys(ctx, []string{"a", "b", "c"}, models.SearchFilters{ProjectIDs: []int64{1}})
	if err != nil {
		t.Fatalf("GetChunksByEmbeddingKeys: %v", err)
	}
	if len(byKey) != 2 {
		t.Fatalf("expected 2 chunks in project 1, got %d", len(byKey))
	}
}

func TestAssignMissingEmbeddingKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	if _, err := r.ReplaceChunks(ctx, "news", "1", []models.DocChunk{chunk("news", "1", 0, "release notes", "", nil, nil, nil)}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	n, err := r.AssignMissingEmbeddingKeys(ctx)
	if err != nil || n != 1 {
		t.Fatalf("AssignMissingEmbeddingKeys: n=%d err=%v", n, err)
	}
	keys, err := r.ListEmbeddingKeys(ctx)
	if err != nil || len(keys) != 1 || keys[0][:10] != "doc_chunk:" {
		t.Fatalf("unexpected keys %v (%v)", keys, err)
	}
}

func TestAdvanceCursor_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	if c, err := r.GetCursor(ctx, "issues", "*"); err != nil || c != nil {
		t.Fatalf("expected no cursor, got %v %v", c, err)
	}
	if err := r.AdvanceCursor(ctx, "issues", "*", tp("2024-03-10T00:00:00Z"), time.Now()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := r.AdvanceCursor(ctx, "issues", "*", tp("2024-03-01T00:00:00Z"), time.Now()); err != nil {
		t.Fatalf("advance older: %v", err)
	}
	if err := r.MarkCursorError(ctx, "issues", "*", "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	c, err := r.GetCursor(ctx, "issues", "*")
	if err != nil || c == nil {
		t.Fatalf("GetCursor: %v %v", c, err)
	}
	if !c.LastSeenUpdatedOn.Equal(at("2024-03-10T00:00:00Z")) {
		t.Fatalf("cursor moved backwards: %v", c.LastSeenUpdatedOn)
	}
	if c.ErrorMessage == nil || *c.ErrorMessage != "boom" {
		t.Fatalf("expected error message recorded, got %v", c.ErrorMessage)
	}

	if err := r.AdvanceCursor(ctx, "issues", "*", nil, time.Now()); err != nil {
		t.Fatalf("advance nil: %v", err)
	}
	c, _ = r.GetCursor(ctx, "issues", "*")
	if c.ErrorMessage != nil || c.LastSeenUpdatedOn == nil {
		t.Fatalf("expected cleared error and kept mark, got %+v", c)
	}
}

func TestSyncState_KeepsLastSuccess(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	ok := at("2024-03-01T00:00:00Z")
	if err := r.SaveSyncState(ctx, models.SyncState{Key: "redmine_incremental", LastSyncAt: &ok, LastSuccessAt: &ok}); err != nil {
		t.Fatalf("save: %v", err)
	}
	later := at("2024-03-02T00:00:00Z")
	msg := "upstream down"
	if err := r.SaveSyncState(ctx, models.SyncState{Key: "redmine_incremental", LastSyncAt: &later, LastError: &msg}); err != nil {
		t.Fatalf("save failure: %v", err)
	}
	st, err := r.GetSyncState(ctx, "redmine_incremental")
	if err != nil || st == nil {
		t.Fatalf("GetSyncState: %v %v", st, err)
	}
	if !st.LastSuccessAt.Equal(ok) || !st.LastSyncAt.Equal(later) || st.LastError == nil {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestMetricsSummaryAndSamples(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedIssue(t, r, 1, 1, 1, 1)
	seedIssue(t, r, 2, 1, 1, 1)
	seedIssue(t, r, 3, 2, 1, 1)
	for _, m := range []models.IssueMetric{
		{IssueID: 1, FirstResponseS: i64(100), ResolutionS: i64(1000), ReopenCount: 1, TouchCount: 3, HandoffCount: 1},
		{IssueID: 2, FirstResponseS: i64(300), TouchCount: 1},
		{IssueID: 3, TouchCount: 0},
	} {
		if err := r.UpsertIssueMetric(ctx, m); err != nil {
			t.Fatalf("UpsertIssueMetric: %v", err)
		}
	}
	sum, err := r.SummarizeIssueMetrics(ctx, models.MetricsFilter{ProjectIDs: []int64{1}})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sum) != 1 || sum[0].IssueCount != 2 || *sum[0].AvgFirstResponseS != 200 || sum[0].ReopenTotal != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	samples, err := r.ListMetricSamples(ctx, models.MetricsFilter{})
	if err != nil || len(samples) != 3 {
		t.Fatalf("samples: %v %v", samples, err)
	}
}

func TestIssuePropertyRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := models.IssueProperty{IssueID: 9, ExtractorVersion: "det-v1", Confidence: 1, PropsJSON: json.RawMessage(`{"status_path":[1,2]}`), ExtractedAt: at("2024-03-01T00:00:00Z")}
	if err := r.UpsertIssueProperty(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetIssueProperty(ctx, 9)
	if err != nil || got == nil || string(got.PropsJSON) != `{"status_path":[1,2]}` {
		t.Fatalf("unexpected property %+v %v", got, err)
	}
}

func TestGetLLMSchema(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	s, err := r.GetLLMSchema(ctx, "ask_claims")
	if err != nil || s == "" {
		t.Fatalf("expected seeded schema, got %q %v", s, err)
	}
	if _, err := r.GetLLMSchema(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithinTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	boom := errors.New("boom")
	err := r.WithinTx(ctx, func(w repository.MirrorWriter) error {
		if _, err := w.UpsertProjects(ctx, []models.Project{{ID: 1, Identifier: "p", Name: "P"}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	ps, err := r.ListProjects(ctx)
	if err != nil || len(ps) != 0 {
		t.Fatalf("expected rollback, got %v %v", ps, err)
	}
}
