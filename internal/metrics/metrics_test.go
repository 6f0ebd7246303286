package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/garnizeh/redmine-rag/internal/db/dbtest"
	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/internal/repository/sqlite"
)

func i64(v int64) *int64 { return &v }

func TestMedian(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want *float64
	}{
		{"empty", nil, nil},
		{"single", []float64{7}, ptr(7)},
		{"odd", []float64{9, 1, 5}, ptr(5)},
		{"even", []float64{4, 1, 3, 2}, ptr(2.5)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Median(tc.in)
			if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
				t.Fatalf("Median(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func ptr(v float64) *float64 { return &v }

func seed(t *testing.T) *sqlite.SQLiteRepo {
	t.Helper()
	ctx := context.Background()
	repo := sqlite.New(dbtest.New(t), nil)
	jan := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	issues := []models.Issue{
		{ID: 1, ProjectID: 1, Subject: "a", CreatedOn: jan, UpdatedOn: jan},
		{ID: 2, ProjectID: 1, Subject: "b", CreatedOn: jan, UpdatedOn: jan},
		{ID: 3, ProjectID: 1, Subject: "c", CreatedOn: mar, UpdatedOn: mar},
		{ID: 4, ProjectID: 2, Subject: "d", CreatedOn: mar, UpdatedOn: mar},
	}
	if _, err := repo.UpsertIssues(ctx, issues); err != nil {
		t.Fatal(err)
	}
	metrics := []models.IssueMetric{
		{IssueID: 1, FirstResponseS: i64(100), ResolutionS: i64(1000), ReopenCount: 1, HandoffCount: 2},
		{IssueID: 2, FirstResponseS: i64(300), ResolutionS: nil, HandoffCount: 1},
		{IssueID: 3, FirstResponseS: i64(200), ResolutionS: i64(4000)},
		{IssueID: 4},
	}
	for _, m := range metrics {
		if err := repo.UpsertIssueMetric(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestSummarize_PerProject(t *testing.T) {
	s, err := New(seed(t)).Summarize(context.Background(), models.MetricsFilter{})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.IssueCount != 4 || len(s.Projects) != 2 {
		t.Fatalf("summary = %+v", s)
	}
	p := s.Projects[0]
	if p.ProjectID != 1 || p.IssueCount != 3 || p.ReopenTotal != 1 || p.HandoffTotal != 3 {
		t.Fatalf("project 1 = %+v", p)
	}
	if p.MedianFirstResponseS == nil || *p.MedianFirstResponseS != 200 {
		t.Fatalf("median first response = %v", p.MedianFirstResponseS)
	}
	if p.MedianResolutionS == nil || *p.MedianResolutionS != 2500 {
		t.Fatalf("median resolution = %v", p.MedianResolutionS)
	}
	if p.AvgFirstResponseS == nil || *p.AvgFirstResponseS != 200 {
		t.Fatalf("avg first response = %v", p.AvgFirstResponseS)
	}
	q := s.Projects[1]
	if q.ProjectID != 2 || q.MedianFirstResponseS != nil || q.AvgResolutionS != nil {
		t.Fatalf("project 2 = %+v", q)
	}
}

func TestSummarize_Filters(t *testing.T) {
	repo := seed(t)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(repo).Summarize(context.Background(), models.MetricsFilter{ProjectIDs: []int64{1}, FromDate: &from})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Projects) != 1 || s.Projects[0].IssueCount != 1 || *s.Projects[0].MedianResolutionS != 4000 {
		t.Fatalf("summary = %+v", s.Projects)
	}

	to := from.AddDate(0, 0, -1)
	if _, err := New(repo).Summarize(context.Background(), models.MetricsFilter{FromDate: &from, ToDate: &to}); err == nil {
		t.Fatal("expected inverted range error")
	}
}

func TestSummarize_Empty(t *testing.T) {
	s, err := New(sqlite.New(dbtest.New(t), nil)).Summarize(context.Background(), models.MetricsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Projects == nil || len(s.Projects) != 0 || s.IssueCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
}
