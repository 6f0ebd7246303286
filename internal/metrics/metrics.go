// Package metrics aggregates the per-issue operational metrics written by the
// extractor into per-project summaries.
package metrics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// Summary is the metrics report for one filter.
type Summary struct {
	Projects    []models.ProjectMetrics `json:"projects"`
	IssueCount  int64                   `json:"issue_count"`
	GeneratedAt time.Time               `json:"generated_at"`
}

type Aggregator struct {
	repo repository.MetricsRepo
	now  func() time.Time
}

func New(repo repository.MetricsRepo) *Aggregator {
	return &Aggregator{repo: repo, now: time.Now}
}

// Summarize returns averages and totals from the store with medians computed
// over the individual samples of each project.
func (a *Aggregator) Summarize(ctx context.Context, f models.MetricsFilter) (*Summary, error) {
	if f.FromDate != nil && f.ToDate != nil && f.ToDate.Before(*f.FromDate) {
		return nil, fmt.Errorf("metrics: to_date before from_date")
	}
	projects, err := a.repo.SummarizeIssueMetrics(ctx, f)
	if err != nil {
		return nil, err
	}
	samples, err := a.repo.ListMetricSamples(ctx, f)
	if err != nil {
		return nil, err
	}

	first := map[int64][]float64{}
	resolution := map[int64][]float64{}
	for _, s := range samples {
		if s.FirstResponseS != nil {
			first[s.ProjectID] = append(first[s.ProjectID], float64(*s.FirstResponseS))
		}
		if s.ResolutionS != nil {
			resolution[s.ProjectID] = append(resolution[s.ProjectID], float64(*s.ResolutionS))
		}
	}

	out := &Summary{Projects: []models.ProjectMetrics{}, GeneratedAt: a.now().UTC()}
	for _, p := range projects {
		p.MedianFirstResponseS = Median(first[p.ProjectID])
		p.MedianResolutionS = Median(resolution[p.ProjectID])
		out.IssueCount += p.IssueCount
		out.Projects = append(out.Projects, p)
	}
	return out, nil
}

// Median returns the median of vs or nil when vs is empty. vs is sorted in place.
func Median(vs []float64) *float64 {
	if len(vs) == 0 {
		return nil
	}
	slices.Sort(vs)
	m := vs[len(vs)/2]
	if len(vs)%2 == 0 {
		m = (vs[len(vs)/2-1] + m) / 2
	}
	return &m
}
