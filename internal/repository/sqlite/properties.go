package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/redmine-rag/internal/models"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

func (r *SQLiteRepo) UpsertIssueMetric(ctx context.Context, m models.IssueMetric) error {
	const q = `INSERT INTO issue_metrics (issue_id, first_response_s, resolution_s, reopen_count, touch_count, handoff_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			first_response_s = excluded.first_response_s, resolution_s = excluded.resolution_s,
			reopen_count = excluded.reopen_count, touch_count = excluded.touch_count,
			handoff_count = excluded.handoff_count, updated_at = excluded.updated_at`
	n := now()
	return r.tx(ctx, func(qr querier) error {
		if _, err := qr.ExecContext(ctx, q, m.IssueID, nullInt(m.FirstResponseS), nullInt(m.ResolutionS),
			m.ReopenCount, m.TouchCount, m.HandoffCount, n, n); err != nil {
			return fmt.Errorf("upsert issue metric %d: %w", m.IssueID, err)
		}
		return nil
	})
}

func (r *SQLiteRepo) GetIssueMetric(ctx context.Context, issueID int64) (*models.IssueMetric, error) {
	var (
		m              models.IssueMetric
		first, resolve sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx, `SELECT issue_id, first_response_s, resolution_s, reopen_count, touch_count, handoff_count
		FROM issue_metrics WHERE issue_id = ?`, issueID).
		Scan(&m.IssueID, &first, &resolve, &m.ReopenCount, &m.TouchCount, &m.HandoffCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue metric %d: %w", issueID, err)
	}
	m.FirstResponseS = intPtr(first)
	m.ResolutionS = intPtr(resolve)
	return &m, nil
}

func (r *SQLiteRepo) UpsertIssueProperty(ctx context.Context, p models.IssueProperty) error {
	const q = `INSERT INTO issue_properties (issue_id, extractor_version, confidence, props_json, extracted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			extractor_version = excluded.extractor_version, confidence = excluded.confidence,
			props_json = excluded.props_json, extracted_at = excluded.extracted_at, updated_at = excluded.updated_at`
	n := now()
	return r.tx(ctx, func(qr querier) error {
		if _, err := qr.ExecContext(ctx, q, p.IssueID, p.ExtractorVersion, p.Confidence, jsonOr(p.PropsJSON, "{}"), ts(p.ExtractedAt), n, n); err != nil {
			return fmt.Errorf("upsert issue property %d: %w", p.IssueID, err)
		}
		return nil
	})
}

func (r *SQLiteRepo) GetIssueProperty(ctx context.Context, issueID int64) (*models.IssueProperty, error) {
	var (
		p         models.IssueProperty
		props, at string
	)
	err := r.q.QueryRowContext(ctx, `SELECT issue_id, extractor_version, confidence, props_json, extracted_at
		FROM issue_properties WHERE issue_id = ?`, issueID).
		Scan(&p.IssueID, &p.ExtractorVersion, &p.Confidence, &props, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue property %d: %w", issueID, err)
	}
	p.PropsJSON = []byte(props)
	p.ExtractedAt = parseTS(at)
	return &p, nil
}

func metricsWhere(f models.MetricsFilter) (string, []any) {
	var (
		parts []string
		args  []any
		p     string
	)
	if len(f.ProjectIDs) > 0 {
		p, args = inClause("i.project_id", f.ProjectIDs, args)
		parts = append(parts, p)
	}
	if f.FromDate != nil {
		parts = append(parts, "i.created_on >= ?")
		args = append(args, ts(startOfDay(*f.FromDate)))
	}
	if f.ToDate != nil {
		parts = append(parts, "i.created_on <= ?")
		args = append(args, ts(endOfDay(*f.ToDate)))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// SummarizeIssueMetrics groups issue_metrics by project. Median fields are left nil.
func (r *SQLiteRepo) SummarizeIssueMetrics(ctx context.Context, f models.MetricsFilter) ([]models.ProjectMetrics, error) {
	where, args := metricsWhere(f)
	rows, err := r.q.QueryContext(ctx, `SELECT i.project_id, COUNT(1), AVG(m.first_response_s), AVG(m.resolution_s),
			COALESCE(SUM(m.reopen_count), 0), COALESCE(SUM(m.handoff_count), 0)
		FROM issue_metrics m JOIN issues i ON i.id = m.issue_id`+where+`
		GROUP BY i.project_id ORDER BY i.project_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize metrics: %w", err)
	}
	defer rows.Close()
	var out []models.ProjectMetrics
	for rows.Next() {
		var (
			pm                 models.ProjectMetrics
			avgFirst, avgResol sql.NullFloat64
		)
		if err := rows.Scan(&pm.ProjectID, &pm.IssueCount, &avgFirst, &avgResol, &pm.ReopenTotal, &pm.HandoffTotal); err != nil {
			return nil, err
		}
		pm.AvgFirstResponseS = floatPtr(avgFirst)
		pm.AvgResolutionS = floatPtr(avgResol)
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) ListMetricSamples(ctx context.Context, f models.MetricsFilter) ([]models.IssueMetricSample, error) {
	where, args := metricsWhere(f)
	rows, err := r.q.QueryContext(ctx, `SELECT i.project_id, m.first_response_s, m.resolution_s
		FROM issue_metrics m JOIN issues i ON i.id = m.issue_id`+where+` ORDER BY i.project_id, m.issue_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list metric samples: %w", err)
	}
	defer rows.Close()
	var out []models.IssueMetricSample
	for rows.Next() {
		var (
			s              models.IssueMetricSample
			first, resolve sql.NullInt64
		)
		if err := rows.Scan(&s.ProjectID, &first, &resolve); err != nil {
			return nil, err
		}
		s.FirstResponseS = intPtr(first)
		s.ResolutionS = intPtr(resolve)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetLLMSchema returns the seeded JSON schema called name or repository.ErrNotFound.
func (r *SQLiteRepo) GetLLMSchema(ctx context.Context, name string) (string, error) {
	var s string
	err := r.q.QueryRowContext(ctx, `SELECT schema_json FROM llm_schemas WHERE name = ?`, name).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("llm schema %q: %w", name, repository.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get llm schema %q: %w", name, err)
	}
	return s, nil
}
