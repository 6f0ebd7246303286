package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
)

const chunkCols = `c.id, c.source_type, c.source_id, c.project_id, c.issue_id, c.journal_id, c.wiki_page_id, c.attachment_id,
	c.chunk_index, c.text, c.url, c.source_created_on, c.source_updated_on, c.source_metadata, c.embedding_key,
	c.created_at, c.updated_at`

func scanChunk(s scanner, extra ...any) (*models.DocChunk, error) {
	var (
		c                                         models.DocChunk
		project, issue, journal, wiki, attachment sql.NullInt64
		srcCreated, srcUpdated, key               sql.NullString
		meta, created, updated                    string
	)
	dest := []any{&c.ID, &c.SourceType, &c.SourceID, &project, &issue, &journal, &wiki, &attachment,
		&c.ChunkIndex, &c.Text, &c.URL, &srcCreated, &srcUpdated, &meta, &key, &created, &updated}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.ProjectID = intPtr(project)
	c.IssueID = intPtr(issue)
	c.JournalID = intPtr(journal)
	c.WikiPageID = intPtr(wiki)
	c.AttachmentID = intPtr(attachment)
	c.SourceCreatedOn = parseNullTS(srcCreated)
	c.SourceUpdatedOn = parseNullTS(srcUpdated)
	c.SourceMetadata = json.RawMessage(meta)
	c.EmbeddingKey = key.String
	c.CreatedAt = parseTS(created)
	c.UpdatedAt = parseTS(updated)
	return &c, nil
}

func scanChunks(rows *sql.Rows) ([]models.DocChunk, error) {
	defer rows.Close()
	var out []models.DocChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// sameChunk compares the stored fields that ReplaceChunks writes.
func sameChunk(a, b models.DocChunk) bool {
	eqTime := func(x, y *time.Time) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return x.UTC().Truncate(time.Second).Equal(y.UTC().Truncate(time.Second))
	}
	eqInt := func(x, y *int64) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return *x == *y
	}
	return a.ChunkIndex == b.ChunkIndex && a.Text == b.Text && a.URL == b.URL &&
		a.EmbeddingKey == b.EmbeddingKey &&
		bytes.Equal(bytes.TrimSpace(a.SourceMetadata), bytes.TrimSpace(b.SourceMetadata)) &&
		eqInt(a.ProjectID, b.ProjectID) && eqInt(a.IssueID, b.IssueID) &&
		eqTime(a.SourceCreatedOn, b.SourceCreatedOn) && eqTime(a.SourceUpdatedOn, b.SourceUpdatedOn)
}

func (r *SQLiteRepo) ReplaceChunks(ctx context.Context, sourceType, sourceID string, chunks []models.DocChunk) (bool, error) {
	const insert = `INSERT INTO doc_chunks (source_type, source_id, project_id, issue_id, journal_id, wiki_page_id, attachment_id,
			chunk_index, text, url, source_created_on, source_updated_on, source_metadata, embedding_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	changed := false
	err := r.tx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `SELECT `+chunkCols+` FROM doc_chunks c WHERE c.source_type = ? AND c.source_id = ? ORDER BY c.chunk_index`, sourceType, sourceID)
		if err != nil {
			return fmt.Errorf("load chunks: %w", err)
		}
		existing, err := scanChunks(rows)
		if err != nil {
			return err
		}
		if len(existing) == len(chunks) {
			same := true
			for i := range chunks {
				want := chunks[i]
				if len(want.SourceMetadata) == 0 {
					want.SourceMetadata = json.RawMessage("{}")
				}
				if !sameChunk(existing[i], want) {
					same = false
					break
				}
			}
			if same {
				return nil
			}
		}

		changed = true
		if _, err := q.ExecContext(ctx, `DELETE FROM doc_chunks WHERE source_type = ? AND source_id = ?`, sourceType, sourceID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		n := chunkTS(time.Now())
		for i, c := range chunks {
			if c.ChunkIndex != i {
				return fmt.Errorf("chunk %s:%s index %d out of sequence at %d", sourceType, sourceID, c.ChunkIndex, i)
			}
			var key any
			if c.EmbeddingKey != "" {
				key = c.EmbeddingKey
			}
			if _, err := q.ExecContext(ctx, insert, sourceType, sourceID, nullInt(c.ProjectID), nullInt(c.IssueID),
				nullInt(c.JournalID), nullInt(c.WikiPageID), nullInt(c.AttachmentID), c.ChunkIndex, c.Text, c.URL,
				tsPtr(c.SourceCreatedOn), tsPtr(c.SourceUpdatedOn), jsonOr(c.SourceMetadata, "{}"), key, n, n); err != nil {
				return fmt.Errorf("insert chunk %s:%s/%d: %w", sourceType, sourceID, i, err)
			}
		}
		return nil
	})
	return changed, err
}

func (r *SQLiteRepo) DeleteChunks(ctx context.Context, sourceType, sourceID string) (int, error) {
	var n int64
	err := r.tx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM doc_chunks WHERE source_type = ? AND source_id = ?`, sourceType, sourceID)
		if err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ListChunksUpdatedSince pages through chunks by id (keyset after afterID).
func (r *SQLiteRepo) ListChunksUpdatedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.DocChunk, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+chunkCols+` FROM doc_chunks c WHERE c.updated_at >= ? AND c.id > ? ORDER BY c.id LIMIT ?`,
		chunkTS(since), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chunks since: %w", err)
	}
	return scanChunks(rows)
}

func (r *SQLiteRepo) ListEmbeddingKeys(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT embedding_key FROM doc_chunks WHERE embedding_key IS NOT NULL AND embedding_key <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list embedding keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// AssignMissingEmbeddingKeys gives keyless chunks the fallback key "doc_chunk:<id>".
func (r *SQLiteRepo) AssignMissingEmbeddingKeys(ctx context.Context) (int, error) {
	var n int64
	err := r.tx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE doc_chunks SET embedding_key = 'doc_chunk:' || id, updated_at = ?
			WHERE embedding_key IS NULL OR embedding_key = ''`, chunkTS(time.Now()))
		if err != nil {
			return fmt.Errorf("assign embedding keys: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (r *SQLiteRepo) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM doc_chunks`).Scan(&n)
	return n, err
}

// CountFTSRows counts rows actually present in the full-text index.
func (r *SQLiteRepo) CountFTSRows(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM doc_chunks_fts_docsize`).Scan(&n)
	return n, err
}

// filterSQL renders the search predicates against doc_chunks c and issues i.
func filterSQL(f models.SearchFilters) (string, []any) {
	var (
		parts []string
		args  []any
		p     string
	)
	if len(f.ProjectIDs) > 0 {
		p, args = inClause("c.project_id", f.ProjectIDs, args)
		parts = append(parts, p)
	}
	if len(f.TrackerIDs) > 0 {
		p, args = inClause("i.tracker_id", f.TrackerIDs, args)
		parts = append(parts, p)
	}
	if len(f.StatusIDs) > 0 {
		p, args = inClause("i.status_id", f.StatusIDs, args)
		parts = append(parts, p)
	}
	if f.FromDate != nil {
		parts = append(parts, "c.source_updated_on >= ?")
		args = append(args, ts(startOfDay(*f.FromDate)))
	}
	if f.ToDate != nil {
		parts = append(parts, "c.source_updated_on <= ?")
		args = append(args, ts(endOfDay(*f.ToDate)))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(parts, " AND "), args
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// SearchLexical runs an FTS5 MATCH and returns hits ordered by BM25, best first.
func (r *SQLiteRepo) SearchLexical(ctx context.Context, match string, f models.SearchFilters, limit int) ([]models.LexicalHit, error) {
	where, fargs := filterSQL(f)
	q := `SELECT ` + chunkCols + `, bm25(doc_chunks_fts) AS score
		FROM doc_chunks_fts
		JOIN doc_chunks c ON c.id = doc_chunks_fts.rowid
		LEFT JOIN issues i ON i.id = c.issue_id
		WHERE doc_chunks_fts MATCH ?` + where + `
		ORDER BY score ASC, c.id ASC
		LIMIT ?`
	args := append([]any{match}, fargs...)
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()
	var out []models.LexicalHit
	for rows.Next() {
		var score float64
		c, err := scanChunk(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		out = append(out, models.LexicalHit{Chunk: *c, BM25: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return out, nil
}

// GetChunksByEmbeddingKeys fetches the chunks for keys that pass f, in no particular order.
func (r *SQLiteRepo) GetChunksByEmbeddingKeys(ctx context.Context, keys []string, f models.SearchFilters) ([]models.DocChunk, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ph := make([]string, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		ph[i] = "?"
		args = append(args, k)
	}
	where, fargs := filterSQL(f)
	args = append(args, fargs...)
	rows, err := r.q.QueryContext(ctx, `SELECT `+chunkCols+`
		FROM doc_chunks c
		LEFT JOIN issues i ON i.id = c.issue_id
		WHERE c.embedding_key IN (`+strings.Join(ph, ",")+`)`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks by key: %w", err)
	}
	return scanChunks(rows)
}
