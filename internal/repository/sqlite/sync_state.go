package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
)

const cursorCols = `entity_type, project_scope, last_seen_updated_on, last_success_at, cursor_token, error_message`

func scanCursor(s scanner) (*models.SyncCursor, error) {
	var (
		c                   models.SyncCursor
		seen, success       sql.NullString
		token, errorMessage sql.NullString
	)
	if err := s.Scan(&c.EntityType, &c.ProjectScope, &seen, &success, &token, &errorMessage); err != nil {
		return nil, err
	}
	c.LastSeenUpdatedOn = parseNullTS(seen)
	c.LastSuccessAt = parseNullTS(success)
	c.CursorToken = strPtr(token)
	c.ErrorMessage = strPtr(errorMessage)
	return &c, nil
}

func (r *SQLiteRepo) GetCursor(ctx context.Context, entityType, scope string) (*models.SyncCursor, error) {
	c, err := scanCursor(r.q.QueryRowContext(ctx, `SELECT `+cursorCols+` FROM sync_cursors WHERE entity_type = ? AND project_scope = ?`, entityType, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s/%s: %w", entityType, scope, err)
	}
	return c, nil
}

// AdvanceCursor stores max(old, seen) as the high-water mark and clears the error.
func (r *SQLiteRepo) AdvanceCursor(ctx context.Context, entityType, scope string, seen *time.Time, at time.Time) error {
	const q = `INSERT INTO sync_cursors (entity_type, project_scope, last_seen_updated_on, last_success_at, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(entity_type, project_scope) DO UPDATE SET
			last_seen_updated_on = CASE
				WHEN excluded.last_seen_updated_on IS NULL THEN sync_cursors.last_seen_updated_on
				WHEN sync_cursors.last_seen_updated_on IS NULL THEN excluded.last_seen_updated_on
				WHEN excluded.last_seen_updated_on > sync_cursors.last_seen_updated_on THEN excluded.last_seen_updated_on
				ELSE sync_cursors.last_seen_updated_on
			END,
			last_success_at = excluded.last_success_at,
			error_message = NULL,
			updated_at = excluded.updated_at`
	n := now()
	return r.tx(ctx, func(qr querier) error {
		if _, err := qr.ExecContext(ctx, q, entityType, scope, tsPtr(seen), ts(at), n, n); err != nil {
			return fmt.Errorf("advance cursor %s/%s: %w", entityType, scope, err)
		}
		return nil
	})
}

func (r *SQLiteRepo) MarkCursorError(ctx context.Context, entityType, scope, msg string) error {
	const q = `INSERT INTO sync_cursors (entity_type, project_scope, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, project_scope) DO UPDATE SET error_message = excluded.error_message, updated_at = excluded.updated_at`
	n := now()
	return r.tx(ctx, func(qr querier) error {
		if _, err := qr.ExecContext(ctx, q, entityType, scope, msg, n, n); err != nil {
			return fmt.Errorf("mark cursor error %s/%s: %w", entityType, scope, err)
		}
		return nil
	})
}

func (r *SQLiteRepo) ListCursors(ctx context.Context) ([]models.SyncCursor, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+cursorCols+` FROM sync_cursors ORDER BY entity_type, project_scope`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()
	var out []models.SyncCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetSyncState(ctx context.Context, key string) (*models.SyncState, error) {
	var (
		st                       models.SyncState
		lastSync, success, lastE sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `SELECT key, last_sync_at, last_success_at, last_error FROM sync_state WHERE key = ?`, key).
		Scan(&st.Key, &lastSync, &success, &lastE)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", key, err)
	}
	st.LastSyncAt = parseNullTS(lastSync)
	st.LastSuccessAt = parseNullTS(success)
	st.LastError = strPtr(lastE)
	return &st, nil
}

// SaveSyncState writes every field of st; a nil LastSuccessAt keeps the stored one.
func (r *SQLiteRepo) SaveSyncState(ctx context.Context, st models.SyncState) error {
	const q = `INSERT INTO sync_state (key, last_sync_at, last_success_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_success_at = COALESCE(excluded.last_success_at, sync_state.last_success_at),
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`
	n := now()
	return r.tx(ctx, func(qr querier) error {
		if _, err := qr.ExecContext(ctx, q, st.Key, tsPtr(st.LastSyncAt), tsPtr(st.LastSuccessAt), nullStr(st.LastError), n, n); err != nil {
			return fmt.Errorf("save sync state %s: %w", st.Key, err)
		}
		return nil
	})
}
