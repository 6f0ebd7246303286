package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/garnizeh/redmine-rag/internal/db"
	"github.com/garnizeh/redmine-rag/pkg/repository"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepo implements repository interfaces using the internal DB wrapper.
// A repo returned to a WithinTx callback is bound to that transaction.
type SQLiteRepo struct {
	conn   *db.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// Ensure SQLiteRepo implements the public interfaces.
var (
	_ repository.MirrorRepo    = (*SQLiteRepo)(nil)
	_ repository.SourceReader  = (*SQLiteRepo)(nil)
	_ repository.ChunkRepo     = (*SQLiteRepo)(nil)
	_ repository.SyncStateRepo = (*SQLiteRepo)(nil)
	_ repository.PropertyRepo  = (*SQLiteRepo)(nil)
	_ repository.MetricsRepo   = (*SQLiteRepo)(nil)
	_ repository.SchemaRepo    = (*SQLiteRepo)(nil)
	_ repository.JobRepo       = (*SQLiteRepo)(nil)
)

func New(conn *db.DB, logger *slog.Logger) *SQLiteRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRepo{conn: conn, q: conn.GetConn(), logger: logger}
}

// Ping checks the database connection.
func (r *SQLiteRepo) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// WithinTx runs fn with a writer bound to one transaction. Nested calls reuse
// the outer transaction.
func (r *SQLiteRepo) WithinTx(ctx context.Context, fn func(w repository.MirrorWriter) error) error {
	if r.inTx {
		return fn(r)
	}
	return r.conn.RunTx(ctx, func(tx *sql.Tx) error {
		return fn(&SQLiteRepo{conn: r.conn, q: tx, inTx: true, logger: r.logger})
	})
}

func (r *SQLiteRepo) tx(ctx context.Context, fn func(q querier) error) error {
	if r.inTx {
		return fn(r.q)
	}
	return r.conn.RunTx(ctx, func(tx *sql.Tx) error { return fn(tx) })
}

const tsLayout = time.RFC3339

func now() string {
	return time.Now().UTC().Format(tsLayout)
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func tsPtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return ts(*t)
}

// chunkTSLayout is fixed width so doc_chunks.updated_at compares correctly as
// text at sub-second resolution.
const chunkTSLayout = "2006-01-02T15:04:05.000000000Z07:00"

func chunkTS(t time.Time) string {
	return t.UTC().Format(chunkTSLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullTS(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(tsLayout, s.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonOr(b []byte, def string) string {
	if len(b) == 0 {
		return def
	}
	return string(b)
}

// inClause renders "col IN (?,?,...)" and appends its args.
func inClause(col string, ids []int64, args []any) (string, []any) {
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	return col + " IN (" + strings.Join(ph, ",") + ")", args
}
