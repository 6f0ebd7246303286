// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	dbfs "github.com/garnizeh/redmine-rag/db"
	"github.com/garnizeh/redmine-rag/internal/db"
)

var seq atomic.Int64

// New returns a private, fully migrated in-memory database closed at test cleanup.
func New(t testing.TB) *db.DB {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:dbtest_%d?mode=memory&cache=shared", seq.Add(1))
	d, err := db.New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := db.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return d
}
