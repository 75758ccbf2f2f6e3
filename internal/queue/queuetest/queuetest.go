// Package queuetest opens throwaway stores for tests.
package queuetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fullctl/fullctl-sub000/internal/queue"
)

// PostgresDSNEnv names the variable that enables Postgres-backed tests.
const PostgresDSNEnv = "TASKD_TEST_POSTGRES_DSN"

// Open returns a SQLite-backed repository in a fresh temp directory.
func Open(t testing.TB, opts ...queue.Option) *queue.SQLRepo {
	t.Helper()
	db, err := queue.Open(queue.SQLite, filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := queue.EnsureSchema(context.Background(), db, queue.SQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return queue.NewSQLRepo(db, queue.SQLite, opts...)
}

// OpenPostgres returns a Postgres-backed repository with emptied tables, or
// skips the test when PostgresDSNEnv is not set.
func OpenPostgres(t testing.TB, opts ...queue.Option) *queue.SQLRepo {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres test", PostgresDSNEnv)
	}
	db, err := queue.Open(queue.Postgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := queue.EnsureSchema(ctx, db, queue.Postgres); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, table := range []string{"task_claims", "task_heartbeats", "task_schedules", "tasks"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return queue.NewSQLRepo(db, queue.Postgres, opts...)
}
