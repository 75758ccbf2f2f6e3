package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  op TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  param TEXT NOT NULL,
  result TEXT,
  error TEXT,
  output TEXT NOT NULL DEFAULT '',
  run_time DOUBLE PRECISION NOT NULL DEFAULT 0,
  timeout INTEGER,
  source TEXT NOT NULL DEFAULT '',
  queue_id TEXT,
  parent_id TEXT,
  limit_id TEXT,
  created DATETIME NOT NULL,
  updated DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(op, status, created)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_limit ON tasks(op, limit_id, status)`,
	`
CREATE TABLE IF NOT EXISTS task_claims (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  worker_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('ok','pending','deactivated','failed','expired')) DEFAULT 'ok',
  created DATETIME NOT NULL,
  updated DATETIME NOT NULL
)`,
	// The claim race is decided here: a second active claim for the same task
	// fails to insert.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_claims_task ON task_claims(task_id) WHERE status <> 'deactivated'`,
	`
CREATE TABLE IF NOT EXISTS task_heartbeats (
  task_id TEXT PRIMARY KEY,
  worker_id TEXT NOT NULL,
  updated DATETIME NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS task_schedules (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  task_config TEXT NOT NULL,
  schedule DATETIME NOT NULL,
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  repeats INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  created DATETIME NOT NULL,
  updated DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_schedules_due ON task_schedules(enabled, schedule)`,
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schema {
		if d == Postgres {
			stmt = strings.ReplaceAll(stmt, "DATETIME", "TIMESTAMPTZ")
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
