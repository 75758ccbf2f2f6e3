package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrClaimConflict = errors.New("task already claimed")
	ErrNotPending    = errors.New("task is not pending")
)

// Repository is the persisted-entity store the task engine coordinates through.
type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	ListClaimable(ctx context.Context, op string) ([]domain.Task, error)
	CountActive(ctx context.Context, op, limitID string) (int, error)
	CountClaimedActive(ctx context.Context, op string) (int, error)

	Claim(ctx context.Context, taskID, workerID, token string) (domain.TaskClaim, error)
	GetClaim(ctx context.Context, taskID string) (domain.TaskClaim, error)
	SetClaimStatus(ctx context.Context, taskID string, status domain.ClaimStatus) error

	StartTask(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, result json.RawMessage, output string, elapsed float64) error
	FailTask(ctx context.Context, id, errText, output string, elapsed float64) error
	SetElapsed(ctx context.Context, id string, elapsed float64) error
	CancelTask(ctx context.Context, id, reason string) error

	ListStale(ctx context.Context, before time.Time) ([]domain.Task, error)
	Stats(ctx context.Context, failedLimit int) (domain.Stats, error)
	Prune(ctx context.Context, before time.Time) (int, error)

	TouchHeartbeat(ctx context.Context, taskID, workerID string) error
	DeleteHeartbeat(ctx context.Context, taskID string) error
	ListHeartbeats(ctx context.Context, before time.Time) ([]domain.TaskHeartbeat, error)

	CreateSchedule(ctx context.Context, s domain.TaskSchedule) (domain.TaskSchedule, error)
	GetSchedule(ctx context.Context, id string) (domain.TaskSchedule, error)
	ListSchedules(ctx context.Context) ([]domain.TaskSchedule, error)
	UpdateSchedule(ctx context.Context, s domain.TaskSchedule) (domain.TaskSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.TaskSchedule, error)
	AdvanceSchedule(ctx context.Context, id string, prev, next time.Time, enabled bool) (bool, error)
	RearmSchedule(ctx context.Context, id string, at time.Time) (bool, error)
}

type Option func(*SQLRepo)

// WithClock overrides the time source used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(r *SQLRepo) { r.now = func() time.Time { return now().UTC() } }
}

type SQLRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLRepo(db *sql.DB, d Dialect, opts ...Option) *SQLRepo {
	r := &SQLRepo{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DB returns the underlying database connection.
func (r *SQLRepo) DB() *sql.DB { return r.db }

func (r *SQLRepo) Dialect() Dialect { return r.dialect }

func (r *SQLRepo) q(query string) string { return rebind(r.dialect, query) }

func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + uuid.NewString()
	}
	return prefix + id.String()
}

const taskColumns = `id,op,status,param,result,error,output,run_time,timeout,source,queue_id,parent_id,limit_id,created,updated`

func scanTask(scanFn func(dest ...any) error) (domain.Task, error) {
	var (
		t        domain.Task
		param    string
		result   sql.NullString
		errText  sql.NullString
		timeout  sql.NullInt64
		queueID  sql.NullString
		parentID sql.NullString
		limitID  sql.NullString
	)
	if err := scanFn(&t.ID, &t.Op, &t.Status, &param, &result, &errText, &t.Output, &t.Time, &timeout, &t.Source, &queueID, &parentID, &limitID, &t.Created, &t.Updated); err != nil {
		return domain.Task{}, err
	}
	p, err := domain.DecodeParam([]byte(param))
	if err != nil {
		return domain.Task{}, err
	}
	t.Param = p
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errText.String
	if timeout.Valid {
		t.Timeout = time.Duration(timeout.Int64) * time.Second
	}
	t.QueueID = queueID.String
	t.ParentID = parentID.String
	t.LimitID = limitID.String
	return t, nil
}

func (r *SQLRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	param, err := t.Param.Encode()
	if err != nil {
		return domain.Task{}, err
	}
	if t.ID == "" {
		t.ID = newID("tsk_")
	}
	now := r.now()
	t.Status = domain.StatusPending
	t.Created, t.Updated = now, now
	// normalize so the returned value matches what a later read yields
	if t.Param, err = domain.DecodeParam(param); err != nil {
		return domain.Task{}, err
	}

	var timeout any
	if t.Timeout > 0 {
		// whole seconds, rounded up so a sub-second timeout is not dropped
		timeout = int64((t.Timeout + time.Second - 1) / time.Second)
	}
	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO tasks (id,op,status,param,output,run_time,timeout,source,parent_id,limit_id,created,updated)
VALUES (?,?,?,?,'',0,?,?,?,?,?,?)`),
		t.ID, t.Op, string(t.Status), string(param), timeout, t.Source, nullString(t.ParentID), nullString(t.LimitID), now, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (r *SQLRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *SQLRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created DESC, id DESC LIMIT ?`, limit)
}

// ListClaimable returns unclaimed pending tasks of op whose parent, if any, has
// completed. Oldest first.
func (r *SQLRepo) ListClaimable(ctx context.Context, op string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE op = ? AND status = 'pending' AND queue_id IS NULL
  AND (parent_id IS NULL OR EXISTS (
    SELECT 1 FROM tasks p WHERE p.id = tasks.parent_id AND p.status = 'completed'))
ORDER BY created ASC, id ASC`, op)
}

// CountActive counts pending and running tasks of op. A non-empty limitID
// narrows the count to that bucket.
func (r *SQLRepo) CountActive(ctx context.Context, op, limitID string) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE op = ? AND status IN ('pending','running')`
	args := []any{op}
	if limitID != "" {
		query += ` AND limit_id = ?`
		args = append(args, limitID)
	}
	var n int
	err := r.db.QueryRowContext(ctx, r.q(query), args...).Scan(&n)
	return n, err
}

func (r *SQLRepo) CountClaimedActive(ctx context.Context, op string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.q(`
SELECT COUNT(*) FROM tasks WHERE op = ? AND queue_id IS NOT NULL AND status IN ('pending','running')`), op).Scan(&n)
	return n, err
}

// Claim records workerID as the owner of the task and stamps the task with
// token. It fails with ErrClaimConflict when an active claim already exists or
// the task already carries a claim token.
func (r *SQLRepo) Claim(ctx context.Context, taskID, workerID, token string) (domain.TaskClaim, error) {
	now := r.now()
	c := domain.TaskClaim{
		ID:       newID("clm_"),
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   domain.ClaimOK,
		Created:  now,
		Updated:  now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskClaim{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, r.q(`
INSERT INTO task_claims (id,task_id,worker_id,status,created,updated) VALUES (?,?,?,?,?,?)`),
		c.ID, c.TaskID, c.WorkerID, string(c.Status), now, now)
	if isUniqueViolation(err) {
		return domain.TaskClaim{}, ErrClaimConflict
	}
	if err != nil {
		return domain.TaskClaim{}, fmt.Errorf("insert claim: %w", err)
	}

	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET queue_id=?, updated=? WHERE id=? AND queue_id IS NULL`), token, now, taskID)
	if err != nil {
		return domain.TaskClaim{}, fmt.Errorf("mark task claimed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TaskClaim{}, ErrClaimConflict
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return domain.TaskClaim{}, ErrClaimConflict
		}
		return domain.TaskClaim{}, err
	}
	return c, nil
}

func (r *SQLRepo) GetClaim(ctx context.Context, taskID string) (domain.TaskClaim, error) {
	var c domain.TaskClaim
	err := r.db.QueryRowContext(ctx, r.q(`
SELECT id,task_id,worker_id,status,created,updated FROM task_claims
WHERE task_id=? AND status <> 'deactivated'`), taskID).
		Scan(&c.ID, &c.TaskID, &c.WorkerID, &c.Status, &c.Created, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskClaim{}, ErrNotFound
	}
	return c, err
}

func (r *SQLRepo) SetClaimStatus(ctx context.Context, taskID string, status domain.ClaimStatus) error {
	_, err := r.db.ExecContext(ctx, r.q(`
UPDATE task_claims SET status=?, updated=? WHERE task_id=? AND status <> 'deactivated'`), string(status), r.now(), taskID)
	return err
}

// StartTask moves a pending task to running.
func (r *SQLRepo) StartTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE tasks SET status='running', updated=? WHERE id=? AND status='pending'`), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *SQLRepo) CompleteTask(ctx context.Context, id string, result json.RawMessage, output string, elapsed float64) error {
	var res any
	if result != nil {
		res = string(result)
	}
	_, err := r.db.ExecContext(ctx, r.q(`
UPDATE tasks SET status='completed', result=?, error=NULL, output=?, run_time=?, updated=? WHERE id=?`),
		res, output, elapsed, r.now(), id)
	return err
}

func (r *SQLRepo) FailTask(ctx context.Context, id, errText, output string, elapsed float64) error {
	_, err := r.db.ExecContext(ctx, r.q(`
UPDATE tasks SET status='failed', result=NULL, error=?, output=?, run_time=?, updated=? WHERE id=?`),
		errText, output, elapsed, r.now(), id)
	return err
}

func (r *SQLRepo) SetElapsed(ctx context.Context, id string, elapsed float64) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE tasks SET run_time=?, updated=? WHERE id=?`), elapsed, r.now(), id)
	return err
}

func (r *SQLRepo) CancelTask(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE tasks SET status='cancelled', output=?, updated=? WHERE id=?`), reason, r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns claimed, non-terminal tasks not written to since before.
func (r *SQLRepo) ListStale(ctx context.Context, before time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE queue_id IS NOT NULL AND status IN ('pending','running') AND updated < ?
ORDER BY updated ASC`, before.UTC())
}

func (r *SQLRepo) Stats(ctx context.Context, failedLimit int) (domain.Stats, error) {
	var s domain.Stats
	counts := []struct {
		dst   *int
		query string
	}{
		{&s.Pending, `SELECT COUNT(*) FROM tasks WHERE status='pending' AND queue_id IS NULL`},
		{&s.Claimed, `SELECT COUNT(*) FROM tasks WHERE status IN ('pending','running') AND queue_id IS NOT NULL`},
		{&s.Running, `SELECT COUNT(*) FROM tasks WHERE status='running'`},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return domain.Stats{}, err
		}
	}

	// plain column selects keep the column type, aggregates over DATETIME don't
	stamps := []struct {
		dst   **time.Time
		query string
	}{
		{&s.OldestPending, `SELECT created FROM tasks WHERE status='pending' ORDER BY created ASC LIMIT 1`},
		{&s.NewestPending, `SELECT created FROM tasks WHERE status='pending' ORDER BY created DESC LIMIT 1`},
		{&s.LastCompleted, `SELECT updated FROM tasks WHERE status='completed' ORDER BY updated DESC LIMIT 1`},
	}
	for _, st := range stamps {
		var ts time.Time
		err := r.db.QueryRowContext(ctx, st.query).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return domain.Stats{}, err
		}
		*st.dst = &ts
	}

	if failedLimit > 0 {
		failed, err := r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='failed' ORDER BY updated DESC LIMIT ?`, failedLimit)
		if err != nil {
			return domain.Stats{}, err
		}
		s.RecentFailed = failed
	}
	return s, nil
}

const prunable = `status IN ('completed','failed','cancelled') AND updated < ?
  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = tasks.id AND c.status IN ('pending','running'))`

// Prune deletes terminal tasks last written before the cutoff, along with their
// claims and heartbeats. Tasks with unfinished children are kept.
func (r *SQLRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"task_claims", "task_heartbeats"} {
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM `+table+` WHERE task_id IN (SELECT id FROM tasks WHERE `+prunable+`)`), before.UTC()); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM tasks WHERE `+prunable), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (r *SQLRepo) TouchHeartbeat(ctx context.Context, taskID, workerID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO task_heartbeats (task_id,worker_id,updated) VALUES (?,?,?)
ON CONFLICT (task_id) DO UPDATE SET worker_id = excluded.worker_id, updated = excluded.updated`),
		taskID, workerID, r.now())
	return err
}

func (r *SQLRepo) DeleteHeartbeat(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM task_heartbeats WHERE task_id=?`), taskID)
	return err
}

// ListHeartbeats returns heartbeats last refreshed before the given time.
func (r *SQLRepo) ListHeartbeats(ctx context.Context, before time.Time) ([]domain.TaskHeartbeat, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT task_id,worker_id,updated FROM task_heartbeats WHERE updated < ? ORDER BY updated ASC`), before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hbs []domain.TaskHeartbeat
	for rows.Next() {
		var hb domain.TaskHeartbeat
		if err := rows.Scan(&hb.TaskID, &hb.WorkerID, &hb.Updated); err != nil {
			return nil, err
		}
		hbs = append(hbs, hb)
	}
	return hbs, rows.Err()
}
