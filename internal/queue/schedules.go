package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

const scheduleColumns = `id,org_id,user_id,description,task_config,schedule,interval_seconds,cron_expr,repeats,enabled,last_run,created,updated`

func scanSchedule(scanFn func(dest ...any) error) (domain.TaskSchedule, error) {
	var (
		s       domain.TaskSchedule
		config  string
		lastRun sql.NullTime
	)
	if err := scanFn(&s.ID, &s.OrgID, &s.UserID, &s.Description, &config, &s.Schedule, &s.Interval, &s.CronExpr, &s.Repeat, &s.Enabled, &lastRun, &s.Created, &s.Updated); err != nil {
		return domain.TaskSchedule{}, err
	}
	if err := json.Unmarshal([]byte(config), &s.TaskConfig); err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("decode task_config of schedule %s: %w", s.ID, err)
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func (r *SQLRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.TaskSchedule, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.TaskSchedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *SQLRepo) CreateSchedule(ctx context.Context, s domain.TaskSchedule) (domain.TaskSchedule, error) {
	if s.ID == "" {
		s.ID = newID("sch_")
	}
	config, err := json.Marshal(s.TaskConfig)
	if err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("encode task_config: %w", err)
	}
	now := r.now()
	s.Created, s.Updated = now, now
	s.Schedule = s.Schedule.UTC()

	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO task_schedules (id,org_id,user_id,description,task_config,schedule,interval_seconds,cron_expr,repeats,enabled,created,updated)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		s.ID, s.OrgID, s.UserID, s.Description, string(config), s.Schedule, s.Interval, s.CronExpr,
		boolToInt(s.Repeat), boolToInt(s.Enabled), now, now)
	if err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return s, nil
}

func (r *SQLRepo) GetSchedule(ctx context.Context, id string) (domain.TaskSchedule, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+scheduleColumns+` FROM task_schedules WHERE id=?`), id)
	s, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskSchedule{}, ErrNotFound
	}
	return s, err
}

func (r *SQLRepo) ListSchedules(ctx context.Context) ([]domain.TaskSchedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM task_schedules ORDER BY schedule ASC, id ASC`)
}

// UpdateSchedule overwrites the editable fields of an existing schedule.
func (r *SQLRepo) UpdateSchedule(ctx context.Context, s domain.TaskSchedule) (domain.TaskSchedule, error) {
	config, err := json.Marshal(s.TaskConfig)
	if err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("encode task_config: %w", err)
	}
	s.Updated = r.now()
	s.Schedule = s.Schedule.UTC()
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE task_schedules SET description=?, task_config=?, schedule=?, interval_seconds=?, cron_expr=?, repeats=?, enabled=?, updated=?
WHERE id=?`),
		s.Description, string(config), s.Schedule, s.Interval, s.CronExpr, boolToInt(s.Repeat), boolToInt(s.Enabled), s.Updated, s.ID)
	if err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TaskSchedule{}, ErrNotFound
	}
	return s, nil
}

func (r *SQLRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM task_schedules WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.TaskSchedule, error) {
	return r.querySchedules(ctx, `
SELECT `+scheduleColumns+` FROM task_schedules WHERE enabled=1 AND schedule <= ? ORDER BY schedule ASC, id ASC`, now.UTC())
}

// AdvanceSchedule moves an enabled schedule from prev to next. It reports
// false when the stored row is no longer enabled at prev, meaning another
// process already advanced or disabled it.
func (r *SQLRepo) AdvanceSchedule(ctx context.Context, id string, prev, next time.Time, enabled bool) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE task_schedules SET schedule=?, enabled=?, last_run=?, updated=? WHERE id=? AND schedule=? AND enabled=1`),
		next.UTC(), boolToInt(enabled), now, now, id, prev.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RearmSchedule re-enables a disabled schedule at the given time. It reports
// false when the row is not disabled at that time.
func (r *SQLRepo) RearmSchedule(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE task_schedules SET enabled=1, updated=? WHERE id=? AND schedule=? AND enabled=0`),
		r.now(), id, at.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
