package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/queue"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

// Service materializes due TaskSchedules into tasks.
type Service struct {
	tasks    *tasks.Service
	repo     queue.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(svc *tasks.Service, checkInterval time.Duration) *Service {
	return &Service{
		tasks:    svc,
		repo:     svc.Repo(),
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// ProcessDue spawns every schedule due at now.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

// processSchedule advances the schedule before spawning. The advance is a
// compare-and-set on the enabled row at its schedule time, so of several beat
// processes that loaded the same due schedule only one spawns it. One-shot
// schedules keep their time and are told apart by the enabled flag.
func (s *Service) processSchedule(ctx context.Context, schedule domain.TaskSchedule, now time.Time) error {
	next, enabled, nextErr := NextRun(schedule, now)
	if nextErr != nil {
		next, enabled = schedule.Schedule, false
	}

	won, err := s.repo.AdvanceSchedule(ctx, schedule.ID, schedule.Schedule, next, enabled)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if !won {
		log.Debug().Str("schedule_id", schedule.ID).Msg("schedule already advanced elsewhere")
		return nil
	}
	if nextErr != nil {
		return fmt.Errorf("schedule disabled: %w", nextErr)
	}

	created, spawnErr := s.SpawnTasks(ctx, schedule)

	// a one-shot schedule that could not create anything because of limits
	// stays due and is retried on the next scan
	if !schedule.Repeat && len(created) == 0 && spawnErr != nil && onlyLimitErrors(spawnErr) {
		if _, err := s.repo.RearmSchedule(ctx, schedule.ID, schedule.Schedule); err != nil {
			return fmt.Errorf("re-arm schedule: %w", err)
		}
		log.Info().Str("schedule_id", schedule.ID).Err(spawnErr).Msg("schedule at task limit, will retry")
		return nil
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Int("tasks", len(created)).
		Bool("enabled", enabled).
		Time("next_run", next).
		Msg("schedule spawned")
	return spawnErr
}

// SpawnTasks creates the task trees of the schedule's task_config. Each entry
// is attempted on its own. A *tasks.TaskLimitError skips the entry and its
// children; for repeating schedules it is only logged, otherwise it is
// returned along with any other error.
func (s *Service) SpawnTasks(ctx context.Context, schedule domain.TaskSchedule) ([]domain.Task, error) {
	var (
		created []domain.Task
		errs    []error
	)
	var spawn func(specs []domain.TaskSpec, parentID string)
	spawn = func(specs []domain.TaskSpec, parentID string) {
		for _, spec := range specs {
			opts := []tasks.CreateOption{}
			if parentID != "" {
				opts = append(opts, tasks.WithParent(parentID))
			}
			if spec.Timeout > 0 {
				opts = append(opts, tasks.WithTimeout(time.Duration(spec.Timeout)*time.Second))
			}
			t, err := s.tasks.CreateTask(ctx, spec.Op, spec.Param, opts...)
			var limitErr *tasks.TaskLimitError
			switch {
			case errors.As(err, &limitErr) && schedule.Repeat:
				log.Info().Str("schedule_id", schedule.ID).Str("op", spec.Op).Str("limit_id", limitErr.LimitID).Msg("task limit reached, skipping this cycle")
				continue
			case err != nil:
				errs = append(errs, fmt.Errorf("spawn %s: %w", spec.Op, err))
				continue
			}
			created = append(created, t)
			spawn(spec.Tasks, t.ID)
		}
	}
	spawn(schedule.TaskConfig.Tasks, "")
	return created, errors.Join(errs...)
}

func onlyLimitErrors(err error) bool {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		var le *tasks.TaskLimitError
		return errors.As(err, &le)
	}
	for _, e := range joined.Unwrap() {
		var le *tasks.TaskLimitError
		if !errors.As(e, &le) {
			return false
		}
	}
	return true
}

// NextRun computes where the schedule moves after running at now. Cron
// schedules take the next cron time, interval schedules step forward past
// now so missed cycles are skipped. One-shot schedules are disabled.
func NextRun(schedule domain.TaskSchedule, now time.Time) (time.Time, bool, error) {
	if !schedule.Repeat {
		return schedule.Schedule, false, nil
	}
	if schedule.CronExpr != "" {
		next, err := NextRunTime(schedule.CronExpr, now)
		if err != nil {
			return time.Time{}, false, err
		}
		return next, true, nil
	}
	if schedule.Interval <= 0 {
		return time.Time{}, false, fmt.Errorf("repeating schedule %s has no interval or cron expression", schedule.ID)
	}
	step := time.Duration(schedule.Interval) * time.Second
	next := schedule.Schedule.Add(step)
	if !next.After(now) {
		missed := now.Sub(next)/step + 1
		next = next.Add(missed * step)
	}
	return next, true, nil
}

// Validate checks a schedule before it is stored.
func Validate(schedule domain.TaskSchedule) error {
	if len(schedule.TaskConfig.Tasks) == 0 {
		return fmt.Errorf("task_config has no tasks")
	}
	if schedule.CronExpr != "" {
		if err := ValidateCronExpression(schedule.CronExpr); err != nil {
			return fmt.Errorf("invalid cron_expr: %w", err)
		}
	}
	if schedule.Repeat && schedule.CronExpr == "" && schedule.Interval <= 0 {
		return fmt.Errorf("repeating schedule needs interval or cron_expr")
	}
	var check func(specs []domain.TaskSpec) error
	check = func(specs []domain.TaskSpec) error {
		for _, spec := range specs {
			if spec.Op == "" {
				return fmt.Errorf("task_config entry without op")
			}
			if err := check(spec.Tasks); err != nil {
				return err
			}
		}
		return nil
	}
	return check(schedule.TaskConfig.Tasks)
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
