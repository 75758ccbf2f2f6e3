package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

// CheckMaxAge returns a *TaskMaxAgeError listing claimed, unfinished tasks
// whose last update is older than both their op's MaxRunTime and the
// configured threshold. Such tasks are only reported; recovering them is a
// Requeue.
func (s *Service) CheckMaxAge(ctx context.Context) error {
	now := s.opts.Now().UTC()
	candidates, err := s.repo.ListStale(ctx, now.Add(-s.opts.MaxAgeThreshold))
	if err != nil {
		return err
	}
	var stuck []domain.Task
	for _, t := range candidates {
		limit := s.opts.MaxAgeThreshold
		if op, ok := s.reg.Lookup(t.Op); ok && op.MaxRunTime > limit {
			limit = op.MaxRunTime
		}
		if now.Sub(t.Updated) > limit {
			stuck = append(stuck, t)
		}
	}
	if len(stuck) > 0 {
		return &TaskMaxAgeError{Tasks: stuck}
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, failedLimit int) (domain.Stats, error) {
	return s.repo.Stats(ctx, failedLimit)
}

// Stalled lists heartbeats that missed three consecutive refreshes.
func (s *Service) Stalled(ctx context.Context) ([]domain.TaskHeartbeat, error) {
	return s.repo.ListHeartbeats(ctx, s.opts.Now().Add(-3*s.opts.HeartbeatInterval))
}

// Prune deletes terminal tasks not written to within olderThan.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.repo.Prune(ctx, s.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	log.Info().Int("deleted", n).Dur("older_than", olderThan).Msg("pruned tasks")
	return n, nil
}
