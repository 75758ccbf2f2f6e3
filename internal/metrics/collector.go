package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 5 * time.Second
)

var (
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_tasks_pending",
		Help: "Unclaimed pending tasks.",
	})
	claimedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_tasks_claimed",
		Help: "Claimed tasks that are not terminal.",
	})
	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_tasks_running",
		Help: "Running tasks.",
	})
	oldestPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_oldest_pending_age_seconds",
		Help: "Age of the oldest pending task, 0 when none.",
	})
)

type StatsSource interface {
	Stats(ctx context.Context, failedLimit int) (domain.Stats, error)
}

// StartCollector refreshes the store gauges every interval until ctx is done.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := Collect(ctx, src); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("task metrics collection failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func Collect(ctx context.Context, src StatsSource) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	s, err := src.Stats(queryCtx, 0)
	if err != nil {
		return err
	}
	pendingGauge.Set(float64(s.Pending))
	claimedGauge.Set(float64(s.Claimed))
	runningGauge.Set(float64(s.Running))
	if s.OldestPending != nil {
		oldestPendingGauge.Set(time.Since(*s.OldestPending).Seconds())
	} else {
		oldestPendingGauge.Set(0)
	}
	return nil
}
