package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_tasks_claimed_total",
		Help: "Total number of tasks claimed by this worker",
	}, []string{"op"})

	ClaimRacesLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_claim_races_lost_total",
		Help: "Claims that lost to another worker",
	}, []string{"op"})

	UnqualifiedSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_unqualified_skips_total",
		Help: "Candidate tasks skipped because this worker did not qualify",
	}, []string{"op"})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_task_outcomes_total",
		Help: "Tasks finished by this worker, by terminal status",
	}, []string{"op", "status"})

	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_tasks_rejected_total",
		Help: "Task creations refused by an operation limit",
	}, []string{"op"})

	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskd_exec_duration_seconds",
		Help:    "Time spent running a task's operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
