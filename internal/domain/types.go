package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further execution happens for a task in status s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ClaimStatus string

const (
	ClaimOK          ClaimStatus = "ok"
	ClaimPending     ClaimStatus = "pending"
	ClaimDeactivated ClaimStatus = "deactivated"
	ClaimFailed      ClaimStatus = "failed"
	ClaimExpired     ClaimStatus = "expired"
)

type Task struct {
	ID       string
	Op       string
	Status   Status
	Param    Param
	Result   json.RawMessage // nil until completed
	Error    string
	Output   string
	Time     float64 // seconds spent in running
	Timeout  time.Duration
	Source   string
	QueueID  string // empty while unclaimed
	ParentID string
	LimitID  string
	Created  time.Time
	Updated  time.Time
}

func (t Task) Claimed() bool { return t.QueueID != "" }

type TaskClaim struct {
	ID       string
	TaskID   string
	WorkerID string
	Status   ClaimStatus
	Created  time.Time
	Updated  time.Time
}

type TaskHeartbeat struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Updated  time.Time `json:"updated"`
}

type TaskSchedule struct {
	ID          string
	OrgID       string
	UserID      string
	Description string
	TaskConfig  TaskConfig
	Schedule    time.Time
	Interval    int // seconds
	CronExpr    string
	Repeat      bool
	Enabled     bool
	LastRun     *time.Time
	Created     time.Time
	Updated     time.Time
}

// TaskConfig is the declarative tree a schedule materializes into tasks.
type TaskConfig struct {
	Tasks []TaskSpec `json:"tasks"`
}

type TaskSpec struct {
	Op      string     `json:"op"`
	Param   Param      `json:"param"`
	Timeout int        `json:"timeout,omitempty"`
	Tasks   []TaskSpec `json:"tasks,omitempty"`
}

// Stats is the read-only diagnostics view over the task table.
type Stats struct {
	Pending       int        `json:"pending"`
	Claimed       int        `json:"claimed"`
	Running       int        `json:"running"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	NewestPending *time.Time `json:"newest_pending,omitempty"`
	LastCompleted *time.Time `json:"last_completed,omitempty"`
	RecentFailed  []Task     `json:"-"`
}
