package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fullctl/fullctl-sub000/internal/domain"
)

var (
	ErrTaskAlreadyStarted    = errors.New("task already started")
	ErrParentTaskNotFinished = errors.New("parent task not finished")
	// ErrTaskCancelled is returned by CheckCancelled once the running task has
	// been cancelled. Operations return it (or wrap it) to stop early.
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrUnknownOp        = errors.New("unknown operation")
	ErrInvalidQualifier = errors.New("invalid qualifier")
)

// TaskLimitError means creation was refused because op is at capacity.
type TaskLimitError struct {
	Op      string
	LimitID string
	Limit   int
}

func (e *TaskLimitError) Error() string {
	if e.LimitID != "" {
		return fmt.Sprintf("task limit reached for %s (limit_id=%s, limit=%d)", e.Op, e.LimitID, e.Limit)
	}
	return fmt.Sprintf("task limit reached for %s (limit=%d)", e.Op, e.Limit)
}

// TaskClaimedError means another worker won the claim race for the task.
type TaskClaimedError struct {
	TaskID string
}

func (e *TaskClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed", e.TaskID)
}

// WorkerUnqualifiedError means this worker may not run the task.
type WorkerUnqualifiedError struct {
	TaskID    string
	Qualifier string
}

func (e *WorkerUnqualifiedError) Error() string {
	return fmt.Sprintf("worker not qualified for task %s: %s", e.TaskID, e.Qualifier)
}

// TaskMaxAgeError lists claimed tasks that have not been written to for
// longer than their allowed run time.
type TaskMaxAgeError struct {
	Tasks []domain.Task
}

func (e *TaskMaxAgeError) Error() string {
	ids := make([]string, 0, len(e.Tasks))
	for _, t := range e.Tasks {
		ids = append(ids, t.ID)
	}
	return fmt.Sprintf("%d task(s) exceeded max age: %s", len(e.Tasks), strings.Join(ids, ", "))
}
