package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/queue"
)

type execKey struct{}

// execution is the state of the task a goroutine tree is running. It lives in
// the context handed to the operation, so it is scoped to that call tree and
// gone once Run returns.
type execution struct {
	task domain.Task
	repo queue.Repository

	mu  sync.Mutex
	out strings.Builder
}

func withExecution(ctx context.Context, e *execution) context.Context {
	return context.WithValue(ctx, execKey{}, e)
}

func fromContext(ctx context.Context) *execution {
	e, _ := ctx.Value(execKey{}).(*execution)
	return e
}

// Current returns the task being executed by the caller's call tree.
func Current(ctx context.Context) (domain.Task, bool) {
	e := fromContext(ctx)
	if e == nil {
		return domain.Task{}, false
	}
	return e.task, true
}

// CheckCancelled reads the running task's status and returns ErrTaskCancelled
// once it was cancelled. It also surfaces an expired timeout. Outside a task
// it only reports ctx.Err().
func CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := fromContext(ctx)
	if e == nil {
		return nil
	}
	t, err := e.repo.GetTask(ctx, e.task.ID)
	if err != nil {
		return fmt.Errorf("check cancelled: %w", err)
	}
	if t.Status == domain.StatusCancelled {
		return ErrTaskCancelled
	}
	return nil
}

// Logf appends a line to the running task's output. Outside a task it does
// nothing.
func Logf(ctx context.Context, format string, args ...any) {
	e := fromContext(ctx)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(&e.out, format, args...)
	if !strings.HasSuffix(format, "\n") {
		e.out.WriteByte('\n')
	}
}

func (e *execution) output() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.String()
}
