package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/executor"
	"github.com/fullctl/fullctl-sub000/internal/queue"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

// Executor runs a task this worker has already claimed. A returned error
// means the infrastructure around the task failed, not the task itself.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) error
}

// InProcess runs tasks on the poller's own goroutines.
type InProcess struct {
	Service *tasks.Service
}

func (e InProcess) Execute(ctx context.Context, t domain.Task) error {
	_, err := e.Service.Run(ctx, t.ID)
	return err
}

// Subprocess runs each task in a child process. The child is expected to
// write the terminal status itself. When it dies without doing so the task
// is failed here with the child's exit code and stderr.
type Subprocess struct {
	Exec *executor.Executor
	Repo queue.Repository
	// MaxRunTime is the hard limit for tasks without a timeout.
	MaxRunTime time.Duration
}

func (e Subprocess) Execute(ctx context.Context, t domain.Task) error {
	limit := t.Timeout
	if limit <= 0 {
		limit = e.MaxRunTime
	}
	res, err := e.Exec.Run(ctx, t.ID, limit)
	if err != nil {
		return err
	}
	logger := log.With().Str("task_id", t.ID).Str("op", t.Op).Int("exit_code", res.ExitCode).Logger()
	logger.Debug().Dur("duration", res.Duration).Msg("task subprocess exited")

	current, err := e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("read task after subprocess: %w", err)
	}
	if current.Status.Terminal() {
		return nil
	}

	reason := fmt.Sprintf("task process exited with code %d without finishing the task", res.ExitCode)
	if res.TimedOut {
		reason = fmt.Sprintf("task process killed after %s timeout", limit)
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		reason += "\n" + stderr
	}
	logger.Warn().Bool("timed_out", res.TimedOut).Msg("task subprocess left task unfinished")
	output := current.Output
	if res.Stdout != "" {
		output += res.Stdout
	}
	if err := e.Repo.FailTask(ctx, t.ID, reason, output, res.Duration.Seconds()); err != nil {
		return fmt.Errorf("fail task after subprocess: %w", err)
	}
	return nil
}
