package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const defaultMaxLogSize = 1024 * 1024

// Result is the outcome of one subprocess run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// limitedBuffer caps how much output is kept. Writes past the cap are dropped
// but reported as written so the child never blocks on a full pipe.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		_, _ = l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

// Executor runs one task per child process, e.g. `taskd work --task-id ID`.
type Executor struct {
	// Command is the child command line; "--task-id <id>" is appended.
	Command    []string
	MaxLogSize int
	// KillGrace is how long the process group gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

func New(command []string) *Executor {
	return &Executor{
		Command:    command,
		MaxLogSize: defaultMaxLogSize,
		KillGrace:  2 * time.Second,
	}
}

// Run starts the child for taskID and waits for it. A positive timeout kills
// the whole process group once it elapses. A non-zero exit is reported in
// the Result, not as an error; err is only set when the child could not run.
func (e *Executor) Run(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("executor: empty command")
	}
	cmdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.Command[1:]...), "--task-id", taskID)
	cmd := exec.CommandContext(cmdCtx, e.Command[0], args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd, e.KillGrace)
		return nil
	}
	cmd.WaitDelay = e.KillGrace + time.Second

	limit := e.MaxLogSize
	if limit <= 0 {
		limit = defaultMaxLogSize
	}
	stdout := &limitedBuffer{cap: limit}
	stderr := &limitedBuffer{cap: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(cmdCtx.Err(), context.DeadlineExceeded),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case res.TimedOut || ctx.Err() != nil:
		res.ExitCode = -1
	default:
		return res, fmt.Errorf("run task %s: %w", taskID, err)
	}
	return res, nil
}
