package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/metrics"
	"github.com/fullctl/fullctl-sub000/internal/queue"
)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultRecheckSize = 4096
	defaultMaxAge      = time.Hour
	persistTimeout     = 10 * time.Second
)

type Options struct {
	WorkerID string // used in claims and heartbeats
	Source   string // stamped on created tasks
	Settings Settings

	HeartbeatInterval time.Duration
	MaxAgeThreshold   time.Duration // floor of the max-age health check
	RecheckCacheSize  int
	Now               func() time.Time
}

// Service is the task engine: creation with limits, fetch and claim, and
// execution of claimed tasks.
type Service struct {
	repo     queue.Repository
	reg      *Registry
	opts     Options
	recheck  *lru.Cache[string, time.Time]
	settings Settings
}

// DefaultWorkerID is host:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func NewService(repo queue.Repository, reg *Registry, opts Options) *Service {
	if opts.WorkerID == "" {
		opts.WorkerID = DefaultWorkerID()
	}
	if opts.Source == "" {
		opts.Source = opts.WorkerID
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.MaxAgeThreshold <= 0 {
		opts.MaxAgeThreshold = defaultMaxAge
	}
	if opts.RecheckCacheSize <= 0 {
		opts.RecheckCacheSize = defaultRecheckSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	settings := opts.Settings
	if settings == nil {
		settings = Settings{}
	}
	cache, _ := lru.New[string, time.Time](opts.RecheckCacheSize)
	return &Service{repo: repo, reg: reg, opts: opts, recheck: cache, settings: settings}
}

func (s *Service) Registry() *Registry { return s.reg }

func (s *Service) Repo() queue.Repository { return s.repo }

func (s *Service) WorkerID() string { return s.opts.WorkerID }

func (s *Service) HeartbeatInterval() time.Duration { return s.opts.HeartbeatInterval }

type createOptions struct {
	parentID string
	timeout  time.Duration
	limitID  string
}

type CreateOption func(*createOptions)

func WithParent(id string) CreateOption { return func(o *createOptions) { o.parentID = id } }

func WithTimeout(d time.Duration) CreateOption { return func(o *createOptions) { o.timeout = d } }

// WithLimitID scopes the operation limit to id instead of the op's LimitKey.
func WithLimitID(id string) CreateOption { return func(o *createOptions) { o.limitID = id } }

// CreateTask writes a new pending task. It fails with a *TaskLimitError when
// the operation is at capacity, in which case nothing is written.
//
// The limit check and the insert are not atomic. Two concurrent creators can
// both pass the check and exceed the limit by one.
func (s *Service) CreateTask(ctx context.Context, opName string, p domain.Param, opts ...CreateOption) (domain.Task, error) {
	var o createOptions
	for _, fn := range opts {
		fn(&o)
	}
	op, ok := s.reg.Lookup(opName)
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownOp, opName)
	}
	if o.parentID != "" {
		if _, err := s.repo.GetTask(ctx, o.parentID); err != nil {
			return domain.Task{}, fmt.Errorf("parent %s: %w", o.parentID, err)
		}
	}
	if o.limitID == "" && op.LimitKey != nil {
		o.limitID = op.LimitKey(p)
	}
	if o.timeout == 0 {
		o.timeout = op.Timeout
	}
	if err := s.checkLimit(ctx, op, o.limitID, 0); err != nil {
		return domain.Task{}, err
	}

	t, err := s.repo.CreateTask(ctx, domain.Task{
		Op:       op.Name,
		Param:    p,
		Timeout:  o.timeout,
		Source:   s.opts.Source,
		ParentID: o.parentID,
		LimitID:  o.limitID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Str("op", t.Op).Str("parent_id", t.ParentID).Msg("task created")
	return t, nil
}

// checkLimit fails when the active count in op's bucket, minus discount, is
// at the limit.
func (s *Service) checkLimit(ctx context.Context, op Op, limitID string, discount int) error {
	if op.Limit <= 0 {
		return nil
	}
	n, err := s.repo.CountActive(ctx, op.Name, limitID)
	if err != nil {
		return fmt.Errorf("count active %s: %w", op.Name, err)
	}
	if n-discount >= op.Limit {
		metrics.TasksRejected.WithLabelValues(op.Name).Inc()
		return &TaskLimitError{Op: op.Name, LimitID: limitID, Limit: op.Limit}
	}
	return nil
}

// Cancel marks the task cancelled with reason as its output. Calling it again
// replaces the reason. Running operations notice only through CheckCancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	if err := s.repo.CancelTask(ctx, id, reason); err != nil {
		return err
	}
	log.Info().Str("task_id", id).Str("reason", reason).Msg("task cancelled")
	return nil
}

// Requeue creates a fresh task with the same op, parameters, parent, timeout
// and limit bucket. A terminal original is left as is. A stuck original is
// cancelled so it cannot run alongside its replacement. The original's claim
// is deactivated either way.
func (s *Service) Requeue(ctx context.Context, id string) (domain.Task, error) {
	old, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	op, ok := s.reg.Lookup(old.Op)
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownOp, old.Op)
	}
	discount := 0
	if !old.Status.Terminal() {
		discount = 1
	}
	if err := s.checkLimit(ctx, op, old.LimitID, discount); err != nil {
		return domain.Task{}, err
	}

	t, err := s.repo.CreateTask(ctx, domain.Task{
		Op:       old.Op,
		Param:    old.Param,
		Timeout:  old.Timeout,
		Source:   s.opts.Source,
		ParentID: old.ParentID,
		LimitID:  old.LimitID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if !old.Status.Terminal() {
		if err := s.repo.CancelTask(ctx, old.ID, "requeued as "+t.ID); err != nil {
			return t, fmt.Errorf("cancel requeued task %s: %w", old.ID, err)
		}
	}
	if err := s.repo.SetClaimStatus(ctx, old.ID, domain.ClaimDeactivated); err != nil {
		return t, fmt.Errorf("deactivate claim of %s: %w", old.ID, err)
	}
	log.Info().Str("task_id", t.ID).Str("requeued_from", old.ID).Str("op", t.Op).Msg("task requeued")
	return t, nil
}

// Qualifies returns a *WorkerUnqualifiedError naming the first qualifier of
// the task's op that rejects this worker.
func (s *Service) Qualifies(ctx context.Context, t domain.Task) error {
	op, ok := s.reg.Lookup(t.Op)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOp, t.Op)
	}
	env := Env{Settings: s.settings, Repo: s.repo}
	for _, q := range op.Qualifiers {
		ok, err := q.Qualifies(ctx, env, t)
		if err != nil {
			return fmt.Errorf("qualifier %s: %w", q, err)
		}
		if !ok {
			if d := q.RecheckTime(); d > 0 {
				s.recheck.Add(t.ID, s.opts.Now().Add(d))
			}
			return &WorkerUnqualifiedError{TaskID: t.ID, Qualifier: q.String()}
		}
	}
	return nil
}

func (s *Service) waitingRecheck(id string) bool {
	until, ok := s.recheck.Get(id)
	if !ok {
		return false
	}
	if s.opts.Now().Before(until) {
		return true
	}
	s.recheck.Remove(id)
	return false
}

// FetchTasks returns up to limit unclaimed tasks this worker qualifies for,
// oldest first within each op, ops in registration order. A limit of zero or
// less means no limit.
func (s *Service) FetchTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	var out []domain.Task
	for _, op := range s.reg.Ops() {
		candidates, err := s.repo.ListClaimable(ctx, op.Name)
		if err != nil {
			return out, fmt.Errorf("list claimable %s: %w", op.Name, err)
		}
		for _, t := range candidates {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			if s.waitingRecheck(t.ID) {
				continue
			}
			err := s.Qualifies(ctx, t)
			var unq *WorkerUnqualifiedError
			if errors.As(err, &unq) {
				metrics.UnqualifiedSkips.WithLabelValues(t.Op).Inc()
				log.Debug().Str("task_id", t.ID).Str("op", t.Op).Str("qualifier", unq.Qualifier).Msg("worker not qualified")
				continue
			}
			if err != nil {
				return out, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// FetchTask returns the next task this worker should work, or false.
func (s *Service) FetchTask(ctx context.Context) (domain.Task, bool, error) {
	list, err := s.FetchTasks(ctx, 1)
	if err != nil || len(list) == 0 {
		return domain.Task{}, false, err
	}
	return list[0], true, nil
}

// ClaimTask takes ownership of t for this worker. Losing the race returns a
// *TaskClaimedError. A task that has a claim but no claim marker is failed on
// the spot, since that state means the store is inconsistent.
func (s *Service) ClaimTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	token := uuid.NewString()
	_, err := s.repo.Claim(ctx, t.ID, s.opts.WorkerID, token)
	if errors.Is(err, queue.ErrClaimConflict) {
		metrics.ClaimRacesLost.WithLabelValues(t.Op).Inc()
		log.Debug().Str("task_id", t.ID).Str("op", t.Op).Str("worker_id", s.opts.WorkerID).Msg("claim lost")
		s.failUnflagged(ctx, t.ID)
		return domain.Task{}, &TaskClaimedError{TaskID: t.ID}
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim %s: %w", t.ID, err)
	}
	metrics.TasksClaimed.WithLabelValues(t.Op).Inc()
	log.Info().Str("task_id", t.ID).Str("op", t.Op).Str("worker_id", s.opts.WorkerID).Msg("task claimed")
	t.QueueID = token
	return t, nil
}

func (s *Service) failUnflagged(ctx context.Context, id string) {
	current, err := s.repo.GetTask(ctx, id)
	if err != nil || current.Claimed() {
		return
	}
	log.Error().Str("task_id", id).Str("op", current.Op).Msg("task has a claim but is not marked claimed")
	msg := "claim record exists but task was never marked claimed"
	if err := s.repo.FailTask(ctx, id, msg, current.Output, current.Time); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to fail unflagged task")
	}
	if err := s.repo.SetClaimStatus(ctx, id, domain.ClaimFailed); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to mark claim failed")
	}
	metrics.TaskOutcomes.WithLabelValues(current.Op, string(domain.StatusFailed)).Inc()
}

// WorkTask claims t and runs it.
func (s *Service) WorkTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	claimed, err := s.ClaimTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	return s.Run(ctx, claimed.ID)
}

// Run executes a pending task and records its outcome. Errors raised by the
// operation end up in the task row. Run itself only fails on a broken
// precondition or when the store cannot be reached.
func (s *Service) Run(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusPending {
		return t, fmt.Errorf("%w: %s is %s", ErrTaskAlreadyStarted, t.ID, t.Status)
	}
	if t.ParentID != "" {
		parent, err := s.repo.GetTask(ctx, t.ParentID)
		if err != nil {
			return t, fmt.Errorf("parent %s: %w", t.ParentID, err)
		}
		if parent.Status != domain.StatusCompleted {
			return t, fmt.Errorf("%w: parent %s is %s", ErrParentTaskNotFinished, parent.ID, parent.Status)
		}
	}
	if err := s.repo.StartTask(ctx, t.ID); err != nil {
		if errors.Is(err, queue.ErrNotPending) {
			return t, fmt.Errorf("%w: %s", ErrTaskAlreadyStarted, t.ID)
		}
		return t, err
	}
	t.Status = domain.StatusRunning
	log.Info().Str("task_id", t.ID).Str("op", t.Op).Str("worker_id", s.opts.WorkerID).Msg("task running")

	exec := &execution{task: t, repo: s.repo}
	runCtx := withExecution(ctx, exec)
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.Timeout)
		defer cancel()
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(hbCtx, t.ID)
	}()

	start := time.Now()
	result, runErr := s.invoke(runCtx, t)
	elapsed := time.Since(start).Seconds()
	metrics.ExecDuration.WithLabelValues(t.Op).Observe(elapsed)

	hbCancel()
	<-hbDone

	// the outcome is written even when ctx was cancelled underneath us
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()

	status, err := s.finish(pctx, t, exec.output(), result, runErr, elapsed)
	if derr := s.repo.DeleteHeartbeat(pctx, t.ID); derr != nil {
		log.Warn().Err(derr).Str("task_id", t.ID).Msg("failed to delete heartbeat")
	}
	if err != nil {
		return t, err
	}
	metrics.TaskOutcomes.WithLabelValues(t.Op, string(status)).Inc()

	final, err := s.repo.GetTask(pctx, t.ID)
	if err != nil {
		return t, err
	}
	return final, nil
}

func (s *Service) finish(ctx context.Context, t domain.Task, output string, result any, runErr error, elapsed float64) (domain.Status, error) {
	logger := log.With().Str("task_id", t.ID).Str("op", t.Op).Float64("elapsed", elapsed).Logger()

	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("encode result: %w", err)
		} else {
			if err := s.repo.CompleteTask(ctx, t.ID, raw, output, elapsed); err != nil {
				return "", fmt.Errorf("complete %s: %w", t.ID, err)
			}
			logger.Info().Msg("task completed")
			return domain.StatusCompleted, nil
		}
	}

	if errors.Is(runErr, ErrTaskCancelled) {
		if err := s.repo.SetElapsed(ctx, t.ID, elapsed); err != nil {
			return "", fmt.Errorf("record elapsed %s: %w", t.ID, err)
		}
		logger.Info().Msg("task stopped after cancellation")
		return domain.StatusCancelled, nil
	}

	if err := s.repo.FailTask(ctx, t.ID, runErr.Error(), output, elapsed); err != nil {
		return "", fmt.Errorf("fail %s: %w", t.ID, err)
	}
	logger.Warn().Err(runErr).Msg("task failed")
	return domain.StatusFailed, nil
}

func (s *Service) invoke(ctx context.Context, t domain.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	op, ok := s.reg.Lookup(t.Op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, t.Op)
	}
	return op.Handler.Handle(ctx, t.Param)
}

func (s *Service) heartbeat(ctx context.Context, id string) {
	touch := func() {
		if err := s.repo.TouchHeartbeat(ctx, id, s.opts.WorkerID); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("task_id", id).Msg("heartbeat failed")
		}
	}
	touch()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touch()
		}
	}
}
