package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/metrics"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

type Options struct {
	PollInterval    time.Duration
	BatchSize       int
	Concurrency     int
	Retries         int // attempts before a task is force-failed
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ShutdownTimeout time.Duration
	Rand            func() float64
}

// Pool polls for eligible tasks, claims them and hands them to an Executor,
// running at most Concurrency at a time.
type Pool struct {
	svc  *tasks.Service
	exec Executor
	opts Options
	sem  chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	// tasks run on their own context so a stopping poller lets them finish
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewPool(svc *tasks.Service, exec Executor, opts Options) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Rand == nil {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		opts.Rand = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return r.Float64()
		}
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Pool{
		svc:       svc,
		exec:      exec,
		opts:      opts,
		sem:       make(chan struct{}, opts.Concurrency),
		stop:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Run polls until ctx is done or Stop is called, then waits up to
// ShutdownTimeout for running tasks before cancelling them.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()

	log.Info().Str("worker_id", p.svc.WorkerID()).Dur("interval", p.opts.PollInterval).Int("concurrency", p.opts.Concurrency).Msg("poller started")
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.stop:
			p.drain()
			return
		case <-t.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if p.opts.ShutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(p.opts.ShutdownTimeout):
			log.Warn().Msg("shutdown timeout reached, cancelling running tasks")
			p.runCancel()
			<-done
		}
	} else {
		<-done
	}
	p.runCancel()
	log.Info().Msg("poller stopped")
}

// Poll fetches one batch, claims what it can and starts the claimed tasks.
// It returns how many tasks were started.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	candidates, err := p.svc.FetchTasks(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, t := range candidates {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return started, ctx.Err()
		}

		// the batch was qualified at fetch time; concurrency qualifiers may
		// have changed since
		if err := p.svc.Qualifies(ctx, t); err != nil {
			<-p.sem
			continue
		}
		claimed, err := p.svc.ClaimTask(ctx, t)
		if err != nil {
			<-p.sem
			var lost *tasks.TaskClaimedError
			if errors.As(err, &lost) {
				continue
			}
			return started, err
		}

		started++
		p.wg.Add(1)
		go func(tk domain.Task) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.runTask(tk)
		}(claimed)
	}
	return started, nil
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runTask(t domain.Task) {
	ctx := p.runCtx
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := p.exec.Execute(ctx, t)
		if err == nil {
			return
		}
		if errors.Is(err, tasks.ErrParentTaskNotFinished) {
			log.Error().Err(err).Str("task_id", t.ID).Msg("claimed task cannot run yet")
			return
		}
		if errors.Is(err, tasks.ErrTaskAlreadyStarted) {
			if lastErr != nil {
				// an earlier attempt got as far as starting the task
				p.forceFail(t, attempt-1, lastErr)
			} else {
				log.Error().Err(err).Str("task_id", t.ID).Msg("claimed task already started")
			}
			return
		}
		lastErr = err
		if attempt >= p.opts.Retries || ctx.Err() != nil {
			p.forceFail(t, attempt, err)
			return
		}
		delay := expJitter(attempt, p.opts.BackoffBase, p.opts.BackoffMax, p.opts.Rand)
		log.Warn().Err(err).Str("task_id", t.ID).Int("attempt", attempt).Dur("retry_in", delay).Msg("task infrastructure error")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

// forceFail records a task the worker gave up on so it is not left claimed
// and unfinished.
func (p *Pool) forceFail(t domain.Task, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := p.svc.Repo()
	current, err := repo.GetTask(ctx, t.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("cannot read task to force-fail it")
		return
	}
	if current.Status.Terminal() {
		return
	}
	msg := fmt.Sprintf("worker gave up after %d attempt(s): %v", attempts, cause)
	if err := repo.FailTask(ctx, t.ID, msg, current.Output, current.Time); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("force-fail failed")
		return
	}
	if err := repo.SetClaimStatus(ctx, t.ID, domain.ClaimFailed); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("cannot mark claim failed")
	}
	metrics.TaskOutcomes.WithLabelValues(t.Op, string(domain.StatusFailed)).Inc()
	log.Error().Err(cause).Str("task_id", t.ID).Int("attempts", attempts).Msg("task force-failed")
}
