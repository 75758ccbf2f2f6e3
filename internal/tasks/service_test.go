package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/queue"
	"github.com/fullctl/fullctl-sub000/internal/queue/queuetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var addOp = Op{
	Name: "add",
	Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
		var a, b int
		if err := p.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := p.Arg(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}),
}

func noop(ctx context.Context, p domain.Param) (any, error) { return nil, nil }

type testEnv struct {
	svc      *Service
	repo     *queue.SQLRepo
	settings Settings
}

func newTestEnv(t *testing.T, ops ...Op) testEnv {
	t.Helper()
	repo := queuetest.Open(t)
	settings := Settings{}
	reg := NewRegistry()
	for _, op := range ops {
		reg.MustRegister(op)
	}
	svc := NewService(repo, reg, Options{WorkerID: "test:1", Settings: settings, HeartbeatInterval: 20 * time.Millisecond})
	return testEnv{svc: svc, repo: repo, settings: settings}
}

func mustCreateTask(t *testing.T, svc *Service, op string, p domain.Param, opts ...CreateOption) domain.Task {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), op, p, opts...)
	if err != nil {
		t.Fatalf("CreateTask(%s) err=%v", op, err)
	}
	return task
}

func fetchedIDs(t *testing.T, svc *Service) map[string]bool {
	t.Helper()
	list, err := svc.FetchTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchTasks() err=%v", err)
	}
	ids := make(map[string]bool, len(list))
	for _, tk := range list {
		ids[tk.ID] = true
	}
	return ids
}

func waitForStatus(t *testing.T, repo queue.Repository, id string, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
}

func TestClaimTask_Exclusive(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		claimed int
	)
	for i := 0; i < workers; i++ {
		svc := NewService(env.repo, env.svc.Registry(), Options{WorkerID: fmt.Sprintf("host:%d", i)})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ClaimTask(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			var tc *TaskClaimedError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &tc):
				claimed++
			default:
				t.Errorf("ClaimTask() err=%v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || claimed != workers-1 {
		t.Fatalf("wins=%d claimed=%d, want 1 and %d", wins, claimed, workers-1)
	}
	var rows int
	if err := env.repo.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM task_claims").Scan(&rows); err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if rows != 1 {
		t.Fatalf("claim rows=%d, want 1", rows)
	}
	got, _ := env.repo.GetTask(ctx, task.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status=%s, want pending after a lost race", got.Status)
	}
}

func TestParentOrdering(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()

	a := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))
	b := mustCreateTask(t, env.svc, "add", domain.MustParam(7, 3), WithParent(a.ID))

	ids := fetchedIDs(t, env.svc)
	if !ids[a.ID] || ids[b.ID] {
		t.Fatalf("fetched=%v, want A without B", ids)
	}

	bClaimed, err := env.svc.ClaimTask(ctx, b)
	if err != nil {
		t.Fatalf("ClaimTask(B) err=%v", err)
	}
	if _, err := env.svc.Run(ctx, bClaimed.ID); !errors.Is(err, ErrParentTaskNotFinished) {
		t.Fatalf("Run(B) err=%v, want %v", err, ErrParentTaskNotFinished)
	}

	doneA, err := env.svc.WorkTask(ctx, a)
	if err != nil {
		t.Fatalf("WorkTask(A) err=%v", err)
	}
	if doneA.Status != domain.StatusCompleted || string(doneA.Result) != "3" {
		t.Fatalf("A status=%s result=%s, want completed 3", doneA.Status, doneA.Result)
	}

	doneB, err := env.svc.Run(ctx, b.ID)
	if err != nil {
		t.Fatalf("Run(B) err=%v", err)
	}
	if doneB.Status != domain.StatusCompleted || string(doneB.Result) != "10" {
		t.Fatalf("B status=%s result=%s, want completed 10", doneB.Status, doneB.Result)
	}
}

func TestParentOrdering_FetchAfterParentCompletes(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()
	a := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))
	b := mustCreateTask(t, env.svc, "add", domain.MustParam(7, 3), WithParent(a.ID))

	if _, err := env.svc.WorkTask(ctx, a); err != nil {
		t.Fatalf("WorkTask(A) err=%v", err)
	}
	ids := fetchedIDs(t, env.svc)
	if !ids[b.ID] || ids[a.ID] {
		t.Fatalf("fetched=%v, want only B", ids)
	}
	doneB, err := env.svc.WorkTask(ctx, b)
	if err != nil {
		t.Fatalf("WorkTask(B) err=%v", err)
	}
	if string(doneB.Result) != "10" {
		t.Fatalf("B result=%s, want 10", doneB.Result)
	}
}

func TestCreateTask_Limit(t *testing.T) {
	env := newTestEnv(t, Op{Name: "limited", Handler: HandlerFunc(noop), Limit: 1})
	ctx := context.Background()

	first := mustCreateTask(t, env.svc, "limited", domain.Param{})
	_, err := env.svc.CreateTask(ctx, "limited", domain.Param{})
	var le *TaskLimitError
	if !errors.As(err, &le) {
		t.Fatalf("CreateTask() err=%v, want *TaskLimitError", err)
	}
	if le.Op != "limited" || le.Limit != 1 {
		t.Fatalf("limit error=%+v", le)
	}
	var n int
	_ = env.repo.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n)
	if n != 1 {
		t.Fatalf("rows=%d, want 1 after refused create", n)
	}

	if _, err := env.svc.WorkTask(ctx, first); err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	if _, err := env.svc.CreateTask(ctx, "limited", domain.Param{}); err != nil {
		t.Fatalf("CreateTask() after terminal err=%v", err)
	}
}

func TestCreateTask_LimitFreedByTerminalStatus(t *testing.T) {
	tests := []struct {
		name   string
		finish func(ctx context.Context, env testEnv, task domain.Task) error
		want   domain.Status
	}{
		{
			name: "completed",
			finish: func(ctx context.Context, env testEnv, task domain.Task) error {
				_, err := env.svc.WorkTask(ctx, task)
				return err
			},
			want: domain.StatusCompleted,
		},
		{
			name: "failed",
			finish: func(ctx context.Context, env testEnv, task domain.Task) error {
				return env.repo.FailTask(ctx, task.ID, "boom", "", 0)
			},
			want: domain.StatusFailed,
		},
		{
			name: "cancelled",
			finish: func(ctx context.Context, env testEnv, task domain.Task) error {
				return env.svc.Cancel(ctx, task.ID, "operator")
			},
			want: domain.StatusCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Op{Name: "limited", Handler: HandlerFunc(noop), Limit: 1})
			ctx := context.Background()

			first := mustCreateTask(t, env.svc, "limited", domain.Param{})
			var le *TaskLimitError
			if _, err := env.svc.CreateTask(ctx, "limited", domain.Param{}); !errors.As(err, &le) {
				t.Fatalf("CreateTask() err=%v, want *TaskLimitError", err)
			}
			if err := tt.finish(ctx, env, first); err != nil {
				t.Fatalf("finish err=%v", err)
			}
			got, err := env.repo.GetTask(ctx, first.ID)
			if err != nil || got.Status != tt.want {
				t.Fatalf("status=%s err=%v, want %s", got.Status, err, tt.want)
			}
			if _, err := env.svc.CreateTask(ctx, "limited", domain.Param{}); err != nil {
				t.Fatalf("CreateTask() after %s err=%v", tt.want, err)
			}
		})
	}
}

func TestCreateTask_LimitKey(t *testing.T) {
	env := newTestEnv(t, Op{
		Name:    "sync",
		Handler: HandlerFunc(noop),
		Limit:   1,
		LimitKey: func(p domain.Param) string {
			var org string
			_ = p.Arg(0, &org)
			return org
		},
	})
	ctx := context.Background()

	a := mustCreateTask(t, env.svc, "sync", domain.MustParam("org-1"))
	if a.LimitID != "org-1" {
		t.Fatalf("limit_id=%q, want org-1", a.LimitID)
	}
	mustCreateTask(t, env.svc, "sync", domain.MustParam("org-2"))

	_, err := env.svc.CreateTask(ctx, "sync", domain.MustParam("org-1"))
	var le *TaskLimitError
	if !errors.As(err, &le) || le.LimitID != "org-1" {
		t.Fatalf("CreateTask() err=%v, want limit error for org-1", err)
	}
}

func TestCreateTask_UnknownOp(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.CreateTask(context.Background(), "nope", domain.Param{}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("CreateTask() err=%v, want %v", err, ErrUnknownOp)
	}
}

func TestFetchTasks_SettingQualifier(t *testing.T) {
	env := newTestEnv(t, Op{Name: "flagged", Handler: HandlerFunc(noop), Qualifiers: []Qualifier{Setting("FLAG", true)}})
	task := mustCreateTask(t, env.svc, "flagged", domain.Param{})

	if fetchedIDs(t, env.svc)[task.ID] {
		t.Fatal("task fetched while FLAG unset")
	}
	env.settings["FLAG"] = false
	if fetchedIDs(t, env.svc)[task.ID] {
		t.Fatal("task fetched while FLAG=false")
	}
	env.settings["FLAG"] = true
	if !fetchedIDs(t, env.svc)[task.ID] {
		t.Fatal("task not fetched while FLAG=true")
	}

	err := env.svc.Qualifies(context.Background(), task)
	if err != nil {
		t.Fatalf("Qualifies() err=%v", err)
	}
	delete(env.settings, "FLAG")
	var unq *WorkerUnqualifiedError
	if err := env.svc.Qualifies(context.Background(), task); !errors.As(err, &unq) {
		t.Fatalf("Qualifies() err=%v, want *WorkerUnqualifiedError", err)
	}
	if unq.TaskID != task.ID || !strings.Contains(unq.Qualifier, "FLAG") {
		t.Fatalf("unqualified=%+v", unq)
	}
}

func TestFetchTasks_RecheckTime(t *testing.T) {
	clock := newFakeClock()
	repo := queuetest.Open(t)
	settings := Settings{}
	reg := NewRegistry()
	reg.MustRegister(Op{Name: "flagged", Handler: HandlerFunc(noop), Qualifiers: []Qualifier{WithRecheck(Setting("FLAG", true), time.Minute)}})
	svc := NewService(repo, reg, Options{Settings: settings, Now: clock.Now})

	task := mustCreateTask(t, svc, "flagged", domain.Param{})
	if fetchedIDs(t, svc)[task.ID] {
		t.Fatal("task fetched while FLAG unset")
	}
	settings["FLAG"] = true
	if fetchedIDs(t, svc)[task.ID] {
		t.Fatal("task re-evaluated before recheck time")
	}
	clock.Advance(2 * time.Minute)
	if !fetchedIDs(t, svc)[task.ID] {
		t.Fatal("task not fetched after recheck time")
	}
}

func TestFetchTasks_LimitAndOrder(t *testing.T) {
	env := newTestEnv(t, addOp, Op{Name: "other", Handler: HandlerFunc(noop)})
	first := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 1))
	mustCreateTask(t, env.svc, "other", domain.Param{})
	mustCreateTask(t, env.svc, "add", domain.MustParam(2, 2))

	list, err := env.svc.FetchTasks(context.Background(), 2)
	if err != nil {
		t.Fatalf("FetchTasks() err=%v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].Op != "add" {
		t.Fatalf("fetched=%+v, want both add tasks first", list)
	}

	next, ok, err := env.svc.FetchTask(context.Background())
	if err != nil || !ok || next.ID != first.ID {
		t.Fatalf("FetchTask()=%v,%v err=%v, want %s", next.ID, ok, err, first.ID)
	}
}

func TestRun_CancellationHappyPath(t *testing.T) {
	env := newTestEnv(t, Op{Name: "loop", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
		for i := 0; i < 100; i++ {
			if err := CheckCancelled(ctx); err != nil {
				return nil, err
			}
			time.Sleep(10 * time.Millisecond)
		}
		return "finished", nil
	})})
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "loop", domain.Param{})
	claimed, err := env.svc.ClaimTask(ctx, task)
	if err != nil {
		t.Fatalf("ClaimTask() err=%v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Run(ctx, claimed.ID)
		done <- err
	}()
	waitForStatus(t, env.repo, task.ID, domain.StatusRunning)
	if err := env.svc.Cancel(ctx, task.ID, "reason X"); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	got, _ := env.repo.GetTask(ctx, task.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status=%s, want cancelled", got.Status)
	}
	if got.Error != "" || got.Result != nil {
		t.Fatalf("error=%q result=%s, want both empty", got.Error, got.Result)
	}
	if !strings.Contains(got.Output, "reason X") {
		t.Fatalf("output=%q, want reason", got.Output)
	}
	if got.Time <= 0 {
		t.Fatalf("time=%v, want > 0", got.Time)
	}
}

func TestRun_IgnoresCancelWithoutCheck(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, Op{Name: "oblivious", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
		<-release
		return "done", nil
	})})
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "oblivious", domain.Param{})

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.WorkTask(ctx, task)
		done <- err
	}()
	waitForStatus(t, env.repo, task.ID, domain.StatusRunning)
	if err := env.svc.Cancel(ctx, task.ID, "stop"); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}

	got, _ := env.repo.GetTask(ctx, task.ID)
	if got.Status != domain.StatusCompleted || string(got.Result) != `"done"` {
		t.Fatalf("status=%s result=%s, want completed \"done\"", got.Status, got.Result)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))

	for _, reason := range []string{"first", "second", "third"} {
		if err := env.svc.Cancel(ctx, task.ID, reason); err != nil {
			t.Fatalf("Cancel(%q) err=%v", reason, err)
		}
	}
	got, _ := env.repo.GetTask(ctx, task.ID)
	if got.Status != domain.StatusCancelled || got.Output != "third" {
		t.Fatalf("status=%s output=%q, want cancelled third", got.Status, got.Output)
	}
	if err := env.svc.Cancel(ctx, "tsk_missing", "x"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Cancel(missing) err=%v, want %v", err, queue.ErrNotFound)
	}
}

func TestParam_RoundTripThroughClaim(t *testing.T) {
	env := newTestEnv(t, Op{Name: "echo", Handler: HandlerFunc(noop)})
	ctx := context.Background()
	p, err := domain.DecodeParam([]byte(`{"args": [1,2], "kwargs": {}}`))
	if err != nil {
		t.Fatalf("DecodeParam() err=%v", err)
	}
	task := mustCreateTask(t, env.svc, "echo", p)

	encoded := func(id string) string {
		got, err := env.repo.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask() err=%v", err)
		}
		raw, _ := got.Param.Encode()
		return string(raw)
	}
	const want = `{"args":[1,2],"kwargs":{}}`
	if got := encoded(task.ID); got != want {
		t.Fatalf("param before claim=%s, want %s", got, want)
	}
	if _, err := env.svc.WorkTask(ctx, task); err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	if got := encoded(task.ID); got != want {
		t.Fatalf("param after claim=%s, want %s", got, want)
	}
}

func TestClaimTask_UnflaggedAnomaly(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))

	// a claim row with no matching claim marker on the task
	now := time.Now().UTC()
	if _, err := env.repo.DB().ExecContext(ctx,
		`INSERT INTO task_claims (id,task_id,worker_id,status,created,updated) VALUES (?,?,?,?,?,?)`,
		"clm_orphan", task.ID, "ghost:1", "ok", now, now); err != nil {
		t.Fatalf("insert claim: %v", err)
	}

	_, err := env.svc.ClaimTask(ctx, task)
	var tc *TaskClaimedError
	if !errors.As(err, &tc) {
		t.Fatalf("ClaimTask() err=%v, want *TaskClaimedError", err)
	}
	got, _ := env.repo.GetTask(ctx, task.ID)
	if got.Status != domain.StatusFailed || got.Error == "" {
		t.Fatalf("status=%s error=%q, want failed with diagnostic", got.Status, got.Error)
	}
	claim, err := env.repo.GetClaim(ctx, task.ID)
	if err != nil || claim.Status != domain.ClaimFailed {
		t.Fatalf("claim=%+v err=%v, want failed", claim, err)
	}
}

func TestRun_AlreadyStarted(t *testing.T) {
	env := newTestEnv(t, addOp)
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "add", domain.MustParam(1, 2))
	if _, err := env.svc.WorkTask(ctx, task); err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	if _, err := env.svc.Run(ctx, task.ID); !errors.Is(err, ErrTaskAlreadyStarted) {
		t.Fatalf("Run() err=%v, want %v", err, ErrTaskAlreadyStarted)
	}
}

func TestRun_FailuresAreRecorded(t *testing.T) {
	env := newTestEnv(t,
		Op{Name: "broken", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
			Logf(ctx, "step %d", 1)
			return nil, errors.New("disk on fire")
		})},
		Op{Name: "panics", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
			var m map[string]int
			m["x"] = 1
			return nil, nil
		})},
		Op{Name: "slow", Timeout: time.Second, Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})},
		Op{Name: "badresult", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
			return make(chan int), nil
		})},
	)
	ctx := context.Background()

	tests := []struct {
		op         string
		wantError  string
		wantOutput string
	}{
		{op: "broken", wantError: "disk on fire", wantOutput: "step 1\n"},
		{op: "panics", wantError: "panic: assignment to entry in nil map"},
		{op: "slow", wantError: context.DeadlineExceeded.Error()},
		{op: "badresult", wantError: "encode result"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			task := mustCreateTask(t, env.svc, tt.op, domain.Param{})
			got, err := env.svc.WorkTask(ctx, task)
			if err != nil {
				t.Fatalf("WorkTask() err=%v", err)
			}
			if got.Status != domain.StatusFailed {
				t.Fatalf("status=%s, want failed", got.Status)
			}
			if !strings.Contains(got.Error, tt.wantError) {
				t.Fatalf("error=%q, want it to contain %q", got.Error, tt.wantError)
			}
			if tt.wantOutput != "" && got.Output != tt.wantOutput {
				t.Fatalf("output=%q, want %q", got.Output, tt.wantOutput)
			}
			if got.Result != nil {
				t.Fatalf("result=%s, want none", got.Result)
			}
		})
	}
}

func TestRun_ContextCarriesTask(t *testing.T) {
	var seen domain.Task
	env := newTestEnv(t, Op{Name: "who", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
		seen, _ = Current(ctx)
		return nil, nil
	})})
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "who", domain.Param{})
	if _, err := env.svc.WorkTask(ctx, task); err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	if seen.ID != task.ID {
		t.Fatalf("Current() id=%q, want %q", seen.ID, task.ID)
	}
	if _, ok := Current(ctx); ok {
		t.Fatal("Current() outside a task reported a task")
	}
	if err := CheckCancelled(ctx); err != nil {
		t.Fatalf("CheckCancelled() outside a task err=%v", err)
	}
}

func TestRun_HeartbeatRemovedAfterFinish(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, Op{Name: "wait", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
		<-release
		return nil, nil
	})})
	ctx := context.Background()
	task := mustCreateTask(t, env.svc, "wait", domain.Param{})

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.WorkTask(ctx, task)
		done <- err
	}()
	waitForStatus(t, env.repo, task.ID, domain.StatusRunning)

	deadline := time.Now().Add(5 * time.Second)
	for {
		hbs, err := env.repo.ListHeartbeats(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListHeartbeats() err=%v", err)
		}
		if len(hbs) == 1 && hbs[0].TaskID == task.ID && hbs[0].WorkerID == "test:1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat for running task, got %+v", hbs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	hbs, _ := env.repo.ListHeartbeats(ctx, time.Now().Add(time.Hour))
	if len(hbs) != 0 {
		t.Fatalf("heartbeats after finish=%+v, want none", hbs)
	}
}

func TestRequeue(t *testing.T) {
	env := newTestEnv(t,
		Op{Name: "broken", Handler: HandlerFunc(func(ctx context.Context, p domain.Param) (any, error) {
			return nil, errors.New("nope")
		})},
		Op{Name: "single", Handler: HandlerFunc(noop), Limit: 1},
	)
	ctx := context.Background()

	failed := mustCreateTask(t, env.svc, "broken", domain.MustParam("a", 1), WithTimeout(time.Minute))
	if _, err := env.svc.WorkTask(ctx, failed); err != nil {
		t.Fatalf("WorkTask() err=%v", err)
	}
	fresh, err := env.svc.Requeue(ctx, failed.ID)
	if err != nil {
		t.Fatalf("Requeue() err=%v", err)
	}
	if fresh.ID == failed.ID || fresh.Status != domain.StatusPending || fresh.Claimed() || fresh.Timeout != time.Minute {
		t.Fatalf("requeued task=%+v", fresh)
	}
	oldRaw, _ := failed.Param.Encode()
	newRaw, _ := fresh.Param.Encode()
	if string(oldRaw) != string(newRaw) {
		t.Fatalf("param=%s, want %s", newRaw, oldRaw)
	}
	old, _ := env.repo.GetTask(ctx, failed.ID)
	if old.Status != domain.StatusFailed {
		t.Fatalf("original status=%s, want failed", old.Status)
	}
	if _, err := env.repo.GetClaim(ctx, failed.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("original claim still active: err=%v", err)
	}

	// a stuck task at its op limit can still be requeued
	stuck := mustCreateTask(t, env.svc, "single", domain.Param{})
	if _, err := env.svc.ClaimTask(ctx, stuck); err != nil {
		t.Fatalf("ClaimTask() err=%v", err)
	}
	replacement, err := env.svc.Requeue(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("Requeue(stuck) err=%v", err)
	}
	old, _ = env.repo.GetTask(ctx, stuck.ID)
	if old.Status != domain.StatusCancelled || !strings.Contains(old.Output, replacement.ID) {
		t.Fatalf("stuck original status=%s output=%q", old.Status, old.Output)
	}
}

func TestCheckMaxAge(t *testing.T) {
	clock := newFakeClock()
	repo := queuetest.Open(t, queue.WithClock(clock.Now))
	reg := NewRegistry()
	reg.MustRegister(Op{Name: "quick", Handler: HandlerFunc(noop)})
	reg.MustRegister(Op{Name: "long", Handler: HandlerFunc(noop), MaxRunTime: 6 * time.Hour})
	svc := NewService(repo, reg, Options{MaxAgeThreshold: time.Hour, Now: clock.Now})
	ctx := context.Background()

	quick := mustCreateTask(t, svc, "quick", domain.Param{})
	long := mustCreateTask(t, svc, "long", domain.Param{})
	mustCreateTask(t, svc, "quick", domain.Param{}) // never claimed
	for _, tk := range []domain.Task{quick, long} {
		if _, err := svc.ClaimTask(ctx, tk); err != nil {
			t.Fatalf("ClaimTask() err=%v", err)
		}
	}

	if err := svc.CheckMaxAge(ctx); err != nil {
		t.Fatalf("CheckMaxAge() fresh err=%v", err)
	}
	clock.Advance(2 * time.Hour)
	err := svc.CheckMaxAge(ctx)
	var me *TaskMaxAgeError
	if !errors.As(err, &me) {
		t.Fatalf("CheckMaxAge() err=%v, want *TaskMaxAgeError", err)
	}
	if len(me.Tasks) != 1 || me.Tasks[0].ID != quick.ID {
		t.Fatalf("stuck tasks=%+v, want only %s", me.Tasks, quick.ID)
	}
	clock.Advance(5 * time.Hour)
	if err := svc.CheckMaxAge(ctx); !errors.As(err, &me) || len(me.Tasks) != 2 {
		t.Fatalf("CheckMaxAge() err=%v, want both tasks", err)
	}
}

func TestStalledAndPrune(t *testing.T) {
	clock := newFakeClock()
	repo := queuetest.Open(t, queue.WithClock(clock.Now))
	reg := NewRegistry()
	reg.MustRegister(addOp)
	svc := NewService(repo, reg, Options{HeartbeatInterval: time.Minute, Now: clock.Now})
	ctx := context.Background()

	if err := repo.TouchHeartbeat(ctx, "tsk_x", "w"); err != nil {
		t.Fatalf("TouchHeartbeat() err=%v", err)
	}
	clock.Advance(2 * time.Minute)
	if hbs, _ := svc.Stalled(ctx); len(hbs) != 0 {
		t.Fatalf("stalled=%+v, want none yet", hbs)
	}
	clock.Advance(2 * time.Minute)
	if hbs, _ := svc.Stalled(ctx); len(hbs) != 1 {
		t.Fatalf("stalled=%+v, want one", hbs)
	}

	task := mustCreateTask(t, svc, "add", domain.MustParam(1, 1))
	if err := svc.Cancel(ctx, task.ID, "x"); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	clock.Advance(48 * time.Hour)
	n, err := svc.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune()=%d err=%v, want 1", n, err)
	}
}
