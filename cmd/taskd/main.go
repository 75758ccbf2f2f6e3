package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/api"
	"github.com/fullctl/fullctl-sub000/internal/config"
	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/executor"
	httpop "github.com/fullctl/fullctl-sub000/internal/handlers/http"
	"github.com/fullctl/fullctl-sub000/internal/handlers/shell"
	"github.com/fullctl/fullctl-sub000/internal/logging"
	"github.com/fullctl/fullctl-sub000/internal/metrics"
	"github.com/fullctl/fullctl-sub000/internal/queue"
	"github.com/fullctl/fullctl-sub000/internal/scheduler"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
	"github.com/fullctl/fullctl-sub000/internal/worker"
)

const Version = "0.4.0"

const collectInterval = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "poll":
		runPoll(os.Args[2:])
	case "work":
		runWork(os.Args[2:])
	case "beat":
		runBeat(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "create":
		runCreate(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "requeue":
		runRequeue(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "version", "--version":
		fmt.Printf("taskd version %s\n", Version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: taskd <poll|work|beat|serve|create|cancel|requeue|health|prune|version> [flags]")
}

type app struct {
	cfg        *config.Config
	configPath string
	db         *sql.DB
	repo       *queue.SQLRepo
	svc        *tasks.Service
}

// setup loads config (file, env, then flags), opens the store and builds the
// engine with the built-in operations registered. bind adds the command's
// own flags.
func setup(name string, args []string, bind func(fs *flag.FlagSet)) *app {
	cfg, configPath, err := config.Load(args)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to taskd config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = tasks.DefaultWorkerID()
	}
	logging.Init(cfg.LogLevel, cfg.WorkerID)

	dialect, err := queue.ParseDialect(cfg.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("driver")
	}
	db, err := queue.Open(dialect, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	if err := queue.EnsureSchema(context.Background(), db, dialect); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := queue.NewSQLRepo(db, dialect)

	reg := tasks.NewRegistry()
	if err := registerOps(reg, cfg); err != nil {
		log.Fatal().Err(err).Msg("register operations")
	}

	svc := tasks.NewService(repo, reg, tasks.Options{
		WorkerID:          cfg.WorkerID,
		Settings:          tasks.Settings(cfg.Settings),
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAgeThreshold:   cfg.MaxAgeThreshold,
	})
	return &app{cfg: cfg, configPath: configPath, db: db, repo: repo, svc: svc}
}

func (a *app) close() { _ = a.db.Close() }

// registerOps adds the built-in operations.
func registerOps(reg *tasks.Registry, cfg *config.Config) error {
	if err := shell.Register(reg); err != nil {
		return fmt.Errorf("register shell: %w", err)
	}
	if err := httpop.Register(reg, cfg.HTTPPerHostLimit); err != nil {
		return fmt.Errorf("register http: %w", err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// childCommand is the command line a subprocess executor starts per task.
// The child sees the same store and settings as this poller.
func (a *app) childCommand() []string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	cmd := []string{self, "work",
		"--driver", a.cfg.Driver,
		"--dsn", a.cfg.DSN,
		"--worker-id", a.cfg.WorkerID,
		"--heartbeat-interval", a.cfg.HeartbeatInterval.String(),
		"--log-level", a.cfg.LogLevel,
	}
	if a.configPath != "" {
		cmd = append(cmd, "--config", a.configPath)
	}
	return cmd
}

func runPoll(args []string) {
	a := setup("poll", args, nil)
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	var exec worker.Executor = worker.InProcess{Service: a.svc}
	if a.cfg.ExecMode == config.ExecSubprocess {
		exec = worker.Subprocess{
			Exec:       executor.New(a.childCommand()),
			Repo:       a.repo,
			MaxRunTime: a.cfg.MaxRunTime,
		}
	}
	metrics.StartCollector(ctx, a.svc, collectInterval)

	pool := worker.NewPool(a.svc, exec, worker.Options{
		PollInterval:    a.cfg.PollInterval,
		BatchSize:       a.cfg.BatchSize,
		Concurrency:     a.cfg.Concurrency,
		Retries:         a.cfg.InfraRetries,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	})
	log.Info().Str("exec_mode", a.cfg.ExecMode).Str("driver", a.cfg.Driver).Msg("taskd poll starting")
	pool.Run(ctx)
}

// runWork runs one task in the foreground: the claimed task named by
// --task-id, or else the next eligible task this worker can claim.
func runWork(args []string) {
	var taskID string
	a := setup("work", args, func(fs *flag.FlagSet) {
		fs.StringVar(&taskID, "task-id", "", "Claimed task to run")
	})
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	var (
		t   domain.Task
		err error
	)
	if taskID != "" {
		t, err = a.svc.Run(ctx, taskID)
	} else {
		next, ok, ferr := a.svc.FetchTask(ctx)
		if ferr != nil {
			log.Fatal().Err(ferr).Msg("fetch task")
		}
		if !ok {
			log.Info().Msg("no eligible task")
			return
		}
		t, err = a.svc.WorkTask(ctx, next)
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("task not run")
		a.close()
		os.Exit(1)
	}
	log.Info().Str("task_id", t.ID).Str("status", string(t.Status)).Float64("time", t.Time).Msg("task finished")
}

func runBeat(args []string) {
	a := setup("beat", args, nil)
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	sched := scheduler.NewService(a.svc, a.cfg.ScheduleInterval)
	sched.ProcessDue(ctx, time.Now())
	sched.Start(ctx)
	log.Info().Msg("beat stopped")
}

func runServe(args []string) {
	a := setup("serve", args, nil)
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	metrics.StartCollector(ctx, a.svc, collectInterval)
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.NewServerWithDebug(a.svc, a.cfg.EnablePprof),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", a.cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func runCreate(args []string) {
	var (
		op, argsJSON, kwargsJSON, parentID, limitID string
		timeout                                     time.Duration
	)
	a := setup("create", args, func(fs *flag.FlagSet) {
		fs.StringVar(&op, "op", "", "Operation name")
		fs.StringVar(&argsJSON, "args", "[]", "Positional arguments as a JSON array")
		fs.StringVar(&kwargsJSON, "kwargs", "{}", "Named arguments as a JSON object")
		fs.StringVar(&parentID, "parent", "", "Parent task id")
		fs.StringVar(&limitID, "limit-id", "", "Limit bucket (defaults to the op's limit key)")
		fs.DurationVar(&timeout, "timeout", 0, "Task timeout (defaults to the op's)")
	})
	defer a.close()
	if op == "" {
		log.Fatal().Msg("--op is required")
	}

	var p domain.Param
	if err := json.Unmarshal([]byte(argsJSON), &p.Args); err != nil {
		log.Fatal().Err(err).Msg("invalid --args")
	}
	if err := json.Unmarshal([]byte(kwargsJSON), &p.Kwargs); err != nil {
		log.Fatal().Err(err).Msg("invalid --kwargs")
	}
	var opts []tasks.CreateOption
	if parentID != "" {
		opts = append(opts, tasks.WithParent(parentID))
	}
	if limitID != "" {
		opts = append(opts, tasks.WithLimitID(limitID))
	}
	if timeout > 0 {
		opts = append(opts, tasks.WithTimeout(timeout))
	}

	t, err := a.svc.CreateTask(context.Background(), op, p, opts...)
	if err != nil {
		log.Fatal().Err(err).Str("op", op).Msg("create task")
	}
	fmt.Println(t.ID)
}

func runCancel(args []string) {
	var taskID, reason string
	a := setup("cancel", args, func(fs *flag.FlagSet) {
		fs.StringVar(&taskID, "task-id", "", "Task to cancel")
		fs.StringVar(&reason, "reason", "cancelled by operator", "Reason stored as the task output")
	})
	defer a.close()
	if taskID == "" {
		log.Fatal().Msg("--task-id is required")
	}
	if err := a.svc.Cancel(context.Background(), taskID, reason); err != nil {
		log.Fatal().Err(err).Str("task_id", taskID).Msg("cancel task")
	}
}

func runRequeue(args []string) {
	var taskID string
	a := setup("requeue", args, func(fs *flag.FlagSet) {
		fs.StringVar(&taskID, "task-id", "", "Task to requeue")
	})
	defer a.close()
	if taskID == "" {
		log.Fatal().Msg("--task-id is required")
	}
	t, err := a.svc.Requeue(context.Background(), taskID)
	if err != nil {
		log.Fatal().Err(err).Str("task_id", taskID).Msg("requeue task")
	}
	fmt.Println(t.ID)
}

// runHealth prints queue stats and exits non-zero when claimed tasks
// exceeded their max age.
func runHealth(args []string) {
	a := setup("health", args, nil)
	defer a.close()
	ctx := context.Background()

	stats, err := a.svc.Stats(ctx, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("stats")
	}
	fmt.Printf("pending:  %d\nclaimed:  %d\nrunning:  %d\n", stats.Pending, stats.Claimed, stats.Running)
	if stats.OldestPending != nil {
		fmt.Printf("oldest pending: %s\n", humanize.Time(*stats.OldestPending))
	}
	if stats.LastCompleted != nil {
		fmt.Printf("last completed: %s\n", humanize.Time(*stats.LastCompleted))
	}
	for _, t := range stats.RecentFailed {
		fmt.Printf("failed %s %s %s: %s\n", t.ID, t.Op, humanize.Time(t.Updated), firstLine(t.Error))
	}

	stalled, err := a.svc.Stalled(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("heartbeats")
	}
	for _, hb := range stalled {
		fmt.Printf("stalled %s on %s, last heartbeat %s\n", hb.TaskID, hb.WorkerID, humanize.Time(hb.Updated))
	}

	var maxAge *tasks.TaskMaxAgeError
	switch err := a.svc.CheckMaxAge(ctx); {
	case errors.As(err, &maxAge):
		for _, t := range maxAge.Tasks {
			fmt.Printf("stuck %s %s, last update %s\n", t.ID, t.Op, humanize.Time(t.Updated))
		}
		a.close()
		os.Exit(2)
	case err != nil:
		log.Fatal().Err(err).Msg("max age check")
	}
	fmt.Println("ok")
}

func runPrune(args []string) {
	var olderThan time.Duration
	a := setup("prune", args, func(fs *flag.FlagSet) {
		fs.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete finished tasks last updated before this age")
	})
	defer a.close()
	n, err := a.svc.Prune(context.Background(), olderThan)
	if err != nil {
		log.Fatal().Err(err).Msg("prune")
	}
	fmt.Printf("pruned %s task(s)\n", humanize.Comma(int64(n)))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
