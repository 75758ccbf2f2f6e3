package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/queue"
	"github.com/fullctl/fullctl-sub000/internal/scheduler"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

type Server struct {
	r     *chi.Mux
	tasks *tasks.Service
	repo  queue.Repository
	now   func() time.Time
}

func NewServer(svc *tasks.Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc *tasks.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, tasks: svc, repo: svc.Repo(), now: time.Now}

	r.Get("/health", s.health)
	r.Get("/health/tasks", s.healthTasks)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Post("/{id}/cancel", s.cancelTask)
		r.Post("/{id}/requeue", s.requeueTask)
	})
	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.createSchedule)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Put("/{id}", s.updateSchedule)
		r.Delete("/{id}", s.deleteSchedule)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type healthResp struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Stuck   []taskView             `json:"stuck,omitempty"`
	Stalled []domain.TaskHeartbeat `json:"stalled,omitempty"`
	Stats   domain.Stats           `json:"stats"`
	Failed  []taskView             `json:"recent_failed,omitempty"`
}

// healthTasks answers 503 when claimed tasks exceeded their max age.
func (s *Server) healthTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResp{Status: "ok"}
	code := http.StatusOK

	var maxAge *tasks.TaskMaxAgeError
	switch err := s.tasks.CheckMaxAge(ctx); {
	case errors.As(err, &maxAge):
		resp.Status, resp.Error, code = "degraded", err.Error(), http.StatusServiceUnavailable
		resp.Stuck = viewTasks(maxAge.Tasks)
	case err != nil:
		writeError(w, err)
		return
	}

	stats, err := s.tasks.Stats(ctx, 10)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Stats, resp.Failed = stats, viewTasks(stats.RecentFailed)

	stalled, err := s.tasks.Stalled(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Stalled = stalled
	writeJSON(w, code, resp)
}

type taskView struct {
	ID       string          `json:"id"`
	Op       string          `json:"op"`
	Status   domain.Status   `json:"status"`
	Param    domain.Param    `json:"param"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Output   string          `json:"output"`
	Time     float64         `json:"time"`
	Timeout  int64           `json:"timeout,omitempty"` // seconds
	Source   string          `json:"source,omitempty"`
	QueueID  string          `json:"queue_id,omitempty"`
	ParentID string          `json:"parent_id,omitempty"`
	LimitID  string          `json:"limit_id,omitempty"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`
}

func viewTask(t domain.Task) taskView {
	return taskView{
		ID:       t.ID,
		Op:       t.Op,
		Status:   t.Status,
		Param:    t.Param,
		Result:   t.Result,
		Error:    t.Error,
		Output:   t.Output,
		Time:     t.Time,
		Timeout:  int64(t.Timeout / time.Second),
		Source:   t.Source,
		QueueID:  t.QueueID,
		ParentID: t.ParentID,
		LimitID:  t.LimitID,
		Created:  t.Created,
		Updated:  t.Updated,
	}
}

func viewTasks(ts []domain.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewTask(t))
	}
	return out
}

type createTaskReq struct {
	Op       string            `json:"op"`
	Args     []json.RawMessage `json:"args"`
	Kwargs   domain.Kwargs     `json:"kwargs"`
	Timeout  int               `json:"timeout"` // seconds
	ParentID string            `json:"parent_id"`
	LimitID  string            `json:"limit_id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Op == "" {
		http.Error(w, "op is required", http.StatusBadRequest)
		return
	}

	var opts []tasks.CreateOption
	if req.ParentID != "" {
		opts = append(opts, tasks.WithParent(req.ParentID))
	}
	if req.Timeout > 0 {
		opts = append(opts, tasks.WithTimeout(time.Duration(req.Timeout)*time.Second))
	}
	if req.LimitID != "" {
		opts = append(opts, tasks.WithLimitID(req.LimitID))
	}
	t, err := s.tasks.CreateTask(r.Context(), req.Op, domain.Param{Args: req.Args, Kwargs: req.Kwargs}, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewTask(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ts, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTasks(ts))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(t))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	id := chi.URLParam(r, "id")
	if err := s.tasks.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.getTask(w, r)
}

func (s *Server) requeueTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewTask(t))
}

type scheduleReq struct {
	Description string             `json:"description"`
	OrgID       string             `json:"org_id"`
	UserID      string             `json:"user_id"`
	TaskConfig  *domain.TaskConfig `json:"task_config"`
	Schedule    *time.Time         `json:"schedule"`
	Interval    *int               `json:"interval"`
	CronExpr    *string            `json:"cron_expr"`
	Repeat      *bool              `json:"repeat"`
	Enabled     *bool              `json:"enabled"`
}

type scheduleView struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Description string            `json:"description,omitempty"`
	TaskConfig  domain.TaskConfig `json:"task_config"`
	Schedule    time.Time         `json:"schedule"`
	Interval    int               `json:"interval,omitempty"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	Repeat      bool              `json:"repeat"`
	Enabled     bool              `json:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty"`
	Created     time.Time         `json:"created"`
	Updated     time.Time         `json:"updated"`
}

func viewSchedule(s domain.TaskSchedule) scheduleView {
	return scheduleView{
		ID:          s.ID,
		OrgID:       s.OrgID,
		UserID:      s.UserID,
		Description: s.Description,
		TaskConfig:  s.TaskConfig,
		Schedule:    s.Schedule,
		Interval:    s.Interval,
		CronExpr:    s.CronExpr,
		Repeat:      s.Repeat,
		Enabled:     s.Enabled,
		LastRun:     s.LastRun,
		Created:     s.Created,
		Updated:     s.Updated,
	}
}

// apply copies the fields set in req onto schedule. A cron schedule without
// an explicit time starts at its next cron tick, anything else starts now.
func (req scheduleReq) apply(schedule *domain.TaskSchedule, now time.Time) error {
	if req.Description != "" {
		schedule.Description = req.Description
	}
	if req.TaskConfig != nil {
		schedule.TaskConfig = *req.TaskConfig
	}
	if req.Interval != nil {
		schedule.Interval = *req.Interval
	}
	if req.CronExpr != nil {
		schedule.CronExpr = *req.CronExpr
	}
	if req.Repeat != nil {
		schedule.Repeat = *req.Repeat
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	switch {
	case req.Schedule != nil:
		schedule.Schedule = *req.Schedule
	case req.CronExpr != nil && schedule.CronExpr != "":
		next, err := scheduler.NextRunTime(schedule.CronExpr, now)
		if err != nil {
			return err
		}
		schedule.Schedule = next
	case schedule.Schedule.IsZero():
		schedule.Schedule = now
	}
	return nil
}

// validateSchedule checks the schedule shape and that every op it names is
// registered.
func (s *Server) validateSchedule(schedule domain.TaskSchedule) error {
	if err := scheduler.Validate(schedule); err != nil {
		return err
	}
	var check func(specs []domain.TaskSpec) error
	check = func(specs []domain.TaskSpec) error {
		for _, spec := range specs {
			if _, ok := s.tasks.Registry().Lookup(spec.Op); !ok {
				return errors.New("unknown operation " + spec.Op)
			}
			if err := check(spec.Tasks); err != nil {
				return err
			}
		}
		return nil
	}
	return check(schedule.TaskConfig.Tasks)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	schedule := domain.TaskSchedule{OrgID: req.OrgID, UserID: req.UserID, Enabled: true}
	if err := req.apply(&schedule, s.now().UTC()); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validateSchedule(schedule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(created))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, viewSchedule(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(schedule))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.apply(&schedule, s.now().UTC()); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validateSchedule(schedule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := s.repo.UpdateSchedule(r.Context(), schedule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSchedule(updated))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps engine errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var limitErr *tasks.TaskLimitError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &limitErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tasks.ErrUnknownOp), errors.Is(err, domain.ErrInvalidParam):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("api request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
