package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ExecInProcess  = "inprocess"
	ExecSubprocess = "subprocess"

	settingEnvPrefix = "TASKD_SETTING_"
)

type Config struct {
	Driver            string
	DSN               string
	WorkerID          string
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
	ExecMode          string        // "inprocess" or "subprocess"
	HeartbeatInterval time.Duration // how often a running task refreshes its heartbeat
	MaxRunTime        time.Duration // hard kill for subprocess tasks without a timeout, 0 disables
	MaxAgeThreshold   time.Duration // claimed tasks idle longer than this fail the health check
	ScheduleInterval  time.Duration
	HTTPAddr          string
	ShutdownTimeout   time.Duration
	InfraRetries      int
	LogLevel          string
	EnablePprof       bool
	HTTPPerHostLimit  int // active "http" tasks per target host, 0 is unlimited

	// Settings are the values the Setting and SettingUnset qualifiers see.
	Settings map[string]any
}

func DefaultConfig() *Config {
	return &Config{
		Driver:            "sqlite",
		DSN:               "taskd.db",
		PollInterval:      time.Second,
		BatchSize:         10,
		Concurrency:       4,
		ExecMode:          ExecInProcess,
		HeartbeatInterval: 30 * time.Second,
		MaxAgeThreshold:   time.Hour,
		ScheduleInterval:  10 * time.Second,
		HTTPAddr:          ":8080",
		ShutdownTimeout:   30 * time.Second,
		InfraRetries:      3,
		LogLevel:          "info",
		Settings:          map[string]any{},
	}
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Driver, "driver", c.Driver, "Store driver (sqlite|postgres)")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "SQLite file path or Postgres connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Worker identifier (default host:pid)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between fetch attempts")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Tasks fetched per poll")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Tasks run at the same time")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (inprocess|subprocess)")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "Heartbeat refresh interval")
	fs.DurationVar(&c.MaxRunTime, "max-run-time", c.MaxRunTime, "Kill subprocess tasks without a timeout after this long (0 disables)")
	fs.DurationVar(&c.MaxAgeThreshold, "max-age-threshold", c.MaxAgeThreshold, "Idle time after which a claimed task is reported")
	fs.DurationVar(&c.ScheduleInterval, "schedule-interval", c.ScheduleInterval, "Interval between due-schedule scans")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for running tasks on shutdown")
	fs.IntVar(&c.InfraRetries, "infra-retries", c.InfraRetries, "Attempts for store errors around a task before it is force-failed")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.BoolVar(&c.EnablePprof, "pprof", c.EnablePprof, "Expose /debug/pprof")
	fs.IntVar(&c.HTTPPerHostLimit, "http-per-host-limit", c.HTTPPerHostLimit, "Active http tasks allowed per target host (0 is unlimited)")
}

// ApplyEnv overrides cfg from TASKD_* environment variables.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"TASKD_DRIVER":    &cfg.Driver,
		"TASKD_DSN":       &cfg.DSN,
		"TASKD_WORKER_ID": &cfg.WorkerID,
		"TASKD_EXEC_MODE": &cfg.ExecMode,
		"TASKD_HTTP_ADDR": &cfg.HTTPAddr,
		"TASKD_LOG_LEVEL": &cfg.LogLevel,
	}
	for key, dst := range strs {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	durations := map[string]*time.Duration{
		"TASKD_POLL_INTERVAL":      &cfg.PollInterval,
		"TASKD_HEARTBEAT_INTERVAL": &cfg.HeartbeatInterval,
		"TASKD_MAX_RUN_TIME":       &cfg.MaxRunTime,
		"TASK_MAX_AGE_THRESHOLD":   &cfg.MaxAgeThreshold,
		"TASKD_SCHEDULE_INTERVAL":  &cfg.ScheduleInterval,
		"TASKD_SHUTDOWN_TIMEOUT":   &cfg.ShutdownTimeout,
	}
	for key, dst := range durations {
		if val := os.Getenv(key); val != "" {
			parsed, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = parsed
		}
	}

	ints := map[string]*int{
		"TASKD_BATCH_SIZE":          &cfg.BatchSize,
		"TASKD_CONCURRENCY":         &cfg.Concurrency,
		"TASKD_INFRA_RETRIES":       &cfg.InfraRetries,
		"TASKD_HTTP_PER_HOST_LIMIT": &cfg.HTTPPerHostLimit,
	}
	for key, dst := range ints {
		if val := os.Getenv(key); val != "" {
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s (must be an integer)", key)
			}
			*dst = parsed
		}
	}

	return applySettingsEnv(cfg, os.Environ())
}

// applySettingsEnv reads TASKD_SETTING_<NAME>=<value>. Values are parsed as
// YAML scalars so "true" and "3" become typed.
func applySettingsEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, settingEnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, settingEnvPrefix)
		if name == "" {
			continue
		}
		var parsed any = ""
		if val != "" {
			if err := yaml.Unmarshal([]byte(val), &parsed); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
		if cfg.Settings == nil {
			cfg.Settings = map[string]any{}
		}
		cfg.Settings[name] = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if c.ExecMode != ExecInProcess && c.ExecMode != ExecSubprocess {
		return fmt.Errorf("exec mode must be %s or %s, got %q", ExecInProcess, ExecSubprocess, c.ExecMode)
	}
	if c.PollInterval <= 0 || c.HeartbeatInterval <= 0 || c.ScheduleInterval <= 0 {
		return fmt.Errorf("poll, heartbeat and schedule intervals must be positive")
	}
	if c.Concurrency < 1 || c.BatchSize < 1 {
		return fmt.Errorf("concurrency and batch size must be at least 1")
	}
	if c.InfraRetries < 1 {
		return fmt.Errorf("infra retries must be at least 1")
	}
	if c.HTTPPerHostLimit < 0 {
		return fmt.Errorf("http per-host limit must not be negative")
	}
	return nil
}
