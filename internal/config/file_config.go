package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"taskd.yaml",
	"taskd.yml",
	"taskd.toml",
}

type FileConfig struct {
	Driver            string         `yaml:"driver" toml:"driver"`
	DSN               string         `yaml:"dsn" toml:"dsn"`
	WorkerID          string         `yaml:"worker_id" toml:"worker_id"`
	PollInterval      string         `yaml:"poll_interval" toml:"poll_interval"`
	BatchSize         *int           `yaml:"batch_size" toml:"batch_size"`
	Concurrency       *int           `yaml:"concurrency" toml:"concurrency"`
	ExecMode          string         `yaml:"exec_mode" toml:"exec_mode"`
	HeartbeatInterval string         `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	MaxRunTime        string         `yaml:"max_run_time" toml:"max_run_time"`
	MaxAgeThreshold   string         `yaml:"max_age_threshold" toml:"max_age_threshold"`
	ScheduleInterval  string         `yaml:"schedule_interval" toml:"schedule_interval"`
	HTTPAddr          string         `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout   string         `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	InfraRetries      *int           `yaml:"infra_retries" toml:"infra_retries"`
	LogLevel          string         `yaml:"log_level" toml:"log_level"`
	EnablePprof       *bool          `yaml:"pprof" toml:"pprof"`
	HTTPPerHostLimit  *int           `yaml:"http_per_host_limit" toml:"http_per_host_limit"`
	Settings          map[string]any `yaml:"settings" toml:"settings"`
}

// ResolveConfigPath picks the config file from --config, TASKD_CONFIG or a
// default filename in the working directory. Empty means none.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("TASKD_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	for _, s := range []struct {
		src string
		dst *string
	}{
		{fileCfg.Driver, &cfg.Driver},
		{fileCfg.DSN, &cfg.DSN},
		{fileCfg.WorkerID, &cfg.WorkerID},
		{fileCfg.ExecMode, &cfg.ExecMode},
		{fileCfg.HTTPAddr, &cfg.HTTPAddr},
		{fileCfg.LogLevel, &cfg.LogLevel},
	} {
		if s.src != "" {
			*s.dst = s.src
		}
	}

	for _, d := range []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"poll_interval", fileCfg.PollInterval, &cfg.PollInterval},
		{"heartbeat_interval", fileCfg.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"max_run_time", fileCfg.MaxRunTime, &cfg.MaxRunTime},
		{"max_age_threshold", fileCfg.MaxAgeThreshold, &cfg.MaxAgeThreshold},
		{"schedule_interval", fileCfg.ScheduleInterval, &cfg.ScheduleInterval},
		{"shutdown_timeout", fileCfg.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.src)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if fileCfg.BatchSize != nil {
		cfg.BatchSize = *fileCfg.BatchSize
	}
	if fileCfg.Concurrency != nil {
		cfg.Concurrency = *fileCfg.Concurrency
	}
	if fileCfg.InfraRetries != nil {
		cfg.InfraRetries = *fileCfg.InfraRetries
	}
	if fileCfg.EnablePprof != nil {
		cfg.EnablePprof = *fileCfg.EnablePprof
	}
	if fileCfg.HTTPPerHostLimit != nil {
		cfg.HTTPPerHostLimit = *fileCfg.HTTPPerHostLimit
	}
	if len(fileCfg.Settings) > 0 {
		if cfg.Settings == nil {
			cfg.Settings = map[string]any{}
		}
		for k, v := range fileCfg.Settings {
			cfg.Settings[k] = v
		}
	}
	return nil
}

// Load resolves and applies the config file and environment on top of the
// defaults. Flags are bound by the caller afterwards so they win.
func Load(args []string) (*Config, string, error) {
	path, err := ResolveConfigPath(args)
	if err != nil {
		return nil, "", err
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, "", err
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, "", err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
