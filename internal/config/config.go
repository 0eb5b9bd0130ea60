package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/loykin/easystart/internal/logger"
	"github.com/loykin/easystart/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g.
// EASYSTART_TIMEOUTS_GRACE=5s.
const EnvPrefix = "EASYSTART"

// Server front ends.
const (
	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
)

type Config struct {
	Accounts AccountsConfig `mapstructure:"accounts"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Log      logger.Config  `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Server   ServerConfig   `mapstructure:"server"`
	History  HistoryConfig  `mapstructure:"history"`
}

type AccountsConfig struct {
	DSN string `mapstructure:"dsn"`
}

type WorkerConfig struct {
	Path         string   `mapstructure:"path"`
	Args         []string `mapstructure:"args"`
	Dir          string   `mapstructure:"dir"`
	Env          []string `mapstructure:"env"`
	EnvFiles     []string `mapstructure:"env_files"`
	Output       string   `mapstructure:"output"`
	CaptureLimit int      `mapstructure:"capture_limit"`
}

type TimeoutsConfig struct {
	Probe    time.Duration `mapstructure:"probe"`
	Grace    time.Duration `mapstructure:"grace"`
	KillWait time.Duration `mapstructure:"kill_wait"`
	Poll     time.Duration `mapstructure:"poll"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen    string `mapstructure:"listen"`
	BasePath  string `mapstructure:"base_path"`
	Framework string `mapstructure:"framework"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	tmpl := worker.DefaultTemplate()
	v.SetDefault("accounts.dsn", "accounts.txt")
	v.SetDefault("worker.path", tmpl.Path)
	v.SetDefault("worker.args", tmpl.Args)
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.env_files", []string{})
	v.SetDefault("worker.output", string(worker.OutputDiscard))
	v.SetDefault("worker.capture_limit", worker.DefaultCaptureLimit)
	v.SetDefault("timeouts.probe", 10*time.Second)
	v.SetDefault("timeouts.grace", 2*time.Second)
	v.SetDefault("timeouts.kill_wait", 2*time.Second)
	v.SetDefault("timeouts.poll", time.Duration(0))
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.framework", FrameworkGin)
	v.SetDefault("history.dsn", "")
}

// Load reads path (toml, yaml or json by extension) over the defaults and
// applies EASYSTART_* environment overrides. An empty path uses defaults and
// the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.Accounts.DSN) == "" {
		result = multierror.Append(result, errors.New("accounts.dsn is required"))
	}
	if err := c.Template().Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	mode, err := worker.ParseOutputMode(c.Worker.Output)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("worker.output: %w", err))
	}
	if mode == worker.OutputFile && !c.Log.File.Enabled() {
		result = multierror.Append(result, errors.New("worker.output=file requires log.file.dir or log.file.stdout/stderr"))
	}
	if c.Worker.CaptureLimit < 0 {
		result = multierror.Append(result, errors.New("worker.capture_limit must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"timeouts.probe":     c.Timeouts.Probe,
		"timeouts.grace":     c.Timeouts.Grace,
		"timeouts.kill_wait": c.Timeouts.KillWait,
		"timeouts.poll":      c.Timeouts.Poll,
	} {
		if d < 0 {
			result = multierror.Append(result, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Server.Framework {
	case FrameworkGin, FrameworkEcho:
	default:
		result = multierror.Append(result, fmt.Errorf("server.framework %q must be %q or %q", c.Server.Framework, FrameworkGin, FrameworkEcho))
	}
	if result != nil {
		result.ErrorFormat = listFormat
	}
	return result.ErrorOrNil()
}

func listFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	sort.Strings(msgs)
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (c *Config) Template() worker.CommandTemplate {
	return worker.CommandTemplate{Path: c.Worker.Path, Args: append([]string(nil), c.Worker.Args...)}
}

// WorkerOptions resolves the launch options, reading any env files.
func (c *Config) WorkerOptions() (worker.Options, error) {
	mode, err := worker.ParseOutputMode(c.Worker.Output)
	if err != nil {
		return worker.Options{}, err
	}
	env, err := c.WorkerEnv()
	if err != nil {
		return worker.Options{}, err
	}
	return worker.Options{
		Output:       mode,
		CaptureLimit: c.Worker.CaptureLimit,
		Files:        c.Log.File,
		Dir:          c.Worker.Dir,
		Env:          env,
	}, nil
}

// WorkerEnv merges worker.env_files in order, then worker.env on top, and
// returns sorted KEY=VALUE pairs.
func (c *Config) WorkerEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Worker.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("worker env file: %w", err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Worker.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
