// Package config loads the sync daemon configuration from defaults, an optional file and
// OFFLINESYNC_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// EnvPrefix prefixes environment overrides, e.g. OFFLINESYNC_REMOTE_BASE_URL.
const EnvPrefix = "OFFLINESYNC"

// Config is the complete daemon configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// RemoteConfig describes the sync server.
type RemoteConfig struct {
	BaseURL     string            `mapstructure:"base_url" yaml:"base_url"`
	Timeout     time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Token       string            `mapstructure:"token" yaml:"token,omitempty"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	VersionPath string            `mapstructure:"version_path" yaml:"version_path"`
	DataPath    string            `mapstructure:"data_path" yaml:"data_path"`
	ResolvePath string            `mapstructure:"resolve_path" yaml:"resolve_path"`
	StartOnline bool              `mapstructure:"start_online" yaml:"start_online"`
}

// QueueConfig tunes the queue processor.
type QueueConfig struct {
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// SchedulerConfig tunes the adaptive scheduler.
type SchedulerConfig struct {
	BaseInterval     time.Duration `mapstructure:"base_interval" yaml:"base_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ForegroundDelay  time.Duration `mapstructure:"foreground_delay" yaml:"foreground_delay"`
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	SyncTimeout      time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`
}

// LoggingConfig selects level and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// setDefaults registers every key so environment overrides apply to all of them.
func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	s := scheduler.DefaultSchedulerConfig()
	p := remote.DefaultPaths()

	v.SetDefault("store.data_dir", "./data")

	v.SetDefault("remote.base_url", "http://localhost:8080/api")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.headers", map[string]string{})
	v.SetDefault("remote.version_path", p.Version)
	v.SetDefault("remote.data_path", p.Data)
	v.SetDefault("remote.resolve_path", p.Resolve)
	v.SetDefault("remote.start_online", true)

	v.SetDefault("queue.batch_size", q.BatchSize)
	v.SetDefault("queue.default_max_retries", q.DefaultMaxRetries)
	v.SetDefault("queue.backoff_base", q.BackoffBase)
	v.SetDefault("queue.backoff_max", q.BackoffMax)

	v.SetDefault("scheduler.base_interval", s.BaseInterval)
	v.SetDefault("scheduler.max_interval", s.MaxInterval)
	v.SetDefault("scheduler.failure_threshold", s.FailureThreshold)
	v.SetDefault("scheduler.foreground_delay", s.ForegroundDelay)
	v.SetDefault("scheduler.tick_interval", s.TickInterval)
	v.SetDefault("scheduler.sync_timeout", s.SyncTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("server.addr", "127.0.0.1:7420")
}

// Default returns the configuration with no file or environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return cfg
}

// Load reads path (YAML or TOML by extension, skipped when empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		problems = append(problems, "remote.base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		problems = append(problems, "remote.timeout must be positive")
	}
	if c.Queue.BatchSize < 1 {
		problems = append(problems, "queue.batch_size must be at least 1")
	}
	if c.Queue.DefaultMaxRetries < 1 {
		problems = append(problems, "queue.default_max_retries must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax <= 0 {
		problems = append(problems, "queue backoff durations must be positive")
	} else if c.Queue.BackoffBase > c.Queue.BackoffMax {
		problems = append(problems, "queue.backoff_base exceeds queue.backoff_max")
	}
	s := c.Scheduler
	if s.BaseInterval <= 0 || s.MaxInterval <= 0 || s.TickInterval <= 0 || s.SyncTimeout <= 0 {
		problems = append(problems, "scheduler intervals must be positive")
	} else if s.BaseInterval > s.MaxInterval {
		problems = append(problems, "scheduler.base_interval exceeds scheduler.max_interval")
	}
	if s.ForegroundDelay < 0 {
		problems = append(problems, "scheduler.foreground_delay must not be negative")
	}
	if s.FailureThreshold < 1 {
		problems = append(problems, "scheduler.failure_threshold must be at least 1")
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalid, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// QueueConfig converts to the processor configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		BatchSize:         c.Queue.BatchSize,
		DefaultMaxRetries: c.Queue.DefaultMaxRetries,
		BackoffBase:       c.Queue.BackoffBase,
		BackoffMax:        c.Queue.BackoffMax,
	}
}

// SchedulerConfig converts to the scheduler configuration.
func (c *Config) SchedulerConfig() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		BaseInterval:     c.Scheduler.BaseInterval,
		MaxInterval:      c.Scheduler.MaxInterval,
		FailureThreshold: c.Scheduler.FailureThreshold,
		ForegroundDelay:  c.Scheduler.ForegroundDelay,
		TickInterval:     c.Scheduler.TickInterval,
		SyncTimeout:      c.Scheduler.SyncTimeout,
	}
}

// Paths converts to the remote API paths.
func (c *Config) Paths() remote.Paths {
	return remote.Paths{
		Version: c.Remote.VersionPath,
		Data:    c.Remote.DataPath,
		Resolve: c.Remote.ResolvePath,
	}
}

// Dump renders the configuration as YAML with the token redacted.
func Dump(c *Config) ([]byte, error) {
	redacted := *c
	if redacted.Remote.Token != "" {
		redacted.Remote.Token = "****"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to render config", err)
	}
	return out, nil
}
