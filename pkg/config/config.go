// Package config loads process configuration from the environment.
// A .env file in the working directory is read first when present; variables are
// prefixed with DOCFLOW_ (for example DOCFLOW_REDIS_ADDR).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Prefix is prepended to every variable name.
const Prefix = "DOCFLOW_"

// Config holds the worker process configuration.
// See .env.example for more documentation.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`

	Workers    WorkerConfig
	Scaler     ScalerConfig
	Intake     IntakeConfig
	ClientPool ClientPoolConfig
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Min             int           `env:"MIN_WORKERS" envDefault:"1"`
	Max             int           `env:"MAX_WORKERS" envDefault:"10"`
	TaskTimeout     time.Duration `env:"TASK_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxQueueSize    int           `env:"MAX_QUEUE_SIZE" envDefault:"100"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
}

// ScalerConfig configures the auto-scaler.
type ScalerConfig struct {
	Enabled            bool          `env:"AUTOSCALE" envDefault:"true"`
	TargetUtilization  float64       `env:"TARGET_UTILIZATION" envDefault:"0.7"`
	TargetResponseTime time.Duration `env:"TARGET_RESPONSE_TIME" envDefault:"1s"`
	Cooldown           time.Duration `env:"COOLDOWN" envDefault:"60s"`
	EvaluationInterval time.Duration `env:"EVALUATION_INTERVAL" envDefault:"10s"`
	CollectSystem      bool          `env:"COLLECT_SYSTEM_METRICS" envDefault:"true"`
}

// IntakeConfig configures the Redis feeder.
type IntakeConfig struct {
	RateLimit    int           `env:"RATE_LIMIT" envDefault:"10"`
	RateBurst    int           `env:"RATE_BURST" envDefault:"20"`
	PollWait     time.Duration `env:"POLL_WAIT" envDefault:"1s"`
	RequeueDelay time.Duration `env:"REQUEUE_DELAY" envDefault:"5s"`
	// Schedules maps cron specs to task types, e.g. "@every 1m=cleanup;0 3 * * *=reindex".
	Schedules map[string]string `env:"SCHEDULES" envSeparator:";" envKeyValSeparator:"="`
}

// ClientPoolConfig bounds the pool of dedicated Redis clients the index processor writes through.
type ClientPoolConfig struct {
	Min int `env:"CLIENT_POOL_MIN" envDefault:"1"`
	Max int `env:"CLIENT_POOL_MAX" envDefault:"4"`
}

// Load reads .env if present and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when environ is nil.
func Parse(environ map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks bounds across all sections.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.RedisAddr != "", "REDIS_ADDR is required")
	check(c.Workers.Min >= 1, "MIN_WORKERS must be >= 1, got %d", c.Workers.Min)
	check(c.Workers.Max >= c.Workers.Min, "MAX_WORKERS (%d) must be >= MIN_WORKERS (%d)", c.Workers.Max, c.Workers.Min)
	check(c.Workers.TaskTimeout > 0, "TASK_TIMEOUT must be positive")
	check(c.Workers.IdleTimeout > 0, "IDLE_TIMEOUT must be positive")
	check(c.Workers.MaxQueueSize >= 0, "MAX_QUEUE_SIZE must not be negative")
	check(c.Scaler.TargetUtilization > 0 && c.Scaler.TargetUtilization <= 1,
		"TARGET_UTILIZATION must be in (0, 1], got %g", c.Scaler.TargetUtilization)
	check(c.Scaler.TargetResponseTime > 0, "TARGET_RESPONSE_TIME must be positive")
	check(c.Scaler.Cooldown >= 0, "COOLDOWN must not be negative")
	check(c.Scaler.EvaluationInterval > 0, "EVALUATION_INTERVAL must be positive")
	check(c.Intake.RateLimit >= 0, "RATE_LIMIT must not be negative")
	check(c.Intake.RateBurst >= c.Intake.RateLimit, "RATE_BURST (%d) must be >= RATE_LIMIT (%d)", c.Intake.RateBurst, c.Intake.RateLimit)
	check(c.Intake.PollWait > 0, "POLL_WAIT must be positive")
	check(c.ClientPool.Min >= 0, "CLIENT_POOL_MIN must not be negative")
	check(c.ClientPool.Max >= 1 && c.ClientPool.Max >= c.ClientPool.Min,
		"CLIENT_POOL_MAX (%d) must be >= 1 and >= CLIENT_POOL_MIN (%d)", c.ClientPool.Max, c.ClientPool.Min)

	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool { return c.AppEnv == "production" }
