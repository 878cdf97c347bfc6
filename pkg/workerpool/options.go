package workerpool

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/retry"
)

const (
	defaultMinWorkers      = 1
	defaultMaxWorkers      = 10
	defaultTaskTimeout     = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultSampleInterval  = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	scaleUpUtilization   = 0.8
	scaleDownUtilization = 0.3
)

// Config holds worker bounds and timing.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	TaskTimeout     time.Duration // applies when Task.Timeout is zero; zero means no deadline
	IdleTimeout     time.Duration
	SampleInterval  time.Duration
	MaxQueueSize    int // zero means unbounded
	ShutdownTimeout time.Duration
}

func (c Config) validate() error {
	if c.MinWorkers < 0 {
		return fmt.Errorf("min workers must be >= 0, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min workers (%d) exceeds max workers (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max queue size must be >= 0, got %d", c.MaxQueueSize)
	}
	return nil
}

type options struct {
	cfg     Config
	policy  retry.Policy
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Pool.
type Option func(*options)

func WithMinWorkers(n int) Option { return func(o *options) { o.cfg.MinWorkers = n } }

func WithMaxWorkers(n int) Option { return func(o *options) { o.cfg.MaxWorkers = n } }

// WithTaskTimeout sets the per-attempt deadline for tasks without their own Timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.TaskTimeout = d }
}

// WithIdleTimeout sets how long a worker may stay idle before the sampler may retire it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.IdleTimeout = d }
}

func WithSampleInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.SampleInterval = d }
}

// WithMaxQueueSize bounds the number of queued tasks once every worker is busy.
func WithMaxQueueSize(n int) Option { return func(o *options) { o.cfg.MaxQueueSize = n } }

func WithRetryPolicy(p retry.Policy) Option { return func(o *options) { o.policy = p } }

// WithShutdownTimeout bounds the graceful part of Shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.ShutdownTimeout = d }
}

func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func newOptions(opts []Option) options {
	o := options{
		cfg: Config{
			MinWorkers:      defaultMinWorkers,
			MaxWorkers:      defaultMaxWorkers,
			TaskTimeout:     defaultTaskTimeout,
			IdleTimeout:     defaultIdleTimeout,
			SampleInterval:  defaultSampleInterval,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		policy: retry.NewPolicy(),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	return o
}
