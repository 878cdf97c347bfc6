package resourcepool

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/metrics"
)

// Default pool values.
const (
	defaultMax            = 10
	defaultAcquireTimeout = 30 * time.Second
	defaultCreateTimeout  = 10 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultReapInterval   = 10 * time.Second
	defaultDrainTimeout   = 30 * time.Second
)

// Config holds the pool bounds and timing. Zero timeouts disable the bound.
type Config struct {
	Min               int
	Max               int
	AcquireTimeout    time.Duration
	CreateTimeout     time.Duration
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	DrainTimeout      time.Duration
	ValidateOnAcquire bool
	ValidateOnReturn  bool
}

func (c Config) validate() error {
	if c.Min < 0 {
		return fmt.Errorf("min must be >= 0, got %d", c.Min)
	}
	if c.Max < 1 {
		return fmt.Errorf("max must be >= 1, got %d", c.Max)
	}
	if c.Min > c.Max {
		return fmt.Errorf("min (%d) exceeds max (%d)", c.Min, c.Max)
	}
	return nil
}

type options struct {
	cfg     Config
	name    string
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Pool.
type Option func(*options)

func WithMin(n int) Option { return func(o *options) { o.cfg.Min = n } }

func WithMax(n int) Option { return func(o *options) { o.cfg.Max = n } }

// WithAcquireTimeout bounds how long Acquire waits for a resource.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.AcquireTimeout = d }
}

// WithCreateTimeout bounds a single factory Create call.
func WithCreateTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.CreateTimeout = d }
}

// WithIdleTimeout sets how long an available resource may sit unused before the
// reaper destroys it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.IdleTimeout = d }
}

// WithReapInterval sets the reaper period. Zero disables the reaper.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.ReapInterval = d }
}

// WithDrainTimeout bounds how long Drain waits for outstanding resources.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.DrainTimeout = d }
}

func WithValidateOnAcquire(v bool) Option {
	return func(o *options) { o.cfg.ValidateOnAcquire = v }
}

func WithValidateOnReturn(v bool) Option {
	return func(o *options) { o.cfg.ValidateOnReturn = v }
}

// WithName labels logs and metrics for this pool.
func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func newOptions(opts []Option) options {
	o := options{
		cfg: Config{
			Max:            defaultMax,
			AcquireTimeout: defaultAcquireTimeout,
			CreateTimeout:  defaultCreateTimeout,
			IdleTimeout:    defaultIdleTimeout,
			ReapInterval:   defaultReapInterval,
			DrainTimeout:   defaultDrainTimeout,
		},
		name: "pool",
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	return o
}
