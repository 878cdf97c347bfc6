package autoscaler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/metrics"
)

// Default scaler values.
const (
	defaultMinInstances       = 1
	defaultMaxInstances       = 10
	defaultTargetUtilization  = 0.7
	defaultTargetResponseTime = time.Second
	defaultCooldownPeriod     = 60 * time.Second
	defaultEvaluationInterval = 10 * time.Second
	defaultWindowSize         = 10
	defaultQueueUp            = 10
	defaultQueueDown          = 2
	defaultHistorySize        = 100
)

// Config holds the scaling bounds and targets.
type Config struct {
	MinInstances       int
	MaxInstances       int
	InitialInstances   int // defaults to MinInstances
	TargetUtilization  float64
	TargetResponseTime time.Duration
	CooldownPeriod     time.Duration
	EvaluationInterval time.Duration
	WindowSize         int
	// QueueUp and QueueDown are queued tasks per instance above/below which the
	// queue estimate asks for more/fewer instances.
	QueueUp     float64
	QueueDown   float64
	HistorySize int
}

func (c Config) validate() error {
	switch {
	case c.MinInstances < 0:
		return fmt.Errorf("min instances must be >= 0, got %d", c.MinInstances)
	case c.MaxInstances < 1:
		return fmt.Errorf("max instances must be >= 1, got %d", c.MaxInstances)
	case c.MinInstances > c.MaxInstances:
		return fmt.Errorf("min instances (%d) exceeds max instances (%d)", c.MinInstances, c.MaxInstances)
	case c.TargetUtilization <= 0 || c.TargetUtilization > 1:
		return fmt.Errorf("target utilization must be in (0, 1], got %v", c.TargetUtilization)
	case c.TargetResponseTime <= 0:
		return fmt.Errorf("target response time must be positive, got %s", c.TargetResponseTime)
	case c.EvaluationInterval <= 0:
		return fmt.Errorf("evaluation interval must be positive, got %s", c.EvaluationInterval)
	case c.WindowSize < 1:
		return fmt.Errorf("window size must be >= 1, got %d", c.WindowSize)
	case c.QueueUp <= c.QueueDown || c.QueueDown < 0:
		return fmt.Errorf("queue thresholds need 0 <= down < up, got up=%v down=%v", c.QueueUp, c.QueueDown)
	}
	return nil
}

type options struct {
	cfg     Config
	source  MetricsSource
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Scaler.
type Option func(*options)

func WithMinInstances(n int) Option { return func(o *options) { o.cfg.MinInstances = n } }

func WithMaxInstances(n int) Option { return func(o *options) { o.cfg.MaxInstances = n } }

// WithInitialInstances sets the capacity the applier is assumed to start with.
func WithInitialInstances(n int) Option { return func(o *options) { o.cfg.InitialInstances = n } }

// WithTargetUtilization sets the utilization the scaler steers towards.
func WithTargetUtilization(u float64) Option {
	return func(o *options) { o.cfg.TargetUtilization = u }
}

// WithTargetResponseTime sets the latency the scaler steers towards.
func WithTargetResponseTime(d time.Duration) Option {
	return func(o *options) { o.cfg.TargetResponseTime = d }
}

// WithCooldownPeriod sets the minimum time between two capacity changes.
func WithCooldownPeriod(d time.Duration) Option {
	return func(o *options) { o.cfg.CooldownPeriod = d }
}

func WithEvaluationInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.EvaluationInterval = d }
}

// WithWindowSize sets how many recent samples are averaged.
func WithWindowSize(n int) Option { return func(o *options) { o.cfg.WindowSize = n } }

// WithQueueThresholds sets the queued-tasks-per-instance bounds.
func WithQueueThresholds(up, down float64) Option {
	return func(o *options) {
		o.cfg.QueueUp = up
		o.cfg.QueueDown = down
	}
}

// WithHistorySize bounds the number of retained events.
func WithHistorySize(n int) Option { return func(o *options) { o.cfg.HistorySize = n } }

// WithSource sets the source Run polls before each evaluation.
func WithSource(src MetricsSource) Option { return func(o *options) { o.source = src } }

func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func newOptions(opts []Option) options {
	o := options{
		cfg: Config{
			MinInstances:       defaultMinInstances,
			MaxInstances:       defaultMaxInstances,
			TargetUtilization:  defaultTargetUtilization,
			TargetResponseTime: defaultTargetResponseTime,
			CooldownPeriod:     defaultCooldownPeriod,
			EvaluationInterval: defaultEvaluationInterval,
			WindowSize:         defaultWindowSize,
			QueueUp:            defaultQueueUp,
			QueueDown:          defaultQueueDown,
			HistorySize:        defaultHistorySize,
		},
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	return o
}
