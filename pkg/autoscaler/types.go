package autoscaler

import (
	"context"
	"time"
)

// Action is the outcome of an evaluation.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionNone      Action = "no_action"
)

func (a Action) String() string { return string(a) }

// Metrics is one load sample. Fields a source does not know are left zero.
type Metrics struct {
	// Utilization is busy capacity over total capacity, in [0, 1].
	Utilization float64
	// QueueLength is the number of tasks waiting for a worker.
	QueueLength int
	// ResponseTime is the average task latency.
	ResponseTime time.Duration
	// RequestRate is completed tasks per second.
	RequestRate float64
	// CPU and Memory are host usage ratios in [0, 1]; informational only.
	CPU    float64
	Memory float64

	Timestamp time.Time
}

// Event records one evaluation or manual scale.
type Event struct {
	Timestamp time.Time
	Action    Action
	Reason    string
	From      int
	To        int
	Metrics   Metrics // window average the decision was based on
	Manual    bool
}

// Applier changes the live capacity. *workerpool.Pool satisfies it.
type Applier interface {
	Scale(ctx context.Context, n int) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, n int) error

func (f ApplierFunc) Scale(ctx context.Context, n int) error { return f(ctx, n) }

// MetricsSource is polled once per evaluation tick by Run.
type MetricsSource interface {
	Collect(ctx context.Context) (Metrics, error)
}

// SourceFunc adapts a function to MetricsSource.
type SourceFunc func(ctx context.Context) (Metrics, error)

func (f SourceFunc) Collect(ctx context.Context) (Metrics, error) { return f(ctx) }

// Hooks are called synchronously from Evaluate and ManualScale.
type Hooks struct {
	// OnScaling fires before a capacity change is applied.
	OnScaling func(Event)
	// OnScaled fires after a capacity change was applied.
	OnScaled func(Event)
	OnError  func(error)
}
