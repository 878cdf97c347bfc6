// Package autoscaler decides how many worker instances to run from a sliding
// window of load samples.
//
// Each evaluation averages the window and derives three independent estimates of
// the needed capacity: one from utilization against its target, one from queued
// tasks per instance, and one from response time against its target. The largest
// estimate wins and is clamped to the configured bounds. A cooldown after every
// capacity change keeps the scaler from oscillating.
package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/docflow/pkg/errs"
	"github.com/guido-cesarano/docflow/pkg/metrics"
)

// Scaler evaluates load samples and applies capacity changes. It is safe for
// concurrent use.
type Scaler struct {
	applier Applier
	cfg     Config
	source  MetricsSource
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// opMu serializes evaluations and manual scales, including the applier call.
	opMu sync.Mutex

	mu         sync.Mutex
	current    int
	window     []Metrics
	history    []Event
	lastAction time.Time

	sourceLog rate.Sometimes
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a scaler driving applier.
func New(applier Applier, opts ...Option) (*Scaler, error) {
	if applier == nil {
		return nil, errors.New("autoscaler: applier is required")
	}
	o := newOptions(opts)
	if err := o.cfg.validate(); err != nil {
		return nil, fmt.Errorf("autoscaler: %w", err)
	}
	if o.cfg.InitialInstances == 0 {
		o.cfg.InitialInstances = o.cfg.MinInstances
	}

	s := &Scaler{
		applier:   applier,
		cfg:       o.cfg,
		source:    o.source,
		hooks:     o.hooks,
		log:       o.log,
		metrics:   o.metrics,
		now:       o.now,
		current:   clamp(o.cfg.InitialInstances, o.cfg.MinInstances, o.cfg.MaxInstances),
		sourceLog: rate.Sometimes{First: 1, Interval: time.Minute},
		stop:      make(chan struct{}),
	}
	s.metrics.ScalerInstances.Set(float64(s.current))
	return s, nil
}

// UpdateMetrics adds a sample to the window, dropping the oldest beyond WindowSize.
func (s *Scaler) UpdateMetrics(m Metrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = append(s.window, m)
	if over := len(s.window) - s.cfg.WindowSize; over > 0 {
		s.window = append(s.window[:0], s.window[over:]...)
	}
}

// Evaluate decides on a capacity change from the current window and applies it.
// The returned event is also appended to the history.
func (s *Scaler) Evaluate(ctx context.Context) Event {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	now := s.now()
	s.mu.Lock()
	current := s.current
	samples := len(s.window)
	avg := s.averageLocked()
	cooling := !s.lastAction.IsZero() && now.Sub(s.lastAction) < s.cfg.CooldownPeriod
	s.mu.Unlock()

	ev := Event{Timestamp: now, Action: ActionNone, From: current, To: current, Metrics: avg}
	switch {
	case cooling:
		ev.Reason = "cooldown active"
	case samples == 0:
		ev.Reason = "no metrics"
	default:
		target, reasons := s.decide(current, avg)
		if target == current {
			ev.Reason = "within targets"
			break
		}
		ev.To = target
		ev.Action = direction(current, target)
		ev.Reason = strings.Join(reasons, "; ")
		ev, _ = s.apply(ctx, ev)
		return ev
	}

	s.record(ev)
	return ev
}

// ManualScale sets capacity to n, clamped to the bounds, ignoring the cooldown.
func (s *Scaler) ManualScale(ctx context.Context, n int) (Event, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current := s.current
	avg := s.averageLocked()
	s.mu.Unlock()

	target := clamp(n, s.cfg.MinInstances, s.cfg.MaxInstances)
	ev := Event{
		Timestamp: s.now(),
		Action:    direction(current, target),
		Reason:    fmt.Sprintf("manual scale to %d", n),
		From:      current,
		To:        target,
		Metrics:   avg,
		Manual:    true,
	}
	if target != n {
		ev.Reason = fmt.Sprintf("manual scale to %d, clamped to %d", n, target)
	}
	if target == current {
		s.record(ev)
		return ev, nil
	}
	return s.apply(ctx, ev)
}

// apply emits OnScaling, calls the applier and records the result. On failure the
// instance count is left unchanged and a no_action event is recorded instead.
func (s *Scaler) apply(ctx context.Context, ev Event) (Event, error) {
	if s.hooks.OnScaling != nil {
		s.hooks.OnScaling(ev)
	}

	if err := s.applier.Scale(ctx, ev.To); err != nil {
		err = fmt.Errorf("autoscaler: %d -> %d instances: %w: %w", ev.From, ev.To, errs.ErrScaling, err)
		s.log.Error().Err(err).Str("reason", ev.Reason).Msg("Scaling failed")
		if s.hooks.OnError != nil {
			s.hooks.OnError(err)
		}
		failed := ev
		failed.Action = ActionNone
		failed.To = ev.From
		failed.Reason = "scaling failed: " + err.Error()
		s.record(failed)
		return failed, err
	}

	s.mu.Lock()
	s.current = ev.To
	s.lastAction = ev.Timestamp
	s.mu.Unlock()
	s.metrics.ScalerInstances.Set(float64(ev.To))

	s.log.Info().
		Str("action", ev.Action.String()).
		Int("from", ev.From).
		Int("to", ev.To).
		Bool("manual", ev.Manual).
		Str("reason", ev.Reason).
		Msg("Scaled instances")
	if s.hooks.OnScaled != nil {
		s.hooks.OnScaled(ev)
	}
	s.record(ev)
	return ev, nil
}

// decide returns the clamped target capacity and the estimates that moved it.
func (s *Scaler) decide(current int, m Metrics) (int, []string) {
	var reasons []string

	byUtil := ceil(float64(current) * m.Utilization / s.cfg.TargetUtilization)
	if byUtil != current {
		reasons = append(reasons, fmt.Sprintf("utilization %.2f vs target %.2f suggests %d",
			m.Utilization, s.cfg.TargetUtilization, byUtil))
	}

	byQueue := current
	perInstance := float64(m.QueueLength) / float64(max(current, 1))
	switch {
	case perInstance > s.cfg.QueueUp:
		byQueue = ceil(float64(m.QueueLength) / s.cfg.QueueUp)
		reasons = append(reasons, fmt.Sprintf("queue %d (%.1f per instance) suggests %d",
			m.QueueLength, perInstance, byQueue))
	case perInstance < s.cfg.QueueDown:
		byQueue = current - 1
	}

	target := float64(s.cfg.TargetResponseTime)
	byResponse := current
	switch rt := float64(m.ResponseTime); {
	case rt > 1.5*target:
		byResponse = ceil(float64(current) * 1.5)
		reasons = append(reasons, fmt.Sprintf("response time %s vs target %s suggests %d",
			m.ResponseTime.Round(time.Millisecond), s.cfg.TargetResponseTime, byResponse))
	case rt < 0.5*target:
		byResponse = int(math.Floor(float64(current) * 0.8))
	}

	want := clamp(max(byUtil, byQueue, byResponse), s.cfg.MinInstances, s.cfg.MaxInstances)
	if want < current {
		// Every estimate agreed on less capacity.
		reasons = append(reasons, fmt.Sprintf("utilization %.2f, queue %d and response time %s allow %d",
			m.Utilization, m.QueueLength, m.ResponseTime.Round(time.Millisecond), want))
	}
	return want, reasons
}

// Run polls the source and evaluates every EvaluationInterval until ctx is done or
// Stop is called.
func (s *Scaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.EvaluationInterval)
	defer ticker.Stop()

	s.log.Info().
		Int("min", s.cfg.MinInstances).
		Int("max", s.cfg.MaxInstances).
		Dur("interval", s.cfg.EvaluationInterval).
		Msg("Auto-scaler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.poll(ctx)
			s.Evaluate(ctx)
		}
	}
}

// Stop ends Run.
func (s *Scaler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scaler) poll(ctx context.Context) {
	if s.source == nil {
		return
	}
	m, err := s.source.Collect(ctx)
	if err != nil {
		s.sourceLog.Do(func() {
			s.log.Warn().Err(err).Msg("Collecting scaler metrics failed")
		})
		if s.hooks.OnError != nil {
			s.hooks.OnError(fmt.Errorf("autoscaler: collect: %w", err))
		}
		if m == (Metrics{}) {
			return
		}
	}
	s.UpdateMetrics(m)
}

// Current returns the instance count last applied.
func (s *Scaler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Average returns the mean of the current window.
func (s *Scaler) Average() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averageLocked()
}

// History returns the retained events, oldest first.
func (s *Scaler) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Config returns the scaler configuration.
func (s *Scaler) Config() Config { return s.cfg }

func (s *Scaler) record(ev Event) {
	s.metrics.ScalingEvents.WithLabelValues(ev.Action.String()).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, ev)
	if over := len(s.history) - s.cfg.HistorySize; s.cfg.HistorySize > 0 && over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Scaler) averageLocked() Metrics {
	n := len(s.window)
	if n == 0 {
		return Metrics{}
	}
	var avg Metrics
	var queue, rt float64
	for _, m := range s.window {
		avg.Utilization += m.Utilization
		avg.RequestRate += m.RequestRate
		avg.CPU += m.CPU
		avg.Memory += m.Memory
		queue += float64(m.QueueLength)
		rt += float64(m.ResponseTime)
	}
	f := float64(n)
	avg.Utilization /= f
	avg.RequestRate /= f
	avg.CPU /= f
	avg.Memory /= f
	avg.QueueLength = int(math.Round(queue / f))
	avg.ResponseTime = time.Duration(rt / f)
	avg.Timestamp = s.window[n-1].Timestamp
	return avg
}

func direction(from, to int) Action {
	switch {
	case to > from:
		return ActionScaleUp
	case to < from:
		return ActionScaleDown
	default:
		return ActionNone
	}
}

// ceil rounds up, ignoring float noise such as 4*0.7/0.7 = 4.000000000000001.
func ceil(x float64) int {
	return int(math.Ceil(x - 1e-9))
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}
