// Package retry provides the retry policy shared by the worker pool and the batch
// orchestrator: a bounded number of retries separated by exponentially growing delays.
//
// Each component owns its own Policy value, so the batch orchestrator can run without
// a worker pool underneath it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default policy values.
const (
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second
)

// Policy describes how long to wait between attempts.
// The delay before retry n (0-based) is BaseDelay * Multiplier^n, capped at MaxDelay.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

// WithMultiplier sets the growth factor between consecutive delays.
func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.Multiplier = m }
}

// WithMaxDelay caps a single delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

// NewPolicy creates a Policy with the given options. Unset options use defaults.
func NewPolicy(opts ...Option) Policy {
	p := Policy{
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Delay returns the wait before retry n, where n counts retries already used.
func (p Policy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NewBackOff builds a deterministic exponential backoff allowing maxRetries retries
// and stopping early when ctx is done.
func (p Policy) NewBackOff(ctx context.Context, maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = DefaultMaxDelay
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}
