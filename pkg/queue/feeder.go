package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/docflow/pkg/errs"
	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

// Default feeder values.
const (
	defaultPollWait     = time.Second
	defaultRequeueDelay = 5 * time.Second
)

// Feeder pulls tasks from Redis, admits them through the per-type token bucket and
// submits them to a worker pool. Outcomes are written back: successes are completed
// and their results stored, exhausted tasks go to the DLQ. Tasks the pool cannot
// take are requeued rather than dropped.
type Feeder struct {
	client *Client
	pool   *workerpool.Pool

	rateLimit    int
	rateBurst    int
	pollWait     time.Duration
	requeueDelay time.Duration

	inflight sync.WaitGroup
}

// FeederOption configures a Feeder.
type FeederOption func(*Feeder)

// WithRateLimit admits at most limit tasks per second per task type, with bursts
// up to burst. A zero limit disables rate limiting.
func WithRateLimit(limit, burst int) FeederOption {
	return func(f *Feeder) {
		f.rateLimit = limit
		f.rateBurst = burst
	}
}

// WithPollWait sets how long a dequeue blocks on empty lists.
func WithPollWait(d time.Duration) FeederOption { return func(f *Feeder) { f.pollWait = d } }

// WithRequeueDelay sets the delay for rate-limited or rejected tasks.
func WithRequeueDelay(d time.Duration) FeederOption {
	return func(f *Feeder) { f.requeueDelay = d }
}

// NewFeeder creates a feeder from client into pool.
func NewFeeder(client *Client, pool *workerpool.Pool, opts ...FeederOption) *Feeder {
	f := &Feeder{
		client:       client,
		pool:         pool,
		pollWait:     defaultPollWait,
		requeueDelay: defaultRequeueDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.rateBurst < f.rateLimit {
		f.rateBurst = f.rateLimit
	}
	return f
}

// Run feeds the pool until ctx is cancelled, then waits for submitted tasks to
// report back. Redis errors are retried with exponential backoff.
func (f *Feeder) Run(ctx context.Context) error {
	log := f.client.log
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxElapsedTime = 0
	reconnect.MaxInterval = 10 * time.Second

	log.Info().Int("rate_limit", f.rateLimit).Msg("Feeder started. Waiting for tasks...")
	defer f.inflight.Wait()

	for ctx.Err() == nil {
		task, raw, err := f.client.Dequeue(ctx, f.pollWait)
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil && raw != "":
			// Undecodable payload: park it in the DLQ as-is.
			log.Error().Err(err).Msg("Malformed task, moving to dead letter queue")
			f.deadLetterRaw(ctx, raw)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait := reconnect.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		reconnect.Reset()

		if !f.admit(ctx, task, raw) {
			continue
		}
		if !f.dispatch(ctx, task, raw) {
			// The pool is saturated or closing; give it a moment before pulling more.
			select {
			case <-ctx.Done():
			case <-time.After(f.pollWait):
			}
		}
	}
	return nil
}

// admit applies the token bucket. A rate limiter failure lets the task through.
func (f *Feeder) admit(ctx context.Context, task *tasks.Task, raw string) bool {
	if f.rateLimit <= 0 {
		return true
	}
	allowed, err := f.client.Allow(ctx, fmt.Sprintf("ratelimit:%s", task.Type), f.rateLimit, f.rateBurst)
	if err != nil {
		f.client.log.Error().Err(err).Str("type", task.Type).Msg("Rate limit check failed")
		return true
	}
	if allowed {
		return true
	}
	f.client.log.Warn().Str("type", task.Type).Str("task_id", task.ID).Msg("Rate limit exceeded, re-queueing")
	f.requeue(ctx, task, raw)
	return false
}

// dispatch submits task to the pool and reports whether the pool accepted it.
func (f *Feeder) dispatch(ctx context.Context, task *tasks.Task, raw string) bool {
	h, err := f.pool.Submit(ctx, task)
	switch {
	case errors.Is(err, errs.ErrPoolExhausted), errors.Is(err, errs.ErrPoolClosed), errors.Is(err, context.Canceled):
		f.requeue(ctx, task, raw)
		return false
	case err != nil:
		f.client.log.Error().Err(err).Str("task_id", task.ID).Msg("Task rejected by pool")
		f.fail(context.WithoutCancel(ctx), task, raw, tasks.Result{TaskID: task.ID, Type: task.Type, Err: err, Error: err.Error()})
		return true
	}

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		// Write-back must happen even while the feeder is shutting down.
		wctx := context.WithoutCancel(ctx)
		res, err := h.Wait(wctx)
		switch {
		case err == nil:
			if err := f.client.SetResult(wctx, res.TaskID, res); err != nil {
				f.client.log.Error().Err(err).Str("task_id", res.TaskID).Msg("Failed to store result")
			}
			if err := f.client.Complete(wctx, raw); err != nil {
				f.client.log.Error().Err(err).Str("task_id", res.TaskID).Msg("Failed to complete task")
			}
		case errors.Is(err, errs.ErrPoolClosed), errors.Is(err, errs.ErrTaskCancelled):
			f.requeue(wctx, task, raw)
		default:
			t := task.Clone()
			t.RetriesUsed = res.RetriesUsed
			f.fail(wctx, t, raw, res)
		}
	}()
	return true
}

func (f *Feeder) requeue(ctx context.Context, task *tasks.Task, raw string) {
	if err := f.client.Requeue(context.WithoutCancel(ctx), task, raw, f.requeueDelay); err != nil {
		f.client.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to requeue task")
	}
}

func (f *Feeder) fail(ctx context.Context, task *tasks.Task, raw string, res tasks.Result) {
	if err := f.client.SetResult(ctx, task.ID, res); err != nil {
		f.client.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to store result")
	}
	if err := f.client.Fail(ctx, task, raw); err != nil {
		f.client.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to dead-letter task")
	}
}

func (f *Feeder) deadLetterRaw(ctx context.Context, raw string) {
	pipe := f.client.rdb.TxPipeline()
	pipe.RPush(ctx, DeadLetterQueue, raw)
	pipe.LRem(ctx, ProcessingQueue, 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		f.client.log.Error().Err(err).Msg("Failed to dead-letter malformed task")
	}
}
