package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/docflow/pkg/retry"
	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

func newTestPool(t *testing.T, proc workerpool.Processor, opts ...workerpool.Option) *workerpool.Pool {
	t.Helper()
	opts = append([]workerpool.Option{
		workerpool.WithMinWorkers(1),
		workerpool.WithMaxWorkers(2),
		workerpool.WithRetryPolicy(retry.NewPolicy(retry.WithBaseDelay(time.Millisecond))),
	}, opts...)
	pool, err := workerpool.New(proc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func runFeeder(t *testing.T, f *Feeder) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("feeder did not stop")
		}
	})
	return cancel
}

func TestFeeder_CompletesAndStoresResult(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	pool := newTestPool(t, func(_ context.Context, task *tasks.Task) (any, error) {
		return "parsed " + task.ID, nil
	})
	runFeeder(t, NewFeeder(client, pool, WithPollWait(20*time.Millisecond)))

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "doc-1", Type: "parse"}))

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, CompletedQueue).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	raw, err := client.GetResult(ctx, "doc-1")
	require.NoError(t, err)
	var res tasks.Result
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.Equal(t, "parsed doc-1", res.Value)
	assert.Empty(t, res.Error)

	n, err := rdb.LLen(ctx, ProcessingQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFeeder_ExhaustedGoesToDeadLetter(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := newTestPool(t, func(context.Context, *tasks.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("corrupt document")
	})
	runFeeder(t, NewFeeder(client, pool, WithPollWait(20*time.Millisecond)))

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "doc-bad", Type: "parse", RetriesAllowed: 2}))

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, DeadLetterQueue).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())

	dlq, err := client.InspectQueue(ctx, DeadLetterQueue, 1)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, 2, dlq[0].RetriesUsed)

	raw, err := client.GetResult(ctx, "doc-bad")
	require.NoError(t, err)
	assert.Contains(t, raw, "corrupt document")
}

func TestFeeder_RateLimitRequeues(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	pool := newTestPool(t, func(context.Context, *tasks.Task) (any, error) { return nil, nil })
	runFeeder(t, NewFeeder(client, pool,
		WithPollWait(20*time.Millisecond),
		WithRateLimit(1, 1),
		WithRequeueDelay(time.Hour),
	))

	for range 3 {
		require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "thumbnail", Priority: tasks.PriorityMedium}))
	}

	require.Eventually(t, func() bool {
		done, err1 := rdb.LLen(ctx, CompletedQueue).Result()
		delayed, err2 := rdb.ZCard(ctx, "delayed_queue:medium").Result()
		return err1 == nil && err2 == nil && done == 1 && delayed == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFeeder_MalformedPayload(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	pool := newTestPool(t, func(context.Context, *tasks.Task) (any, error) { return nil, nil })
	runFeeder(t, NewFeeder(client, pool, WithPollWait(20*time.Millisecond)))

	require.NoError(t, rdb.RPush(ctx, "queue:high", "{broken").Err())

	require.Eventually(t, func() bool {
		items, err := rdb.LRange(ctx, DeadLetterQueue, 0, -1).Result()
		return err == nil && len(items) == 1 && items[0] == "{broken"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFeeder_ClosedPoolRequeues(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	pool := newTestPool(t, func(context.Context, *tasks.Task) (any, error) { return nil, nil })
	require.NoError(t, pool.Shutdown(ctx))
	runFeeder(t, NewFeeder(client, pool, WithPollWait(20*time.Millisecond), WithRequeueDelay(time.Hour)))

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "kept", Type: "parse", Priority: tasks.PriorityMedium}))

	require.Eventually(t, func() bool {
		delayed, err := client.InspectQueue(ctx, "delayed_queue:medium", 10)
		return err == nil && len(delayed) == 1 && delayed[0].ID == "kept"
	}, 3*time.Second, 10*time.Millisecond)

	n, err := rdb.LLen(ctx, DeadLetterQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
