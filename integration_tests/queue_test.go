package integration_tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/docflow/pkg/queue"
	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

// setupIntegrationRedis connects to a real Redis instance.
// Requires docker-compose up -d to be running, or DOCFLOW_REDIS_ADDR to point elsewhere.
func setupIntegrationRedis(t *testing.T) (*queue.Client, *redis.Client) {
	addr := os.Getenv("DOCFLOW_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("Skipping integration test: Redis not reachable at %s (%v)", addr, err)
	}

	keys := []string{queue.ProcessingQueue, queue.CompletedQueue, queue.DeadLetterQueue}
	for _, p := range tasks.Priorities {
		keys = append(keys, queue.QueueName(p), "delayed_queue:"+p.String())
	}
	rdb.Del(context.Background(), keys...)
	t.Cleanup(func() {
		rdb.Del(context.Background(), keys...)
		_ = rdb.Close()
	})

	return queue.New(rdb), rdb
}

func TestIntegrationFlow(t *testing.T) {
	client, _ := setupIntegrationRedis(t)
	ctx := context.Background()

	task := &tasks.Task{
		ID:       "integration-test-1",
		Type:     "integration",
		Payload:  map[string]string{"msg": "hello"},
		Priority: tasks.PriorityHigh,
	}
	require.NoError(t, client.Enqueue(ctx, task))

	dequeued, raw, err := client.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.ID, dequeued.ID)

	require.NoError(t, client.Ack(ctx, raw))

	depths := client.GetQueueDepths(ctx)
	assert.Zero(t, depths[queue.QueueName(tasks.PriorityHigh)])
	assert.Zero(t, depths[queue.ProcessingQueue])
}

func TestIntegrationFeeder(t *testing.T) {
	client, rdb := setupIntegrationRedis(t)
	ctx := context.Background()

	pool, err := workerpool.New(func(_ context.Context, task *tasks.Task) (any, error) {
		return task.Type, nil
	}, workerpool.WithMinWorkers(2), workerpool.WithMaxWorkers(4))
	require.NoError(t, err)
	defer pool.Shutdown(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = queue.NewFeeder(client, pool, queue.WithPollWait(100*time.Millisecond)).Run(runCtx) }()

	for _, p := range tasks.Priorities {
		require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "integration", Priority: p}))
	}

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, queue.CompletedQueue).Result()
		return err == nil && n == int64(len(tasks.Priorities))
	}, 5*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		return pool.Stats().Completed == uint64(len(tasks.Priorities))
	}, time.Second, 10*time.Millisecond)
}
