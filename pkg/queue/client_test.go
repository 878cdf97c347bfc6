package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/docflow/pkg/tasks"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, New(rdb), rdb
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "queue:medium", QueueName(tasks.PriorityMedium))
	assert.Equal(t, "queue:critical", QueueName(tasks.PriorityCritical))
	assert.Equal(t, "delayed_queue:low", delayedName(tasks.PriorityLow))
}

func TestEnqueue(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	task := &tasks.Task{
		Type:     "ocr",
		Priority: tasks.PriorityMedium,
		Payload:  map[string]string{"file": "scan.pdf"},
	}
	require.NoError(t, client.Enqueue(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.CreatedAt.IsZero())

	n, err := rdb.LLen(ctx, "queue:medium").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// An unset priority is the zero value, which is low.
	require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "ocr"}))
	n, err = rdb.LLen(ctx, "queue:low").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	err = client.Enqueue(ctx, &tasks.Task{Type: "ocr", Priority: tasks.Priority(7)})
	assert.Error(t, err)
}

func TestPriorityDequeue(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id string
		p  tasks.Priority
	}{
		{"low", tasks.PriorityLow},
		{"high", tasks.PriorityHigh},
		{"medium", tasks.PriorityMedium},
		{"critical", tasks.PriorityCritical},
		{"high-2", tasks.PriorityHigh},
	} {
		require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: tc.id, Type: "test", Priority: tc.p}))
	}

	var got []string
	for range 5 {
		task, raw, err := client.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, raw)
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"critical", "high", "high-2", "medium", "low"}, got)

	n, err := rdb.LLen(ctx, ProcessingQueue).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	_, _, err = client.Dequeue(ctx, 0)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestDequeue_BlocksForCritical(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx := context.Background()

	start := time.Now()
	_, _, err := client.Dequeue(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, redis.Nil)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDequeue_Malformed(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rdb.RPush(ctx, "queue:high", "not json").Err())
	task, raw, err := client.Dequeue(ctx, 0)
	assert.Error(t, err)
	assert.Nil(t, task)
	assert.Equal(t, "not json", raw)
}

func TestRetry(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "r1", Type: "test", Priority: tasks.PriorityHigh, RetriesAllowed: 3}))
	task, raw, err := client.Dequeue(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, client.Retry(ctx, task, raw, time.Minute))
	assert.Equal(t, 0, task.RetriesUsed, "caller's task is not mutated")

	members, err := rdb.ZRangeWithScores(ctx, "delayed_queue:high", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Greater(t, members[0].Score, float64(time.Now().UnixNano()))

	var delayed tasks.Task
	require.NoError(t, json.Unmarshal([]byte(members[0].Member.(string)), &delayed))
	assert.Equal(t, 1, delayed.RetriesUsed)

	n, err := rdb.LLen(ctx, ProcessingQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPromoteDue(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "now", Type: "test", Priority: tasks.PriorityLow}))
	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "later", Type: "test", Priority: tasks.PriorityCritical}))

	now, raw, err := client.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "later", now.ID)
	require.NoError(t, client.Requeue(ctx, now, raw, time.Hour))

	low, raw, err := client.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "now", low.ID)
	require.NoError(t, client.Requeue(ctx, low, raw, -time.Second))

	moved, err := client.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	n, err := rdb.LLen(ctx, "queue:low").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "promoted into its own priority list")
	n, err = rdb.ZCard(ctx, "delayed_queue:critical").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "future task stays delayed")
}

func TestCompleteAndFail(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "ok", Type: "test"}))
	require.NoError(t, client.Enqueue(ctx, &tasks.Task{ID: "bad", Type: "test"}))

	ok, okRaw, err := client.Dequeue(ctx, 0)
	require.NoError(t, err)
	bad, badRaw, err := client.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "ok", ok.ID)

	require.NoError(t, client.Complete(ctx, okRaw))
	require.NoError(t, client.Fail(ctx, bad, badRaw))

	completed, err := rdb.LRange(ctx, CompletedQueue, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{okRaw}, completed)

	dlq, err := client.InspectQueue(ctx, DeadLetterQueue, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "bad", dlq[0].ID)

	n, err := rdb.LLen(ctx, ProcessingQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTaskResult(t *testing.T) {
	s, client, _ := setupTestRedis(t)
	ctx := context.Background()

	taskID := "result-test-id"
	require.NoError(t, client.SetResult(ctx, taskID, map[string]string{"status": "success"}))

	resultJSON, err := client.GetResult(ctx, taskID)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultJSON), &result))
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, resultTTL, s.TTL("result:"+taskID))

	_, err = client.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestSchedule(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	client.StartCronScheduler()
	defer client.StopCronScheduler()

	_, err := client.Schedule("@every 1s", tasks.Task{ID: "template", Type: "cleanup", Priority: tasks.PriorityLow})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, "queue:low").Result()
		return err == nil && n >= 1
	}, 3*time.Second, 50*time.Millisecond)

	queued, err := client.InspectQueue(ctx, "queue:low", 1)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.NotEqual(t, "template", queued[0].ID)
	assert.Equal(t, "cleanup", queued[0].Type)

	_, err = client.Schedule("not a cron spec", tasks.Task{Type: "x"})
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	ctx := context.Background()

	key := "ratelimit:test"

	allowed, err := client.Allow(ctx, key, 1, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = client.Allow(ctx, key, 1, 2)
	require.NoError(t, err)
	assert.True(t, allowed, "burst of two")
	allowed, err = client.Allow(ctx, key, 1, 2)
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(1100 * time.Millisecond)

	allowed, err = client.Allow(ctx, key, 1, 2)
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after a second")
}

func TestQueueDepthsAndBacklog(t *testing.T) {
	_, client, rdb := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "a", Priority: tasks.PriorityHigh}))
	require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "b", Priority: tasks.PriorityLow}))
	require.NoError(t, client.Enqueue(ctx, &tasks.Task{Type: "c", Priority: tasks.PriorityLow}))
	require.NoError(t, rdb.RPush(ctx, "queue:medium", "garbage").Err())

	backlog, err := client.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, backlog)

	depths := client.GetQueueDepths(ctx)
	assert.EqualValues(t, 1, depths["queue:high"])
	assert.EqualValues(t, 2, depths["queue:low"])
	assert.EqualValues(t, 0, depths["delayed_queue:critical"])
	assert.EqualValues(t, 0, depths[DeadLetterQueue])

	medium, err := client.InspectQueue(ctx, "queue:medium", 10)
	require.NoError(t, err)
	assert.Empty(t, medium, "malformed entries are skipped")
}
