// Package queue provides the Redis intake in front of the worker pool.
// It supports reliable task hand-off with features including:
//   - One list per priority, dequeued highest priority first with LMove/BLMove
//   - A processing list holding tasks between dequeue and completion
//   - Delayed retries in per-priority sorted sets, promoted by a Lua script
//   - A Dead Letter Queue (DLQ) for permanently failed tasks
//   - Cron-scheduled recurring tasks and a Lua token bucket rate limiter
//
// The Client type wraps the Redis commands; Feeder moves tasks from Redis into a
// workerpool.Pool and writes the outcomes back.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// Redis keys.
const (
	ProcessingQueue = "processing_queue"
	CompletedQueue  = "completed_queue"
	DeadLetterQueue = "dead_letter_queue"
	delayedPrefix   = "delayed_queue:"

	completedHistory = 100
	resultTTL        = 24 * time.Hour
)

// QueueName returns the list holding tasks of priority p.
func QueueName(p tasks.Priority) string {
	return "queue:" + p.String()
}

func delayedName(p tasks.Priority) string {
	return delayedPrefix + p.String()
}

// Client manages the Redis connection and the queue operations.
// All operations are context-aware.
type Client struct {
	rdb     redis.UniversalClient
	cron    *cron.Cron
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(log zerolog.Logger) Option { return func(c *Client) { c.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:  rdb,
		cron: cron.New(cron.WithSeconds()),
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNop()
	}
	return c
}

// NewClient creates a client connected to addr ("host:port").
//
// Example:
//
//	client := queue.NewClient("localhost:6379")
func NewClient(addr string, opts ...Option) *Client {
	return New(redis.NewClient(&redis.Options{Addr: addr}), opts...)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Enqueue appends task to the list of its priority. A task without an ID or
// creation time gets one.
func (c *Client) Enqueue(ctx context.Context, task *tasks.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("enqueue %s: invalid priority %d", task.ID, int(task.Priority))
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, QueueName(task.Priority), data).Err()
}

// Dequeue atomically moves the oldest task of the highest non-empty priority into
// the processing list. When every list is empty it blocks up to wait for a
// critical task and returns redis.Nil if none arrives.
//
// The raw string is needed to Complete, Retry, Requeue or Fail the task later.
func (c *Client) Dequeue(ctx context.Context, wait time.Duration) (*tasks.Task, string, error) {
	for _, p := range tasks.Priorities {
		raw, err := c.rdb.LMove(ctx, QueueName(p), ProcessingQueue, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return decode(raw)
	}

	if wait <= 0 {
		return nil, "", redis.Nil
	}
	raw, err := c.rdb.BLMove(ctx, QueueName(tasks.PriorityCritical), ProcessingQueue, "LEFT", "RIGHT", wait).Result()
	if err != nil {
		return nil, "", err
	}
	return decode(raw)
}

func decode(raw string) (*tasks.Task, string, error) {
	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, raw, fmt.Errorf("decode task: %w", err)
	}
	return &task, raw, nil
}

// Ack removes a task from the processing list without keeping history.
func (c *Client) Ack(ctx context.Context, rawTask string) error {
	return c.rdb.LRem(ctx, ProcessingQueue, 1, rawTask).Err()
}

// Complete moves a task from the processing list to the completed list, which keeps
// the last 100 entries.
func (c *Client) Complete(ctx context.Context, rawTask string) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, ProcessingQueue, 1, rawTask)
	pipe.RPush(ctx, CompletedQueue, rawTask)
	pipe.LTrim(ctx, CompletedQueue, -completedHistory, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry consumes one retry of task and schedules it again after delay.
func (c *Client) Retry(ctx context.Context, task *tasks.Task, rawTask string, delay time.Duration) error {
	t := task.Clone()
	t.RetriesUsed++
	return c.Requeue(ctx, t, rawTask, delay)
}

// Requeue schedules task again after delay without touching its retry count.
// Used for rate-limited and rejected tasks.
//
// Atomically:
//  1. Adds the task to the delayed set of its priority, scored by due time
//  2. Removes the original from the processing list
func (c *Client) Requeue(ctx context.Context, task *tasks.Task, rawTask string, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	processAt := time.Now().Add(delay)

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, delayedName(task.Priority), redis.Z{
		Score:  float64(processAt.UnixNano()),
		Member: data,
	})
	pipe.LRem(ctx, ProcessingQueue, 1, rawTask)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a permanently failed task to the Dead Letter Queue.
// Tasks in the DLQ can be inspected for debugging or manually replayed.
func (c *Client) Fail(ctx context.Context, task *tasks.Task, rawTask string) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, DeadLetterQueue, data)
	pipe.LRem(ctx, ProcessingQueue, 1, rawTask)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteScript moves every due member of a delayed set to the tail of its list.
// Running it atomically keeps concurrent schedulers from promoting a task twice.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, task in ipairs(due) do
			redis.call('RPUSH', queue_key, task)
		end
	end
	return #due
`)

// PromoteDue moves due delayed tasks back to their priority lists and returns how
// many were moved.
func (c *Client) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano())
	total := 0
	for _, p := range tasks.Priorities {
		n, err := promoteScript.Run(ctx, c.rdb, []string{delayedName(p), QueueName(p)}, now).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return total, fmt.Errorf("promote %s: %w", delayedName(p), err)
		}
		total += n
	}
	return total, nil
}

// StartScheduler promotes due delayed tasks every 500ms until ctx is cancelled.
//
// Usage:
//
//	go client.StartScheduler(ctx)
func (c *Client) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("Scheduler error")
			}
		}
	}
}

// GetQueueDepths returns the current length of every list and delayed set.
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	for _, p := range tasks.Priorities {
		if n, err := c.rdb.LLen(ctx, QueueName(p)).Result(); err == nil {
			depths[QueueName(p)] = n
		}
		if n, err := c.rdb.ZCard(ctx, delayedName(p)).Result(); err == nil {
			depths[delayedName(p)] = n
		}
	}
	for _, q := range []string{ProcessingQueue, DeadLetterQueue} {
		if n, err := c.rdb.LLen(ctx, q).Result(); err == nil {
			depths[q] = n
		}
	}

	for name, n := range depths {
		c.metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
	return depths
}

// Backlog returns the number of tasks waiting in the priority lists.
func (c *Client) Backlog(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range tasks.Priorities {
		n, err := c.rdb.LLen(ctx, QueueName(p)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func resultKey(taskID string) string {
	return fmt.Sprintf("result:%s", taskID)
}

// SetResult stores the JSON encoding of result under "result:{taskID}" for 24 hours.
func (c *Client) SetResult(ctx context.Context, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, resultKey(taskID), data, resultTTL).Err()
}

// GetResult returns the raw JSON stored by SetResult.
func (c *Client) GetResult(ctx context.Context, taskID string) (string, error) {
	return c.rdb.Get(ctx, resultKey(taskID)).Result()
}

// Schedule registers a cron job enqueueing a copy of template on every run.
// Each copy gets a fresh ID and creation time. The spec accepts an optional
// seconds field (e.g. "*/10 * * * * *") and descriptors such as "@every 1m".
func (c *Client) Schedule(spec string, template tasks.Task) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		task := template.Clone()
		task.ID = uuid.NewString()
		task.CreatedAt = time.Now()
		task.RetriesUsed = 0

		if err := c.Enqueue(context.Background(), task); err != nil {
			c.log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled task")
			return
		}
		c.log.Info().Str("type", task.Type).Str("task_id", task.ID).Str("spec", spec).Msg("Scheduled task enqueued")
	})
}

// Unschedule removes a cron job.
func (c *Client) Unschedule(id cron.EntryID) {
	c.cron.Remove(id)
}

// StartCronScheduler starts the cron scheduler in a background goroutine.
func (c *Client) StartCronScheduler() {
	c.cron.Start()
}

// StopCronScheduler stops the cron scheduler and waits for running jobs.
func (c *Client) StopCronScheduler() {
	<-c.cron.Stop().Done()
}

// allowScript is a token bucket.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec), ARGV[2]: burst (capacity),
// ARGV[3]: now (seconds, fractional), ARGV[4]: tokens requested
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', tostring(new_tokens), 'last_refill', tostring(now))
	return allowed
`)

// Allow takes one token from the bucket at key, refilled at limit tokens per
// second up to burst. It reports whether a token was available.
func (c *Client) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	n, err := allowScript.Run(ctx, c.rdb, []string{key}, limit, burst, now, 1).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InspectQueue returns up to limit tasks from the head of a list or delayed set
// without removing them. Malformed entries are skipped.
func (c *Client) InspectQueue(ctx context.Context, queueName string, limit int64) ([]*tasks.Task, error) {
	var raws []string
	var err error
	if strings.HasPrefix(queueName, delayedPrefix) {
		raws, err = c.rdb.ZRange(ctx, queueName, 0, limit-1).Result()
	} else {
		raws, err = c.rdb.LRange(ctx, queueName, 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]*tasks.Task, 0, len(raws))
	for _, raw := range raws {
		t, _, err := decode(raw)
		if err != nil {
			c.log.Debug().Err(err).Str("queue", queueName).Msg("Skipping malformed task")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
