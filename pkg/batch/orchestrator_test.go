package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/docflow/pkg/errs"
	"github.com/guido-cesarano/docflow/pkg/retry"
	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

var fastRetry = WithRetryPolicy(retry.NewPolicy(retry.WithBaseDelay(time.Millisecond)))

func fixedMemory(n uint64) Option {
	return WithMemorySampler(func() (uint64, error) { return n, nil })
}

func newTestOrchestrator(t *testing.T, runner Runner, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(runner, append([]Option{fastRetry, fixedMemory(64 << 20)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func makeFiles(n int) []File {
	files := make([]File, n)
	for i := range files {
		files[i] = File{
			ID:   fmt.Sprintf("f%02d", i),
			Name: fmt.Sprintf("doc-%02d.pdf", i),
			Path: fmt.Sprintf("/data/doc-%02d.pdf", i),
			Size: 1 << 20,
		}
	}
	return files
}

func fileOf(task *tasks.Task) File { return task.Payload.(File) }

func TestOrchestrator_CompletesJobWithOneBadFile(t *testing.T) {
	var inFlight, peak atomic.Int32
	var badAttempts atomic.Int32
	runner := DirectRunner(func(_ context.Context, task *tasks.Task) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)

		f := fileOf(task)
		if f.ID == "f07" {
			badAttempts.Add(1)
			return nil, errors.New("unreadable document")
		}
		return "text of " + f.Name, nil
	})

	var mu sync.Mutex
	var updates []Progress
	var completed *Result
	o := newTestOrchestrator(t, runner, WithHooks(Hooks{
		OnProgress: func(p Progress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		},
		OnCompleted: func(r *Result) {
			mu.Lock()
			completed = r
			mu.Unlock()
		},
	}))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{Files: makeFiles(10), Config: JobConfig{MaxConcurrency: 3, Retries: 2}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalFiles)
	assert.Equal(t, 9, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Cancelled)
	assert.Len(t, res.FileResults, 10)
	assert.Equal(t, int64(9<<20), res.BytesProcessed)
	assert.Equal(t, uint64(64<<20), res.PeakMemoryBytes)
	assert.Greater(t, res.Throughput, 0.0)
	assert.Greater(t, res.EstimatedCost, 0.0)
	assert.Equal(t, int32(3), badAttempts.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))

	for _, fr := range res.FileResults {
		if fr.FileID == "f07" {
			assert.False(t, fr.Success)
			assert.Equal(t, 3, fr.Attempts)
			assert.Contains(t, fr.Error, "unreadable")
		} else {
			assert.True(t, fr.Success)
			assert.Equal(t, 1, fr.Attempts)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 4)
	last := updates[len(updates)-1]
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 10, last.Total)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, 4, last.CurrentBatch)
	assert.Equal(t, 4, last.TotalBatches)
	assert.Zero(t, last.ETA)
	assert.Same(t, res, completed)

	stored, err := o.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.Successful, stored.Successful)
	assert.Empty(t, o.ActiveJobs())
}

func TestOrchestrator_OrdersByPriorityThenSize(t *testing.T) {
	var mu sync.Mutex
	var order []string
	o := newTestOrchestrator(t, DirectRunner(func(_ context.Context, task *tasks.Task) (any, error) {
		mu.Lock()
		order = append(order, fileOf(task).ID)
		mu.Unlock()
		return nil, nil
	}))
	ctx := context.Background()

	files := []File{
		{ID: "low-big", Size: 900, Priority: tasks.PriorityLow},
		{ID: "high-big", Size: 500, Priority: tasks.PriorityHigh},
		{ID: "low-small", Size: 10, Priority: tasks.PriorityLow},
		{ID: "high-small", Size: 50, Priority: tasks.PriorityHigh},
		{ID: "critical", Size: 1000, Priority: tasks.PriorityCritical},
		{ID: "high-small-2", Size: 50, Priority: tasks.PriorityHigh},
	}
	id, err := o.SubmitJob(ctx, Job{ID: "ordered", Files: files, Config: JobConfig{MaxConcurrency: 1}})
	require.NoError(t, err)
	assert.Equal(t, "ordered", id)

	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	want := []string{"critical", "high-small", "high-small-2", "high-big", "low-small", "low-big"}
	assert.Equal(t, want, order)
	for i, fr := range res.FileResults {
		assert.Equal(t, want[i], fr.FileID)
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, DirectRunner(func(context.Context, *tasks.Task) (any, error) { return nil, nil }))
	ctx := context.Background()

	tests := []struct {
		name string
		job  Job
	}{
		{"no files", Job{Config: JobConfig{MaxConcurrency: 1}}},
		{"zero concurrency", Job{Files: makeFiles(1)}},
		{"negative retries", Job{Files: makeFiles(1), Config: JobConfig{MaxConcurrency: 1, Retries: -1}}},
		{"negative timeout", Job{Files: makeFiles(1), Config: JobConfig{MaxConcurrency: 1, Timeout: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.SubmitJob(ctx, tt.job)
			assert.Error(t, err)
		})
	}

	_, err := New(nil)
	assert.Error(t, err)
}

func TestOrchestrator_CancelStopsFurtherBatches(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	o := newTestOrchestrator(t, DirectRunner(func(context.Context, *tasks.Task) (any, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return "ok", nil
	}))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{Files: makeFiles(5), Config: JobConfig{MaxConcurrency: 2}})
	require.NoError(t, err)
	<-started
	<-started

	p, ok := o.GetProgress(id)
	require.True(t, ok)
	assert.Equal(t, 1, p.CurrentBatch)
	assert.Equal(t, 3, p.TotalBatches)
	assert.Equal(t, []string{id}, o.ActiveJobs())

	assert.True(t, o.CancelJob(id))
	assert.False(t, o.CancelJob(id))
	assert.Empty(t, o.ActiveJobs())
	_, ok = o.GetProgress(id)
	assert.False(t, ok)

	close(release)
	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 5, res.TotalFiles)
	assert.Equal(t, 2, res.Successful, "in-flight attempts finish")
	assert.Len(t, res.FileResults, 2)
	assert.Equal(t, int32(2), calls.Load())

	assert.False(t, o.CancelJob("unknown"))
}

func TestOrchestrator_AttemptTimeout(t *testing.T) {
	o := newTestOrchestrator(t, DirectRunner(func(ctx context.Context, _ *tasks.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{
		Files:  makeFiles(1),
		Config: JobConfig{MaxConcurrency: 1, Timeout: 10 * time.Millisecond, Retries: 1},
	})
	require.NoError(t, err)

	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	require.Len(t, res.FileResults, 1)
	assert.False(t, res.FileResults[0].Success)
	assert.Equal(t, 2, res.FileResults[0].Attempts)
	assert.Contains(t, res.FileResults[0].Error, context.DeadlineExceeded.Error())
}

func TestOrchestrator_ClearResult(t *testing.T) {
	o := newTestOrchestrator(t, DirectRunner(func(context.Context, *tasks.Task) (any, error) { return nil, nil }))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{Files: makeFiles(2), Config: JobConfig{MaxConcurrency: 2}})
	require.NoError(t, err)
	_, err = o.Wait(ctx, id)
	require.NoError(t, err)

	require.NoError(t, o.ClearResult(ctx, id))
	_, err = o.GetResult(ctx, id)
	assert.ErrorIs(t, err, errs.ErrJobNotFound)
	_, err = o.Wait(ctx, id)
	assert.ErrorIs(t, err, errs.ErrJobNotFound)
}

func TestOrchestrator_RunsOnWorkerPool(t *testing.T) {
	var attempts atomic.Int32
	pool, err := workerpool.New(func(_ context.Context, task *tasks.Task) (any, error) {
		assert.Equal(t, 0, task.RetriesAllowed)
		if fileOf(task).ID == "f00" && attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return fileOf(task).Size, nil
	}, workerpool.WithMinWorkers(1), workerpool.WithMaxWorkers(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	o := newTestOrchestrator(t, PoolRunner(pool))
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{Files: makeFiles(6), Config: JobConfig{MaxConcurrency: 4, Retries: 1}})
	require.NoError(t, err)
	res, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Successful)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestOrchestrator_RedisResultStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	o := newTestOrchestrator(t,
		DirectRunner(func(_ context.Context, task *tasks.Task) (any, error) { return fileOf(task).Name, nil }),
		WithResultStore(NewRedisStore(rdb, time.Hour)),
	)
	ctx := context.Background()

	id, err := o.SubmitJob(ctx, Job{ID: "redis-job", Files: makeFiles(3), Config: JobConfig{MaxConcurrency: 3}})
	require.NoError(t, err)
	_, err = o.Wait(ctx, id)
	require.NoError(t, err)

	assert.True(t, mr.Exists("batch:result:redis-job"))
	assert.Equal(t, time.Hour, mr.TTL("batch:result:redis-job"))

	stored, err := o.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Successful)
	assert.Equal(t, "doc-00.pdf", stored.FileResults[0].Value)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisStore(rdb, 0)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrJobNotFound)

	require.NoError(t, store.Save(ctx, &Result{JobID: "j1", TotalFiles: 4, Successful: 4}))
	assert.Equal(t, DefaultResultTTL, mr.TTL("batch:result:j1"))

	r, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Successful)

	require.NoError(t, store.Delete(ctx, "j1"))
	_, err = store.Get(ctx, "j1")
	assert.ErrorIs(t, err, errs.ErrJobNotFound)

	mr.Set("batch:result:corrupt", "not json")
	_, err = store.Get(ctx, "corrupt")
	assert.Error(t, err)
}

func TestCostModel(t *testing.T) {
	cost := DefaultCostModel.Estimate(10<<20, 100*time.Second)
	assert.InDelta(t, 0.002, cost, 1e-12)
	assert.Zero(t, CostModel{}.Estimate(1<<30, time.Hour))
}

func TestChunk(t *testing.T) {
	batches := chunk(makeFiles(7), 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[2], 1)
}
