// Package batch processes jobs made of many files.
//
// Files are ordered by priority (highest first), then by size (smallest first),
// and split into batches of MaxConcurrency files. Batches run one after another;
// the files of a batch run concurrently. Each file is retried with exponential
// backoff and the per-file outcomes are folded into a Result with timing,
// throughput, memory and cost figures.
package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/retry"
	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// Orchestrator runs jobs in the background and keeps their results.
type Orchestrator struct {
	runner  Runner
	policy  retry.Policy
	store   ResultStore
	cost    CostModel
	hooks   Hooks
	log     zerolog.Logger
	metrics *metrics.Metrics
	memory  MemorySampler

	mu   sync.Mutex
	jobs map[string]*job // running jobs, including cancelled ones still finishing
	wg   sync.WaitGroup
}

type job struct {
	id      string
	files   []File
	cfg     JobConfig
	batches [][]File
	stop    context.CancelFunc // ends retry waits; running attempts finish
	done    chan struct{}

	mu           sync.Mutex
	cancelled    bool
	completed    int
	currentBatch int
	startedAt    time.Time
	result       *Result
}

// New creates an orchestrator executing file attempts on runner.
func New(runner Runner, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, errors.New("batch: runner is required")
	}
	o := newOptions(opts)
	return &Orchestrator{
		runner:  runner,
		policy:  o.policy,
		store:   o.store,
		cost:    o.cost,
		hooks:   o.hooks,
		log:     o.log,
		metrics: o.metrics,
		memory:  o.memory,
		jobs:    make(map[string]*job),
	}, nil
}

// SubmitJob validates j and starts it in the background. It returns the job ID.
func (o *Orchestrator) SubmitJob(ctx context.Context, j Job) (string, error) {
	if len(j.Files) == 0 {
		return "", errors.New("batch: job has no files")
	}
	if err := j.Config.validate(); err != nil {
		return "", fmt.Errorf("batch: %w", err)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	files := slices.Clone(j.Files)
	slices.SortStableFunc(files, func(a, b File) int {
		if a.Priority != b.Priority {
			return int(b.Priority) - int(a.Priority)
		}
		switch {
		case a.Size < b.Size:
			return -1
		case a.Size > b.Size:
			return 1
		}
		return 0
	})

	stopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	st := &job{
		id:        j.ID,
		files:     files,
		cfg:       j.Config,
		batches:   chunk(files, j.Config.MaxConcurrency),
		stop:      stop,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	o.mu.Lock()
	if _, dup := o.jobs[st.id]; dup {
		o.mu.Unlock()
		stop()
		return "", fmt.Errorf("batch: job %s is already running", st.id)
	}
	o.jobs[st.id] = st
	o.mu.Unlock()

	o.metrics.ActiveJobs.Inc()
	o.log.Info().
		Str("job_id", st.id).
		Int("files", len(files)).
		Int("batches", len(st.batches)).
		Int("max_concurrency", j.Config.MaxConcurrency).
		Msg("Batch job submitted")

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), stopCtx, st)
	return st.id, nil
}

func (o *Orchestrator) run(ctx, stopCtx context.Context, st *job) {
	defer o.wg.Done()
	defer st.stop()

	// One slot per file in processing order; each goroutine writes only its own.
	slots := make([]*FileResult, len(st.files))
	peak := o.sampleMemory(0)

	offset := 0
	for i, b := range st.batches {
		if st.isCancelled() {
			break
		}
		st.mu.Lock()
		st.currentBatch = i + 1
		st.mu.Unlock()

		var g errgroup.Group
		for k, f := range b {
			slot := offset + k
			g.Go(func() error {
				fr := o.processFile(ctx, stopCtx, st, f)
				slots[slot] = &fr
				st.mu.Lock()
				st.completed++
				st.mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		offset += len(b)

		peak = o.sampleMemory(peak)
		if o.hooks.OnProgress != nil {
			o.hooks.OnProgress(st.progress())
		}
	}

	results := make([]FileResult, 0, offset)
	for _, fr := range slots[:offset] {
		results = append(results, *fr)
	}
	res := o.buildResult(st, results, peak)
	if err := o.store.Save(ctx, res); err != nil {
		o.log.Error().Err(err).Str("job_id", st.id).Msg("Failed to store batch result")
	}

	st.mu.Lock()
	st.result = res
	st.mu.Unlock()

	o.mu.Lock()
	delete(o.jobs, st.id)
	o.mu.Unlock()

	outcome := "completed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	o.metrics.BatchJobs.WithLabelValues(outcome).Inc()
	o.metrics.ActiveJobs.Dec()
	o.log.Info().
		Str("job_id", st.id).
		Str("outcome", outcome).
		Int("successful", res.Successful).
		Int("failed", res.Failed).
		Dur("duration", res.TotalDuration).
		Float64("estimated_cost", res.EstimatedCost).
		Msg("Batch job finished")

	if o.hooks.OnCompleted != nil {
		o.hooks.OnCompleted(res)
	}
	close(st.done)
}

// processFile runs attempts on f until one succeeds or the retry budget is spent.
func (o *Orchestrator) processFile(ctx, stopCtx context.Context, st *job, f File) FileResult {
	fr := FileResult{FileID: f.ID, Name: f.Name, Bytes: f.Size}
	task := &tasks.Task{
		Type:      TaskType,
		Payload:   f,
		Priority:  f.Priority,
		Timeout:   st.cfg.Timeout,
		CreatedAt: time.Now(),
	}

	start := time.Now()
	attempt := func() error {
		fr.Attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if st.cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, st.cfg.Timeout)
		}
		defer cancel()

		t := task.Clone()
		t.RetriesUsed = fr.Attempts - 1
		v, err := o.runner.Run(actx, t)
		if err != nil {
			return err
		}
		fr.Value = v
		return nil
	}
	notify := func(err error, next time.Duration) {
		o.log.Warn().
			Err(err).
			Str("job_id", st.id).
			Str("file_id", f.ID).
			Int("attempt", fr.Attempts).
			Dur("next_in", next).
			Msg("File attempt failed, retrying")
	}

	err := backoff.RetryNotify(attempt, o.policy.NewBackOff(stopCtx, st.cfg.Retries), notify)
	fr.Duration = time.Since(start)
	if err != nil {
		fr.Error = err.Error()
		o.metrics.BatchFiles.WithLabelValues("failed").Inc()
		o.log.Error().Err(err).Str("job_id", st.id).Str("file_id", f.ID).Int("attempts", fr.Attempts).Msg("File failed")
		return fr
	}
	fr.Success = true
	o.metrics.BatchFiles.WithLabelValues("success").Inc()
	return fr
}

func (o *Orchestrator) buildResult(st *job, results []FileResult, peak uint64) *Result {
	finished := time.Now()
	res := &Result{
		JobID:           st.id,
		FileResults:     results,
		TotalFiles:      len(st.files),
		Cancelled:       st.isCancelled(),
		StartedAt:       st.startedAt,
		FinishedAt:      finished,
		TotalDuration:   finished.Sub(st.startedAt),
		PeakMemoryBytes: peak,
	}

	var fileTime time.Duration
	for _, fr := range results {
		fileTime += fr.Duration
		if fr.Success {
			res.Successful++
			res.BytesProcessed += fr.Bytes
		} else {
			res.Failed++
		}
	}
	if n := len(results); n > 0 {
		res.AvgFileDuration = fileTime / time.Duration(n)
		if secs := res.TotalDuration.Seconds(); secs > 0 {
			res.Throughput = float64(n) / secs
		}
	}
	res.EstimatedCost = o.cost.Estimate(res.BytesProcessed, res.TotalDuration)
	return res
}

func (o *Orchestrator) sampleMemory(peak uint64) uint64 {
	if o.memory == nil {
		return peak
	}
	cur, err := o.memory()
	if err != nil {
		o.log.Debug().Err(err).Msg("Memory sample failed")
		return peak
	}
	return max(peak, cur)
}

// GetProgress returns the progress of a running job. Finished and cancelled jobs
// report false.
func (o *Orchestrator) GetProgress(jobID string) (Progress, bool) {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok || st.isCancelled() {
		return Progress{}, false
	}
	return st.progress(), true
}

// GetResult returns the stored result of a finished or cancelled job.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (*Result, error) {
	return o.store.Get(ctx, jobID)
}

// Wait blocks until the job finishes and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*Result, error) {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return o.GetResult(ctx, jobID)
	}
	select {
	case <-st.done:
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelJob stops a running job: no further batch starts and pending retries are
// dropped, while attempts already running finish. A result marked Cancelled is
// stored once they do.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.mu.Lock()
	st, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return false
	}
	st.cancelled = true
	st.mu.Unlock()
	st.stop()

	o.log.Info().Str("job_id", jobID).Msg("Batch job cancelled")
	return true
}

// ClearResult deletes a stored result.
func (o *Orchestrator) ClearResult(ctx context.Context, jobID string) error {
	return o.store.Delete(ctx, jobID)
}

// ActiveJobs returns the IDs of running, non-cancelled jobs in sorted order.
func (o *Orchestrator) ActiveJobs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.jobs))
	for id, st := range o.jobs {
		if !st.isCancelled() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Shutdown cancels every running job and waits for them to store their results.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.CancelJob(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: shutdown: %w", ctx.Err())
	}
}

func (j *job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *job) progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	elapsed := time.Since(j.startedAt)
	p := Progress{
		JobID:        j.id,
		Completed:    j.completed,
		Total:        len(j.files),
		Percentage:   float64(j.completed) / float64(len(j.files)) * 100,
		Elapsed:      elapsed,
		StartedAt:    j.startedAt,
		CurrentBatch: j.currentBatch,
		TotalBatches: len(j.batches),
	}
	if j.completed > 0 {
		perFile := elapsed / time.Duration(j.completed)
		p.ETA = perFile * time.Duration(len(j.files)-j.completed)
	}
	return p
}

func chunk(files []File, size int) [][]File {
	var out [][]File
	for start := 0; start < len(files); start += size {
		out = append(out, files[start:min(start+size, len(files))])
	}
	return out
}
