// Package workerpool executes tasks on a dynamic set of workers.
//
// Tasks are dispatched highest priority first and in submission order within a
// priority. Workers are spawned on demand up to the live capacity, replaced when
// they time out or panic, and retired by the sampler when they stay idle. Failed
// attempts are re-enqueued after the retry policy delay until the task's retry
// budget runs out.
//
// A single coordinator goroutine owns the queue and the worker registry. Callers
// talk to it over channels and read the published Stats snapshot without locking.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/docflow/pkg/errs"
	"github.com/guido-cesarano/docflow/pkg/metrics"
	"github.com/guido-cesarano/docflow/pkg/retry"
	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// Pool is a dynamic worker pool. Create one with New and stop it with Shutdown.
type Pool struct {
	processor Processor
	cfg       Config
	policy    retry.Policy
	hooks     Hooks
	log       zerolog.Logger
	metrics   *metrics.Metrics

	submitCh  chan submitReq
	cancelCh  chan cancelReq
	scaleCh   chan scaleReq
	resultCh  chan outcome
	timeoutCh chan attemptRef
	requeueCh chan *entry
	closeCh   chan struct{}
	forceCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	forceOnce sync.Once

	snapshot atomic.Pointer[snapshot]

	// Everything below is owned by the coordinator goroutine.
	ctx         context.Context
	cancel      context.CancelFunc
	queue       taskQueue
	pending     map[string]*entry // unresolved tasks by ID
	waiting     map[string]*entry // tasks sleeping out a retry delay
	workers     map[string]*worker
	order       []*worker // spawn order
	limit       int
	closing     bool
	seq         uint64
	attemptSeq  uint64
	completed   uint64
	failed      uint64
	retried     uint64
	avgLatency  time.Duration
	requestRate float64
	lastSample  time.Time
	sampledDone uint64
	capacityLog rate.Sometimes
}

type worker struct {
	id             string
	inbox          chan attempt
	busy           bool
	retiring       bool
	current        *entry
	attemptSeq     uint64
	started        time.Time
	cancel         context.CancelFunc
	timer          *time.Timer
	tasksCompleted int
	lastActive     time.Time
	spawnedAt      time.Time
}

type attempt struct {
	ctx  context.Context
	task *tasks.Task
	seq  uint64
}

type attemptRef struct {
	workerID string
	seq      uint64
}

type outcome struct {
	attemptRef
	value    any
	err      error
	panicked bool
	duration time.Duration
}

type submitReq struct {
	task  *tasks.Task
	reply chan submitResp
}

type submitResp struct {
	handle *Handle
	err    error
}

type cancelReq struct {
	taskID string
	reply  chan bool
}

type scaleReq struct {
	n     int
	reply chan struct{}
}

type snapshot struct {
	stats   Stats
	workers []WorkerInfo
}

// New creates a pool, spawns MinWorkers and starts the coordinator.
func New(processor Processor, opts ...Option) (*Pool, error) {
	if processor == nil {
		return nil, errors.New("workerpool: processor is required")
	}
	o := newOptions(opts)
	if err := o.cfg.validate(); err != nil {
		return nil, fmt.Errorf("workerpool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		processor:   processor,
		cfg:         o.cfg,
		policy:      o.policy,
		hooks:       o.hooks,
		log:         o.log,
		metrics:     o.metrics,
		submitCh:    make(chan submitReq),
		cancelCh:    make(chan cancelReq),
		scaleCh:     make(chan scaleReq),
		resultCh:    make(chan outcome),
		timeoutCh:   make(chan attemptRef),
		requeueCh:   make(chan *entry),
		closeCh:     make(chan struct{}),
		forceCh:     make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]*entry),
		waiting:     make(map[string]*entry),
		workers:     make(map[string]*worker),
		limit:       o.cfg.MaxWorkers,
		lastSample:  time.Now(),
		capacityLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn("initial")
	}
	p.publish()

	p.log.Info().
		Int("min_workers", p.cfg.MinWorkers).
		Int("max_workers", p.cfg.MaxWorkers).
		Msg("Worker pool started")

	go p.run()
	return p, nil
}

// Submit enqueues a copy of task and returns a handle to its eventual result.
// A task without an ID gets one; Handle.TaskID carries it back.
func (p *Pool) Submit(ctx context.Context, task *tasks.Task) (*Handle, error) {
	if task == nil {
		return nil, errors.New("workerpool: nil task")
	}
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if !t.Priority.Valid() {
		return nil, fmt.Errorf("workerpool: task %s has invalid priority %d", t.ID, int(t.Priority))
	}
	if t.RetriesAllowed < 0 || t.RetriesUsed < 0 || t.RetriesUsed > t.RetriesAllowed {
		return nil, fmt.Errorf("workerpool: task %s has inconsistent retries (%d used of %d)",
			t.ID, t.RetriesUsed, t.RetriesAllowed)
	}

	req := submitReq{task: t, reply: make(chan submitResp, 1)}
	select {
	case p.submitCh <- req:
	case <-p.done:
		return nil, fmt.Errorf("workerpool: %w", errs.ErrPoolClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	resp := <-req.reply
	return resp.handle, resp.err
}

// Do submits task and waits for its result.
func (p *Pool) Do(ctx context.Context, task *tasks.Task) (tasks.Result, error) {
	h, err := p.Submit(ctx, task)
	if err != nil {
		return tasks.Result{}, err
	}
	return h.Wait(ctx)
}

// Cancel removes a task that has not been dispatched yet, including one waiting
// out a retry delay. It reports false for running, resolved or unknown tasks.
func (p *Pool) Cancel(taskID string) bool {
	req := cancelReq{taskID: taskID, reply: make(chan bool, 1)}
	select {
	case p.cancelCh <- req:
	case <-p.done:
		return false
	}
	return <-req.reply
}

// Scale sets the live worker capacity to n, which must lie within [MinWorkers, MaxWorkers].
// Idle workers are retired first; busy ones retire when their current task finishes.
func (p *Pool) Scale(ctx context.Context, n int) error {
	if n < p.cfg.MinWorkers || n > p.cfg.MaxWorkers {
		return fmt.Errorf("workerpool: %d workers outside [%d, %d]: %w",
			n, p.cfg.MinWorkers, p.cfg.MaxWorkers, errs.ErrScaling)
	}
	req := scaleReq{n: n, reply: make(chan struct{})}
	select {
	case p.scaleCh <- req:
	case <-p.done:
		return fmt.Errorf("workerpool: %w: %w", errs.ErrScaling, errs.ErrPoolClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.reply
	return nil
}

// Shutdown stops intake and waits for queued and running tasks to finish, bounded by
// ShutdownTimeout and ctx. Whatever is left is then resolved with ErrPoolClosed and
// every worker is terminated.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closeCh) })

	grace := ctx
	if p.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		grace, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	select {
	case <-p.done:
		return nil
	case <-grace.Done():
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	p.forceOnce.Do(func() { close(p.forceCh) })
	<-p.done
	return fmt.Errorf("workerpool: forced shutdown: %w", grace.Err())
}

// Stats returns the latest published snapshot.
func (p *Pool) Stats() Stats {
	return p.snapshot.Load().stats
}

// Workers returns the latest published view of every live worker.
func (p *Pool) Workers() []WorkerInfo {
	ws := p.snapshot.Load().workers
	out := make([]WorkerInfo, len(ws))
	copy(out, ws)
	return out
}

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// run is the coordinator loop.
func (p *Pool) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()

	closeCh := p.closeCh
	for {
		select {
		case req := <-p.submitCh:
			h, err := p.enqueue(req.task)
			req.reply <- submitResp{handle: h, err: err}
		case req := <-p.cancelCh:
			req.reply <- p.cancelTask(req.taskID)
		case req := <-p.scaleCh:
			p.scale(req.n)
			close(req.reply)
		case o := <-p.resultCh:
			p.handleOutcome(o)
		case ref := <-p.timeoutCh:
			p.handleTimeout(ref)
		case e := <-p.requeueCh:
			p.handleRequeue(e)
		case <-ticker.C:
			p.sample()
		case <-closeCh:
			closeCh = nil
			p.closing = true
			p.log.Info().Int("queued", p.queue.Len()).Msg("Worker pool shutting down, draining")
		case <-p.forceCh:
			p.forceStop()
			return
		}

		p.dispatch()
		if p.closing && p.drained() {
			p.stopAll()
			p.cancel()
			p.publish()
			p.log.Info().Uint64("completed", p.completed).Msg("Worker pool stopped")
			return
		}
		p.publish()
	}
}

func (p *Pool) enqueue(task *tasks.Task) (*Handle, error) {
	if p.closing {
		return nil, fmt.Errorf("workerpool: %w", errs.ErrPoolClosed)
	}
	if _, dup := p.pending[task.ID]; dup {
		return nil, fmt.Errorf("workerpool: task %s already submitted", task.ID)
	}
	if p.cfg.MaxQueueSize > 0 && p.queue.Len() >= p.cfg.MaxQueueSize &&
		p.idleWorker() == nil && len(p.workers) >= p.limit {
		return nil, fmt.Errorf("workerpool: %d queued with %d workers busy: %w",
			p.queue.Len(), len(p.workers), errs.ErrPoolExhausted)
	}

	p.seq++
	e := &entry{
		task:     task,
		handle:   newHandle(task.ID),
		seq:      p.seq,
		enqueued: time.Now(),
		index:    -1,
	}
	p.pending[task.ID] = e
	heap.Push(&p.queue, e)
	return e.handle, nil
}

// dispatch hands queued tasks to idle workers, spawning up to the live capacity.
func (p *Pool) dispatch() {
	for p.queue.Len() > 0 {
		w := p.idleWorker()
		if w == nil {
			if len(p.workers) >= p.limit {
				p.capacityLog.Do(func() {
					p.log.Warn().
						Int("workers", len(p.workers)).
						Int("queued", p.queue.Len()).
						Msg("Worker pool at capacity, tasks waiting")
				})
				return
			}
			w = p.spawn("demand")
		}
		e := heap.Pop(&p.queue).(*entry)
		p.assign(w, e)
	}
}

func (p *Pool) assign(w *worker, e *entry) {
	now := time.Now()
	if e.started.IsZero() {
		e.started = now
		p.metrics.QueueLatency.WithLabelValues(e.task.Type).Observe(now.Sub(e.enqueued).Seconds())
	}

	p.attemptSeq++
	w.attemptSeq = p.attemptSeq
	w.busy = true
	w.current = e
	w.started = now

	timeout := e.task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}
	var ctx context.Context
	if timeout > 0 {
		ctx, w.cancel = context.WithTimeout(p.ctx, timeout)
		ref := attemptRef{workerID: w.id, seq: w.attemptSeq}
		w.timer = time.AfterFunc(timeout, func() {
			select {
			case p.timeoutCh <- ref:
			case <-p.done:
			}
		})
	} else {
		ctx, w.cancel = context.WithCancel(p.ctx)
	}

	p.log.Debug().
		Str("task_id", e.task.ID).
		Str("worker_id", w.id).
		Str("priority", e.task.Priority.String()).
		Int("attempt", e.task.Attempts()).
		Msg("Dispatching task")

	// The inbox has room for one attempt and only idle workers are assigned.
	w.inbox <- attempt{ctx: ctx, task: e.task.Clone(), seq: w.attemptSeq}
}

// work is the worker goroutine. It exits when its inbox is closed.
func (p *Pool) work(id string, inbox <-chan attempt) {
	for a := range inbox {
		o := p.invoke(a)
		o.workerID = id
		select {
		case p.resultCh <- o:
		case <-p.done:
			return
		}
	}
}

func (p *Pool) invoke(a attempt) (o outcome) {
	o.seq = a.seq
	start := time.Now()
	defer func() {
		o.duration = time.Since(start)
		if r := recover(); r != nil {
			o.value = nil
			o.err = fmt.Errorf("processor panic: %v", r)
			o.panicked = true
		}
	}()
	o.value, o.err = p.processor(a.ctx, a.task)
	return o
}

func (p *Pool) handleOutcome(o outcome) {
	w, ok := p.workers[o.workerID]
	if !ok || !w.busy || w.attemptSeq != o.seq {
		// The attempt already timed out and its worker was replaced.
		return
	}
	e := w.current
	p.release(w)
	p.metrics.TaskDuration.WithLabelValues(e.task.Type).Observe(o.duration.Seconds())
	p.observeLatency(o.duration)

	switch {
	case o.panicked:
		p.emitError(fmt.Errorf("worker %s: %w", w.id, o.err))
		p.terminate(w, ReasonError)
		p.ensureMin()
		p.failAttempt(e, w.id, o.err)
	case o.err != nil:
		err := o.err
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errs.ErrTaskTimeout) {
			p.metrics.TasksProcessed.WithLabelValues("timeout", e.task.Type).Inc()
			err = fmt.Errorf("%w after %s: %w", errs.ErrTaskTimeout, o.duration.Round(time.Millisecond), err)
		}
		p.failAttempt(e, w.id, err)
	default:
		w.tasksCompleted++
		p.resolve(e, w.id, o.value, nil)
	}

	if _, live := p.workers[w.id]; live && w.retiring {
		p.terminate(w, ReasonScaleDown)
	}
}

func (p *Pool) handleTimeout(ref attemptRef) {
	w, ok := p.workers[ref.workerID]
	if !ok || !w.busy || w.attemptSeq != ref.seq {
		return
	}
	e := w.current
	elapsed := time.Since(w.started)
	p.release(w)
	p.metrics.TasksProcessed.WithLabelValues("timeout", e.task.Type).Inc()
	p.log.Warn().
		Str("task_id", e.task.ID).
		Str("worker_id", w.id).
		Dur("elapsed", elapsed).
		Msg("Task attempt timed out, replacing worker")

	p.terminate(w, ReasonTimeout)
	p.ensureMin()
	p.failAttempt(e, w.id, fmt.Errorf("%w after %s", errs.ErrTaskTimeout, elapsed.Round(time.Millisecond)))
}

// failAttempt retries e if its budget allows and resolves it as exhausted otherwise.
func (p *Pool) failAttempt(e *entry, workerID string, err error) {
	if e.resolved {
		return
	}
	e.lastErr = err

	if !e.task.CanRetry() {
		p.resolve(e, workerID, nil, fmt.Errorf("task %s failed after %d attempts: %w: %w",
			e.task.ID, e.task.Attempts(), errs.ErrTaskExhausted, err))
		return
	}

	delay := p.policy.Delay(e.task.RetriesUsed)
	e.task.RetriesUsed++
	p.retried++
	p.metrics.TasksProcessed.WithLabelValues("retry", e.task.Type).Inc()
	p.log.Warn().
		Err(err).
		Str("task_id", e.task.ID).
		Int("retry", e.task.RetriesUsed).
		Int("retries_allowed", e.task.RetriesAllowed).
		Dur("delay", delay).
		Msg("Task attempt failed, retrying")
	if p.hooks.OnTaskRetry != nil {
		p.hooks.OnTaskRetry(*e.task, err, delay)
	}

	if delay <= 0 {
		heap.Push(&p.queue, e)
		return
	}
	p.waiting[e.task.ID] = e
	e.backoff = time.AfterFunc(delay, func() {
		select {
		case p.requeueCh <- e:
		case <-p.done:
		}
	})
}

func (p *Pool) handleRequeue(e *entry) {
	if e.resolved {
		return
	}
	delete(p.waiting, e.task.ID)
	e.backoff = nil
	heap.Push(&p.queue, e)
}

func (p *Pool) cancelTask(id string) bool {
	e, ok := p.pending[id]
	if !ok || e.resolved {
		return false
	}
	switch {
	case e.index >= 0:
		heap.Remove(&p.queue, e.index)
	case e.backoff != nil:
		e.backoff.Stop()
		e.backoff = nil
		delete(p.waiting, id)
	default:
		return false
	}
	p.resolve(e, "", nil, fmt.Errorf("task %s: %w", id, errs.ErrTaskCancelled))
	return true
}

// resolve publishes the terminal result of e.
func (p *Pool) resolve(e *entry, workerID string, value any, err error) {
	e.resolved = true
	delete(p.pending, e.task.ID)

	r := tasks.Result{
		TaskID:      e.task.ID,
		Type:        e.task.Type,
		Value:       value,
		Err:         err,
		Attempts:    e.task.Attempts(),
		RetriesUsed: e.task.RetriesUsed,
		WorkerID:    workerID,
	}
	if !e.started.IsZero() {
		r.Duration = time.Since(e.started)
	}
	if err != nil {
		r.Error = err.Error()
	}
	e.handle.resolve(r)

	switch {
	case err == nil:
		p.completed++
		p.metrics.TasksProcessed.WithLabelValues("success", e.task.Type).Inc()
		if p.hooks.OnTaskCompleted != nil {
			p.hooks.OnTaskCompleted(r)
		}
	case errors.Is(err, errs.ErrTaskCancelled), errors.Is(err, errs.ErrPoolClosed):
		p.metrics.TasksProcessed.WithLabelValues("cancelled", e.task.Type).Inc()
		if p.hooks.OnTaskFailed != nil {
			p.hooks.OnTaskFailed(r)
		}
	default:
		p.failed++
		p.metrics.TasksProcessed.WithLabelValues("failed", e.task.Type).Inc()
		p.log.Error().
			Err(err).
			Str("task_id", e.task.ID).
			Int("attempts", r.Attempts).
			Msg("Task failed permanently")
		if p.hooks.OnTaskFailed != nil {
			p.hooks.OnTaskFailed(r)
		}
	}
}

func (p *Pool) spawn(reason string) *worker {
	now := time.Now()
	w := &worker{
		id:         uuid.NewString(),
		inbox:      make(chan attempt, 1),
		lastActive: now,
		spawnedAt:  now,
	}
	p.workers[w.id] = w
	p.order = append(p.order, w)
	go p.work(w.id, w.inbox)

	p.metrics.WorkerEvents.WithLabelValues("spawned", reason).Inc()
	p.log.Debug().Str("worker_id", w.id).Str("reason", reason).Int("workers", len(p.workers)).Msg("Worker spawned")
	if p.hooks.OnWorkerSpawned != nil {
		p.hooks.OnWorkerSpawned(w.info())
	}
	return w
}

func (p *Pool) terminate(w *worker, reason TerminateReason) {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.inbox)
	delete(p.workers, w.id)
	for i, o := range p.order {
		if o == w {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	p.metrics.WorkerEvents.WithLabelValues("terminated", string(reason)).Inc()
	p.log.Debug().Str("worker_id", w.id).Str("reason", string(reason)).Int("workers", len(p.workers)).Msg("Worker terminated")
	if p.hooks.OnWorkerTerminated != nil {
		p.hooks.OnWorkerTerminated(w.info(), reason)
	}
}

// release marks w idle after its attempt ended.
func (p *Pool) release(w *worker) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.busy = false
	w.current = nil
	w.lastActive = time.Now()
}

func (p *Pool) ensureMin() {
	for len(p.workers) < p.cfg.MinWorkers {
		p.spawn("replace")
	}
}

func (p *Pool) scale(n int) {
	from := len(p.workers)
	p.limit = n
	for _, w := range p.order {
		w.retiring = false
	}
	for len(p.workers) < n {
		p.spawn("scale_up")
	}

	excess := len(p.workers) - n
	for _, w := range append([]*worker(nil), p.order...) {
		if excess <= 0 {
			break
		}
		if !w.busy {
			p.terminate(w, ReasonScaleDown)
			excess--
		}
	}
	for _, w := range p.order {
		if excess <= 0 {
			break
		}
		if w.busy {
			w.retiring = true
			excess--
		}
	}
	p.log.Info().Int("from", from).Int("to", n).Msg("Worker capacity changed")
}

// sample runs the utilization-driven spawn and idle eviction.
func (p *Pool) sample() {
	now := time.Now()
	total := len(p.workers)
	busy := p.busyCount()
	util := utilization(busy, total)

	if elapsed := now.Sub(p.lastSample).Seconds(); elapsed > 0 {
		p.requestRate = float64(p.completed-p.sampledDone) / elapsed
	}
	p.sampledDone = p.completed
	p.lastSample = now
	p.metrics.Utilization.Set(util)

	switch {
	case util > scaleUpUtilization && p.queue.Len() > 0:
		for i := 0; i < min(p.queue.Len(), p.limit-total); i++ {
			p.spawn("utilization")
		}
	case util < scaleDownUtilization && total > p.cfg.MinWorkers:
		if w := p.longestIdle(now); w != nil {
			p.terminate(w, ReasonIdle)
		}
	}

	if p.hooks.OnUtilization != nil {
		p.hooks.OnUtilization(p.stats())
	}
}

// longestIdle returns the worker idle the longest past IdleTimeout, or nil.
func (p *Pool) longestIdle(now time.Time) *worker {
	var victim *worker
	for _, w := range p.order {
		if w.busy || now.Sub(w.lastActive) <= p.cfg.IdleTimeout {
			continue
		}
		if victim == nil || w.lastActive.Before(victim.lastActive) {
			victim = w
		}
	}
	return victim
}

func (p *Pool) idleWorker() *worker {
	for _, w := range p.order {
		if !w.busy && !w.retiring {
			return w
		}
	}
	return nil
}

func (p *Pool) busyCount() int {
	n := 0
	for _, w := range p.order {
		if w.busy {
			n++
		}
	}
	return n
}

func (p *Pool) drained() bool {
	return p.queue.Len() == 0 && len(p.waiting) == 0 && p.busyCount() == 0
}

func (p *Pool) stopAll() {
	for _, w := range append([]*worker(nil), p.order...) {
		p.terminate(w, ReasonShutdown)
	}
}

// forceStop resolves every unfinished task with ErrPoolClosed and terminates all workers.
func (p *Pool) forceStop() {
	closed := func(e *entry) error {
		return fmt.Errorf("task %s: %w", e.task.ID, errs.ErrPoolClosed)
	}
	for p.queue.Len() > 0 {
		e := heap.Pop(&p.queue).(*entry)
		p.resolve(e, "", nil, closed(e))
	}
	for id, e := range p.waiting {
		e.backoff.Stop()
		e.backoff = nil
		delete(p.waiting, id)
		p.resolve(e, "", nil, closed(e))
	}
	for _, w := range append([]*worker(nil), p.order...) {
		if w.busy {
			e := w.current
			p.release(w)
			p.resolve(e, w.id, nil, closed(e))
		}
		p.terminate(w, ReasonShutdown)
	}
	p.cancel()
	p.publish()
	p.log.Warn().Msg("Worker pool force-stopped")
}

func (p *Pool) observeLatency(d time.Duration) {
	if p.avgLatency == 0 {
		p.avgLatency = d
		return
	}
	p.avgLatency = time.Duration(0.8*float64(p.avgLatency) + 0.2*float64(d))
}

func (p *Pool) emitError(err error) {
	p.log.Error().Err(err).Msg("Worker error")
	if p.hooks.OnError != nil {
		p.hooks.OnError(err)
	}
}

func (p *Pool) stats() Stats {
	busy := p.busyCount()
	total := len(p.workers)
	return Stats{
		Workers:     total,
		Busy:        busy,
		Idle:        total - busy,
		Limit:       p.limit,
		Queued:      p.queue.Len(),
		Backoff:     len(p.waiting),
		Utilization: utilization(busy, total),
		Completed:   p.completed,
		Failed:      p.failed,
		Retried:     p.retried,
		AvgLatency:  p.avgLatency,
		RequestRate: p.requestRate,
		Closing:     p.closing,
	}
}

func (p *Pool) publish() {
	s := p.stats()
	infos := make([]WorkerInfo, 0, len(p.order))
	for _, w := range p.order {
		infos = append(infos, w.info())
	}
	p.snapshot.Store(&snapshot{stats: s, workers: infos})

	p.metrics.Workers.WithLabelValues("busy").Set(float64(s.Busy))
	p.metrics.Workers.WithLabelValues("idle").Set(float64(s.Idle))
	p.metrics.QueueDepth.WithLabelValues("workerpool").Set(float64(s.Queued))
}

func (w *worker) info() WorkerInfo {
	info := WorkerInfo{
		ID:             w.id,
		Busy:           w.busy,
		TasksCompleted: w.tasksCompleted,
		LastActive:     w.lastActive,
		SpawnedAt:      w.spawnedAt,
	}
	if w.current != nil {
		info.CurrentTask = w.current.task.ID
	}
	return info
}

func utilization(busy, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(busy) / float64(total)
}
