package workerpool

import (
	"context"
	"time"

	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// Processor executes a single attempt of a task. The context carries the attempt
// deadline and is cancelled when the worker running it is terminated.
type Processor func(ctx context.Context, task *tasks.Task) (any, error)

// TerminateReason explains why a worker left the pool.
type TerminateReason string

const (
	ReasonIdle      TerminateReason = "idle"
	ReasonTimeout   TerminateReason = "timeout"
	ReasonError     TerminateReason = "error"
	ReasonScaleDown TerminateReason = "scale_down"
	ReasonShutdown  TerminateReason = "shutdown"
)

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	ID             string
	Busy           bool
	CurrentTask    string
	TasksCompleted int
	LastActive     time.Time
	SpawnedAt      time.Time
}

// Stats is the snapshot published after every coordinator step.
type Stats struct {
	Workers     int
	Busy        int
	Idle        int
	Limit       int // live capacity set by Scale, Max until then
	Queued      int
	Backoff     int // tasks waiting out a retry delay
	Utilization float64
	Completed   uint64
	Failed      uint64
	Retried     uint64
	AvgLatency  time.Duration
	RequestRate float64 // completions per second over the last sample interval
	Closing     bool
}

// Hooks are invoked from the coordinator goroutine and must not block.
type Hooks struct {
	OnWorkerSpawned    func(w WorkerInfo)
	OnWorkerTerminated func(w WorkerInfo, reason TerminateReason)
	OnTaskCompleted    func(r tasks.Result)
	OnTaskRetry        func(task tasks.Task, err error, delay time.Duration)
	OnTaskFailed       func(r tasks.Result)
	OnUtilization      func(s Stats)
	OnError            func(err error)
}

// Handle tracks a submitted task until it resolves.
type Handle struct {
	TaskID string

	done   chan struct{}
	result tasks.Result
}

func newHandle(id string) *Handle {
	return &Handle{TaskID: id, done: make(chan struct{})}
}

// Done is closed once the task has a terminal result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task resolves or ctx ends. The returned error is the
// task error, or ctx.Err() if the caller gave up first.
func (h *Handle) Wait(ctx context.Context) (tasks.Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return tasks.Result{TaskID: h.TaskID}, ctx.Err()
	}
}

// Result returns the terminal result. It is only meaningful after Done is closed.
func (h *Handle) Result() tasks.Result {
	select {
	case <-h.done:
		return h.result
	default:
		return tasks.Result{TaskID: h.TaskID}
	}
}

// resolve must be called exactly once, from the coordinator.
func (h *Handle) resolve(r tasks.Result) {
	h.result = r
	close(h.done)
}
