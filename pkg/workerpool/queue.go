package workerpool

import (
	"time"

	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// entry is a submitted task as tracked by the coordinator.
type entry struct {
	task     *tasks.Task
	handle   *Handle
	seq      uint64 // submission order, kept across retries
	enqueued time.Time
	started  time.Time // first dispatch
	lastErr  error
	resolved bool
	backoff  *time.Timer
	index    int // heap position, -1 when not queued
}

// taskQueue is a container/heap ordered by priority, then submission order.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
