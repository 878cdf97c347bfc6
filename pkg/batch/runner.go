package batch

import (
	"context"

	"github.com/guido-cesarano/docflow/pkg/tasks"
	"github.com/guido-cesarano/docflow/pkg/workerpool"
)

// TaskType is the task type of every file attempt.
const TaskType = "batch.file"

// Runner executes a single attempt on a file. The task payload is the File.
type Runner interface {
	Run(ctx context.Context, task *tasks.Task) (any, error)
}

type directRunner struct {
	process workerpool.Processor
}

// DirectRunner calls process in the orchestrator's own goroutines.
func DirectRunner(process workerpool.Processor) Runner {
	return directRunner{process: process}
}

func (r directRunner) Run(ctx context.Context, task *tasks.Task) (any, error) {
	return r.process(ctx, task)
}

type poolRunner struct {
	pool *workerpool.Pool
}

// PoolRunner executes attempts on a worker pool. Tasks are submitted without a
// retry budget so retries stay with the orchestrator.
func PoolRunner(pool *workerpool.Pool) Runner {
	return poolRunner{pool: pool}
}

func (r poolRunner) Run(ctx context.Context, task *tasks.Task) (any, error) {
	t := task.Clone()
	t.RetriesAllowed = 0
	t.RetriesUsed = 0
	res, err := r.pool.Do(ctx, t)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
