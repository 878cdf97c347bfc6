package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/docflow/pkg/batch"
	"github.com/guido-cesarano/docflow/pkg/resourcepool"
	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// Task types handled by the worker.
const (
	TypeParse     = "parse"
	TypeOCR       = "ocr"
	TypeThumbnail = "thumbnail"
	TypeIndex     = "index"
	TypeBatch     = "batch"
	TypeSlow      = "slow"
)

// processors routes tasks by type. Document work is simulated; index writes
// go through the Redis client pool and batch tasks fan out through the orchestrator.
type processors struct {
	clients *resourcepool.Pool[*redis.Client]
	batches *batch.Orchestrator
	log     zerolog.Logger
}

// document is the payload shared by the per-document task types.
type document struct {
	Name  string `json:"name"`
	Pages int    `json:"pages"`
	Size  int64  `json:"size"`
}

// batchRequest is the payload of a batch task.
type batchRequest struct {
	Files          []batch.File  `json:"files"`
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`
	Retries        int           `json:"retries"`
}

// Process is the workerpool.Processor of the worker process.
func (p *processors) Process(ctx context.Context, task *tasks.Task) (any, error) {
	p.log.Debug().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Int("retries_used", task.RetriesUsed).
		Msg("Processing task")

	switch task.Type {
	case TypeParse:
		var doc document
		if err := decodePayload(task, &doc); err != nil {
			return nil, err
		}
		if err := sleep(ctx, time.Duration(max(doc.Pages, 1))*10*time.Millisecond); err != nil {
			return nil, err
		}
		return map[string]any{"name": doc.Name, "pages": max(doc.Pages, 1)}, nil
	case TypeOCR:
		return nil, sleep(ctx, 200*time.Millisecond)
	case TypeThumbnail:
		return nil, sleep(ctx, 100*time.Millisecond)
	case TypeIndex:
		return p.index(ctx, task)
	case TypeBatch:
		return p.batch(ctx, task)
	case batch.TaskType:
		return p.file(ctx, task)
	case TypeSlow:
		p.log.Info().Str("task_id", task.ID).Msg("Processing slow simulation task (5s)...")
		return nil, sleep(ctx, 5*time.Second)
	default:
		return nil, sleep(ctx, 100*time.Millisecond)
	}
}

// index records document metadata in Redis using a pooled client.
func (p *processors) index(ctx context.Context, task *tasks.Task) (any, error) {
	var doc document
	if err := decodePayload(task, &doc); err != nil {
		return nil, err
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("index %s: document name is required", task.ID)
	}
	key := "doc:" + doc.Name
	err := p.clients.Execute(ctx, func(c *redis.Client) error {
		return c.HSet(ctx, key,
			"pages", doc.Pages,
			"size", doc.Size,
			"indexed_at", time.Now().UTC().Format(time.RFC3339),
		).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", doc.Name, err)
	}
	return map[string]string{"key": key}, nil
}

// batch runs a whole job through the orchestrator and returns its summary.
func (p *processors) batch(ctx context.Context, task *tasks.Task) (any, error) {
	var req batchRequest
	if err := decodePayload(task, &req); err != nil {
		return nil, err
	}
	// A retried attempt may overlap the previous job while it winds down, so each
	// attempt gets its own job ID.
	id, err := p.batches.SubmitJob(ctx, batch.Job{
		ID:    fmt.Sprintf("%s-%d", task.ID, task.Attempts()),
		Files: req.Files,
		Config: batch.JobConfig{
			MaxConcurrency: max(req.MaxConcurrency, 1),
			Timeout:        req.Timeout,
			Retries:        req.Retries,
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := p.batches.Wait(ctx, id)
	if err != nil {
		p.batches.CancelJob(id)
		return nil, err
	}
	return map[string]any{
		"job_id":     res.JobID,
		"successful": res.Successful,
		"failed":     res.Failed,
		"throughput": res.Throughput,
		"cost":       res.EstimatedCost,
	}, nil
}

// file processes one document of a batch job.
func (p *processors) file(ctx context.Context, task *tasks.Task) (any, error) {
	f, ok := task.Payload.(batch.File)
	if !ok {
		return nil, fmt.Errorf("batch file task %s: unexpected payload %T", task.ID, task.Payload)
	}
	if f.Size < 0 {
		return nil, fmt.Errorf("file %s: negative size", f.Name)
	}
	// Roughly 1ms per 64KiB.
	if err := sleep(ctx, time.Duration(f.Size>>16)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"name": f.Name, "bytes": f.Size}, nil
}

// decodePayload converts the generic JSON payload of a queued task into v.
func decodePayload(task *tasks.Task, v any) error {
	data, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("task %s: encode payload: %w", task.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("task %s: decode %s payload: %w", task.ID, task.Type, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
