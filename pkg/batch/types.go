package batch

import (
	"fmt"
	"time"

	"github.com/guido-cesarano/docflow/pkg/tasks"
)

// File is one document of a job.
type File struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Priority tasks.Priority `json:"priority"`
}

// JobConfig controls how a job is executed.
type JobConfig struct {
	// MaxConcurrency is the batch size: files of a batch run concurrently,
	// batches run one after another.
	MaxConcurrency int `json:"max_concurrency"`
	// Timeout bounds a single attempt on a file. Zero means no bound.
	Timeout time.Duration `json:"timeout"`
	// Retries is the number of retries per file after the first attempt.
	Retries int `json:"retries"`
}

func (c JobConfig) validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("max concurrency must be >= 1, got %d", c.MaxConcurrency)
	case c.Timeout < 0:
		return fmt.Errorf("timeout must be >= 0, got %s", c.Timeout)
	case c.Retries < 0:
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	}
	return nil
}

// Job is a set of files processed under one configuration. An empty ID is
// replaced with a generated one.
type Job struct {
	ID     string    `json:"id"`
	Files  []File    `json:"files"`
	Config JobConfig `json:"config"`
}

// FileResult is the outcome of one file after all its attempts.
type FileResult struct {
	FileID   string        `json:"file_id"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Value    any           `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Bytes    int64         `json:"bytes"`
}

// Progress is a live view of a running job.
type Progress struct {
	JobID        string        `json:"job_id"`
	Completed    int           `json:"completed"`
	Total        int           `json:"total"`
	Percentage   float64       `json:"percentage"`
	ETA          time.Duration `json:"eta"`
	Elapsed      time.Duration `json:"elapsed"`
	StartedAt    time.Time     `json:"started_at"`
	CurrentBatch int           `json:"current_batch"`
	TotalBatches int           `json:"total_batches"`
}

// Result is the stored outcome of a finished or cancelled job.
type Result struct {
	JobID           string        `json:"job_id"`
	FileResults     []FileResult  `json:"file_results"`
	TotalFiles      int           `json:"total_files"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Cancelled       bool          `json:"cancelled"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	TotalDuration   time.Duration `json:"total_duration"`
	AvgFileDuration time.Duration `json:"avg_file_duration"`
	Throughput      float64       `json:"throughput"` // files per second
	BytesProcessed  int64         `json:"bytes_processed"`
	PeakMemoryBytes uint64        `json:"peak_memory_bytes"`
	EstimatedCost   float64       `json:"estimated_cost"`
}

// CostModel prices a job by data volume and wall time.
type CostModel struct {
	PerMiB    float64
	PerSecond float64
}

// DefaultCostModel is used unless WithCostModel is given.
var DefaultCostModel = CostModel{PerMiB: 0.0001, PerSecond: 0.00001}

// Estimate returns the cost of processing bytes over d.
func (m CostModel) Estimate(bytes int64, d time.Duration) float64 {
	return float64(bytes)/(1<<20)*m.PerMiB + d.Seconds()*m.PerSecond
}

// Hooks are called from the goroutine running the job.
type Hooks struct {
	OnProgress  func(Progress)
	OnCompleted func(*Result)
}
