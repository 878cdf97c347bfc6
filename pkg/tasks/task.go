// Package tasks defines the core data structures for task representation in docflow.
// Tasks are units of document-processing work that are queued, dispatched to workers,
// and retried on failure within a bounded budget.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of work to be executed by a worker.
// Each task carries metadata for routing, ordering, deadlines and retry accounting.
//
// The Type field is used by processors to route tasks to the right handler, while the
// Payload contains the job-specific data. RetriesUsed is incremented by the executing
// pool every time an attempt fails and the task is re-enqueued.
type Task struct {
	// ID is a unique identifier for the task (typically UUID).
	ID string `json:"id"`

	// Type categorizes the task for routing and metrics (e.g., "parse", "extract").
	Type string `json:"type"`

	// Payload contains the job-specific data as a generic value.
	// Processors are responsible for type assertion based on the Type field.
	Payload any `json:"payload"`

	// Priority determines the dispatch order of the task.
	// Higher priority tasks are always dispatched before lower priority ones.
	Priority Priority `json:"priority"`

	// Timeout bounds a single attempt. Zero means the pool default applies.
	Timeout time.Duration `json:"timeout"`

	// RetriesAllowed is the number of retries after the initial attempt.
	RetriesAllowed int `json:"retries_allowed"`

	// RetriesUsed tracks how many retries have been consumed so far.
	// It never exceeds RetriesAllowed.
	RetriesUsed int `json:"retries_used"`

	// CreatedAt is the timestamp when the task was first submitted.
	CreatedAt time.Time `json:"created_at"`
}

// New creates a task with a fresh ID and the default priority.
func New(taskType string, payload any) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		Priority:  PriorityMedium,
		CreatedAt: time.Now(),
	}
}

// CanRetry reports whether another attempt is permitted.
func (t *Task) CanRetry() bool {
	return t.RetriesUsed < t.RetriesAllowed
}

// Attempts returns the number of attempts made so far, counting the one in progress.
func (t *Task) Attempts() int {
	return t.RetriesUsed + 1
}

// Clone returns a shallow copy of the task. The payload is shared.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// Priority is an ordered task priority. Larger values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical

	// PriorityNormal is an alias kept for callers that speak of "normal" work.
	PriorityNormal = PriorityMedium
)

// Priorities lists all priorities from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a name such as "high" or "normal" into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "normal", "default", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON encodes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a priority name or its numeric value.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a string or number: %w", err)
	}
	if !Priority(n).Valid() {
		return fmt.Errorf("priority %d out of range", n)
	}
	*p = Priority(n)
	return nil
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID      string        `json:"task_id"`
	Type        string        `json:"type"`
	Value       any           `json:"value,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	RetriesUsed int           `json:"retries_used"`
	Duration    time.Duration `json:"duration"`
	WorkerID    string        `json:"worker_id,omitempty"`
}

// Succeeded reports whether the task resolved without error.
func (r Result) Succeeded() bool {
	return r.Err == nil
}
