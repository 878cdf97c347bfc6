// Package metrics defines the Prometheus collectors exported by docflow components.
//
// Collectors are registered against a caller-supplied Registerer instead of the global
// default registry, so several pools can coexist in one process and in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docflow"

// Metrics groups every collector used by the pools, the scaler and the orchestrator.
type Metrics struct {
	// TasksProcessed tracks processed tasks by status and type.
	// Labels:
	//   - status: "success", "retry", "failed", "timeout" or "cancelled"
	//   - type: task type (e.g., "parse", "extract")
	TasksProcessed *prometheus.CounterVec

	// TaskDuration tracks the duration of a single attempt in seconds.
	TaskDuration *prometheus.HistogramVec

	// QueueLatency tracks the time a task waits in the queue before its first dispatch.
	QueueLatency *prometheus.HistogramVec

	// QueueDepth tracks queued tasks per source queue ("workerpool", "queue:high", ...).
	QueueDepth *prometheus.GaugeVec

	// Workers tracks live workers by state ("idle", "busy").
	Workers *prometheus.GaugeVec

	// WorkerEvents counts worker lifecycle transitions by event and reason.
	WorkerEvents *prometheus.CounterVec

	// Utilization is the last sampled busy/total ratio of the worker pool.
	Utilization prometheus.Gauge

	// PoolResources tracks resource pool sizes by pool name and state ("idle", "in_use").
	PoolResources *prometheus.GaugeVec

	// PoolEvents counts resource pool events by pool name and event.
	PoolEvents *prometheus.CounterVec

	// PoolWait tracks how long Acquire waited in seconds, by pool name.
	PoolWait *prometheus.HistogramVec

	// ScalerInstances is the instance count the auto-scaler last applied.
	ScalerInstances prometheus.Gauge

	// ScalingEvents counts scaler evaluations by action.
	ScalingEvents *prometheus.CounterVec

	// BatchFiles counts processed batch files by outcome ("success", "failed").
	BatchFiles *prometheus.CounterVec

	// BatchJobs counts finished jobs by outcome ("completed", "cancelled").
	BatchJobs *prometheus.CounterVec

	// ActiveJobs is the number of batch jobs currently running.
	ActiveJobs prometheus.Gauge
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "The total number of processed task attempts",
		}, []string{"status", "type"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of a single task attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		QueueLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_latency_seconds",
			Help:      "Time spent in queue before first dispatch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in each queue",
		}, []string{"queue"}),
		Workers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Live workers by state",
		}, []string{"state"}),
		WorkerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker lifecycle events",
		}, []string{"event", "reason"}),
		Utilization: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_utilization_ratio",
			Help:      "Busy workers divided by live workers at the last sample",
		}),
		PoolResources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_resources",
			Help:      "Pooled resources by state",
		}, []string{"pool", "state"}),
		PoolEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_events_total",
			Help:      "Resource pool events",
		}, []string{"pool", "event"}),
		PoolWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting in Acquire",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
		ScalerInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scaler_instances",
			Help:      "Instance count last applied by the auto-scaler",
		}),
		ScalingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_events_total",
			Help:      "Auto-scaler evaluations by action",
		}, []string{"action"}),
		BatchFiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_files_total",
			Help:      "Batch files processed by outcome",
		}, []string{"outcome"}),
		BatchJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Batch jobs finished by outcome",
		}, []string{"outcome"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_active_jobs",
			Help:      "Batch jobs currently running",
		}),
	}
}

// NewNop returns collectors bound to a private registry that nothing scrapes.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
