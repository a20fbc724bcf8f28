package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TasksTotal counts processed queue items by outcome.
	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_tasks_total",
		Help: "Total number of processed tasks by outcome",
	}, []string{"outcome"})
	// TaskDuration observes how long a handler ran for one item.
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "muster_task_duration_seconds",
		Help:    "Duration of task handlers",
		Buckets: prometheus.DefBuckets,
	})
	// QueueDepth reports items waiting in the task queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "muster_queue_depth",
		Help: "Current number of items waiting in the task queue",
	})
	// WorkersActive reports workers that have not terminated yet.
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "muster_workers_active",
		Help: "Current number of running workers",
	})
	// LockAttempts counts TryLock calls by result.
	LockAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_lock_attempts_total",
		Help: "Total number of lock attempts by result",
	}, []string{"result"})
	// LedgerInserts counts ledger Add calls by result.
	LedgerInserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_ledger_inserts_total",
		Help: "Total number of ledger inserts by result",
	}, []string{"result"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterPipelineMetrics registers the muster collectors on reg.
func RegisterPipelineMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TasksTotal, TaskDuration, QueueDepth, WorkersActive, LockAttempts, LedgerInserts)
}
