package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotqueue_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by priority lane.",
		},
		[]string{"priority"},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotqueue_tasks_completed_total",
			Help: "Total number of tasks completed successfully.",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotqueue_tasks_failed_total",
			Help: "Total number of tasks that ended in failure.",
		},
	)

	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotqueue_tasks_reclaimed_total",
			Help: "Total number of stale processing tasks requeued.",
		},
	)

	WaitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotqueue_wait_timeouts_total",
			Help: "Total number of synchronous waits that timed out.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotqueue_queue_depth",
			Help: "Current number of queued task ids per lane.",
		},
		[]string{"lane"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksReclaimedTotal,
		WaitTimeoutsTotal,
		QueueDepth,
	)
}
