// Package metrics provides Prometheus metrics for the job relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueLength tracks the number of jobs waiting for the worker.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rp2g",
		Name:      "queue_length",
		Help:      "Number of jobs waiting for the worker.",
	})

	// WorkerBusy is 1 while a job is running.
	WorkerBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rp2g",
		Name:      "worker_busy",
		Help:      "Whether the worker is running a job.",
	})

	// JobsTotal counts finished jobs by outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rp2g",
		Name:      "jobs_total",
		Help:      "Total number of finished jobs, by outcome.",
	}, []string{"outcome"})

	// JobDuration observes the time from dequeue to close.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rp2g",
		Name:      "job_duration_seconds",
		Help:      "Time spent running a job, from dequeue to connection close.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	// ResultBytes observes the size of delivered result envelopes.
	ResultBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rp2g",
		Name:      "result_bytes",
		Help:      "Size of result envelopes sent to clients.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	// RejectedSubmissions counts submissions refused before a job was created, by reason.
	RejectedSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rp2g",
		Name:      "rejected_submissions_total",
		Help:      "Total number of refused submissions, by reason.",
	}, []string{"reason"})
)

// RecordOutcome increments the finished job counter.
func RecordOutcome(outcome string) {
	JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejected increments the refused submission counter.
func RecordRejected(reason string) {
	RejectedSubmissions.WithLabelValues(reason).Inc()
}
