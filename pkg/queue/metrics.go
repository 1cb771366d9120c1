package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueueTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	retryTotal    *prometheus.CounterVec
	deadTotal     *prometheus.CounterVec
	purgedTotal   *prometheus.CounterVec

	dispatchLatency *prometheus.HistogramVec
	claimBatch      *prometheus.HistogramVec

	depth *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "enqueue_total",
			Help:      "Total number of enqueued jobs.",
		}, []string{"queue"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "dispatch_total",
			Help:      "Total number of job dispatch operations.",
		}, []string{"queue", "result"}),
		retryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "retry_total",
			Help:      "Total number of jobs scheduled for another attempt.",
		}, []string{"queue"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "dead_total",
			Help:      "Total number of jobs that entered the dead state.",
		}, []string{"queue", "reason"}),
		purgedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest_queue",
			Name:      "purged_total",
			Help:      "Total number of jobs removed by the cleaner.",
		}, []string{"queue"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingest_queue",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for job dispatch.",
			Buckets: []float64{
				0.005, 0.01, 0.05,
				0.1, 0.25, 0.5,
				1, 2, 5, 10, 30, 60,
			},
		}, []string{"queue", "result"}),
		claimBatch: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingest_queue",
			Name:      "claim_batch_size",
			Help:      "Number of jobs returned per claim.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"queue"}),
		depth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest_queue",
			Name:      "depth",
			Help:      "Current number of jobs per state.",
		}, []string{"queue", "state"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
