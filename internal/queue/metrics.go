package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_sync_queue_length",
		Help: "Current number of items in the offline queue",
	})

	queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_sync_queue_capacity",
		Help: "Maximum number of items the offline queue holds before evicting",
	})

	enqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_queue_enqueued_total",
		Help: "Total number of items added to the offline queue",
	})

	dequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_queue_dequeued_total",
		Help: "Total number of queued items delivered and removed",
	})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_queue_dropped_total",
		Help: "Total number of queued items removed without delivery",
	}, []string{"reason"})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_queue_retries_total",
		Help: "Total number of failed delivery attempts recorded on queued items",
	})

	persistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_queue_persist_errors_total",
		Help: "Total number of failed writes of the queue to its store",
	})

	persistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vitals_sync_queue_persist_duration_seconds",
		Help:    "Time spent writing the queue to its store",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
	})
)

func init() {
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(queueCapacity)
	prometheus.MustRegister(enqueuedTotal)
	prometheus.MustRegister(dequeuedTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(persistErrorsTotal)
	prometheus.MustRegister(persistDuration)

	for _, r := range []DropReason{ReasonOverflow, ReasonRetryExhausted, ReasonCleared, ReasonPayloadLost} {
		droppedTotal.WithLabelValues(string(r))
	}
}
