package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_samples_total",
		Help: "Total number of submitted samples by type and outcome (sent, queued, throttled, duplicate)",
	}, []string{"type", "outcome"})

	aggregatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_aggregates_total",
		Help: "Total number of submitted aggregate records by outcome (sent, queued, empty)",
	}, []string{"outcome"})

	drainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_drains_total",
		Help: "Total number of drain passes by result (completed, canceled, already_syncing)",
	}, []string{"result"})

	drainItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_drain_items_total",
		Help: "Total number of queued items processed by drains by outcome",
	}, []string{"outcome"})

	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vitals_sync_drain_duration_seconds",
		Help:    "Duration of drain passes including backoff",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	backoffSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_retry_backoff_seconds_total",
		Help: "Total time spent in retry backoff",
	})

	metadataTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_metadata_refresh_total",
		Help: "Total number of metadata refreshes by outcome (success, failure, skipped)",
	}, []string{"outcome"})

	authFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vitals_sync_authentication_failures_total",
		Help: "Total number of operations rejected because no identity was available",
	})
)

func init() {
	prometheus.MustRegister(samplesTotal)
	prometheus.MustRegister(aggregatesTotal)
	prometheus.MustRegister(drainsTotal)
	prometheus.MustRegister(drainItemsTotal)
	prometheus.MustRegister(drainDuration)
	prometheus.MustRegister(backoffSecondsTotal)
	prometheus.MustRegister(metadataTotal)
	prometheus.MustRegister(authFailuresTotal)
}
