package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_receiver_requests_total",
		Help: "Total number of API requests by endpoint",
	}, []string{"endpoint"})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_receiver_errors_total",
		Help: "Total number of rejected API requests by error type",
	}, []string{"type"})

	receiverSamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_sync_receiver_samples_total",
		Help: "Total number of samples and aggregates accepted by the API",
	}, []string{"kind"})

	streamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_sync_receiver_status_streams",
		Help: "Number of open status streams",
	})
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverSamplesTotal)
	prometheus.MustRegister(streamSubscribers)

	// Initialize counters with 0 so they appear in /metrics immediately
	for _, t := range []string{"read", "decompress", "decode", "validation", "auth", "engine"} {
		receiverErrorsTotal.WithLabelValues(t).Add(0)
	}
	receiverSamplesTotal.WithLabelValues("sample").Add(0)
	receiverSamplesTotal.WithLabelValues("aggregate").Add(0)
}
