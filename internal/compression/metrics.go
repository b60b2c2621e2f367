package compression

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	encoderPoolGets     atomic.Int64
	encoderPoolPuts     atomic.Int64
	encoderPoolDiscards atomic.Int64
	encoderPoolNews     atomic.Int64
	bufferPoolGets      atomic.Int64
	bufferPoolPuts      atomic.Int64
	bufferActive        atomic.Int64
)

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_encoder_pool_gets_total",
			Help: "Pool.Get() calls for zstd encoders",
		}, func() float64 { return float64(encoderPoolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_encoder_pool_puts_total",
			Help: "Pool.Put() calls for zstd encoders",
		}, func() float64 { return float64(encoderPoolPuts.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_encoder_pool_discards_total",
			Help: "zstd encoders that could not be created",
		}, func() float64 { return float64(encoderPoolDiscards.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_encoder_pool_new_total",
			Help: "New zstd encoders created (pool miss)",
		}, func() float64 { return float64(encoderPoolNews.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_buffer_pool_gets_total",
			Help: "Buffer pool Get() calls",
		}, func() float64 { return float64(bufferPoolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vitals_sync_compression_buffer_pool_puts_total",
			Help: "Buffer pool Put() calls",
		}, func() float64 { return float64(bufferPoolPuts.Load()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vitals_sync_compression_buffers_active",
			Help: "Compression buffers currently checked out from the pool",
		}, func() float64 { return float64(bufferActive.Load()) }),
	)
}
