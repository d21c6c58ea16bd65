package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accounting_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_ledger_requests_total",
			Help: "Total number of ledger requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	LedgerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accounting_ledger_request_duration_seconds",
			Help:    "Ledger request latency including queueing.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	LedgerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accounting_ledger_queue_depth",
			Help: "Jobs waiting in a shard queue, sampled on submission.",
		},
		[]string{"shard"},
	)

	TransactionEventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accounting_transaction_events_published_total",
			Help: "Total number of transaction events published to NATS.",
		},
	)

	TransactionEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accounting_transaction_events_dropped_total",
			Help: "Total number of transaction events dropped because the publish queue was full.",
		},
	)

	ProviderSessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accounting_provider_sessions_connected",
			Help: "Number of connected provider notification sessions.",
		},
	)

	NotifyFramesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_notify_frames_sent_total",
			Help: "Total number of notification frames sent by kind.",
		},
		[]string{"kind"},
	)

	NotifyBytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accounting_notify_bytes_sent_total",
			Help: "Total number of notification bytes sent.",
		},
	)

	BufferPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accounting_buffer_pool_in_use",
			Help: "Number of notification buffers currently borrowed.",
		},
	)

	BufferPoolWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accounting_buffer_pool_wait_seconds",
			Help:    "Time spent waiting to borrow notification buffers.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FillerWalletsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accounting_filler_wallets_created_total",
			Help: "Total number of baseline wallets created for provider projects.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerRequestsTotal,
		LedgerRequestDuration,
		LedgerQueueDepth,
		TransactionEventsPublishedTotal,
		TransactionEventsDroppedTotal,
		ProviderSessionsConnected,
		NotifyFramesSentTotal,
		NotifyBytesSentTotal,
		BufferPoolInUse,
		BufferPoolWaitSeconds,
		FillerWalletsCreatedTotal,
	)
}
