package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event metrics
	EventsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_events_total",
			Help: "Total number of events by status",
		},
		[]string{"status"},
	)

	EventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_events_processed_total",
			Help: "Total number of events processed by the dispatcher",
		},
	)

	// Delivery metrics
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_deliveries_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_delivery_latency_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_delivery_retries_total",
			Help: "Total number of intra-cycle delivery retries",
		},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_claim_conflicts_total",
			Help: "Total number of claims lost to a concurrent dispatch cycle",
		},
	)

	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_store_errors_total",
			Help: "Total number of event store errors during dispatch",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_dispatch_cycle_duration_seconds",
			Help:    "Dispatch cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DestinationUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_destination_up",
			Help: "Whether the webhook destination answers probes (1 = up)",
		},
	)

	// Broadcast metrics
	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_broadcasts_total",
			Help: "Total number of per-connection broadcast sends by result",
		},
		[]string{"result"},
	)

	StaleConnectionsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stale_connections_cleaned_total",
			Help: "Total number of gone connections pruned by the broadcaster",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_active_connections",
			Help: "Number of registered dashboard connections",
		},
	)

	FeedLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_feed_lag_records",
			Help: "Change feed records not yet consumed by the broadcaster",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryLatency)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(ClaimConflictsTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(DestinationUp)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(StaleConnectionsCleaned)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(FeedLag)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
