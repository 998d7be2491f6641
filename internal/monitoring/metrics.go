package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broadcasting engine.
// Scraped via /metrics and visualized in Grafana.
var (
	// Routing metrics
	eventsRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_events_routed_total",
		Help: "Total number of events routed",
	})

	routingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_routing_errors_total",
		Help: "Total number of rule evaluation errors (bad regex, bad predicate)",
	})

	transformationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_transformation_errors_total",
		Help: "Total number of content transformer failures",
	})

	routeCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_route_cache_hits_total",
		Help: "Total number of routing cache hits",
	})

	routeCacheFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_route_cache_fallbacks_total",
		Help: "Total number of uncached routing calls due to non-canonicalizable payloads",
	})

	routingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odin_broadcast_routing_duration_seconds",
		Help:    "Time spent resolving an event to destinations",
		Buckets: []float64{.0001, .0005, .001, .002, .005, .01, .02, .05, .1},
	})

	// Broadcast metrics
	eventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_events_enqueued_total",
		Help: "Total number of events admitted into pending batches",
	})

	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_events_delivered_total",
		Help: "Total number of events handed to the transport",
	})

	eventsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_events_rate_limited_total",
		Help: "Total number of events dropped by per-recipient rate limiting",
	})

	batchesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_batches_delivered_total",
		Help: "Total number of batches handed to the transport",
	})

	batchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_batch_errors_total",
		Help: "Total number of batches whose transport emit failed",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odin_broadcast_batch_size_events",
		Help:    "Distribution of batch sizes at delivery time",
		Buckets: []float64{1, 2, 5, 10, 20, 35, 50},
	})

	deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odin_broadcast_delivery_latency_seconds",
		Help:    "Enqueue-to-emit latency per batch",
		Buckets: []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1},
	})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odin_broadcast_worker_queue_depth",
		Help: "Current number of tasks waiting in a worker pool queue",
	}, []string{"pool"})

	workerTasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_broadcast_worker_tasks_dropped_total",
		Help: "Total tasks dropped when a worker pool queue was full",
	}, []string{"pool"})

	// Subscription metrics
	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odin_broadcast_active_subscriptions",
		Help: "Current number of active subscriptions",
	})

	subscribedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odin_broadcast_subscribed_users",
		Help: "Current number of users with at least one subscription",
	})

	// Ingest metrics
	ingestMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_ingest_messages_total",
		Help: "Total upstream messages consumed",
	})

	ingestFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_broadcast_ingest_failures_total",
		Help: "Total upstream messages that failed to decode or dispatch",
	})

	ingestPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odin_broadcast_ingest_paused",
		Help: "1 when upstream consumption is paused by the CPU brake, else 0",
	})
)

func init() {
	prometheus.MustRegister(
		eventsRouted,
		routingErrors,
		transformationErrors,
		routeCacheHits,
		routeCacheFallbacks,
		routingDuration,
		eventsEnqueued,
		eventsDelivered,
		eventsRateLimited,
		batchesDelivered,
		batchErrors,
		batchSize,
		deliveryLatency,
		workerQueueDepth,
		workerTasksDropped,
		activeSubscriptions,
		subscribedUsers,
		ingestMessages,
		ingestFailures,
		ingestPaused,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Routing

func IncrementEventsRouted()         { eventsRouted.Inc() }
func IncrementRoutingErrors()        { routingErrors.Inc() }
func IncrementTransformationErrors() { transformationErrors.Inc() }
func IncrementRouteCacheHits()       { routeCacheHits.Inc() }
func IncrementRouteCacheFallbacks()  { routeCacheFallbacks.Inc() }
func ObserveRoutingDuration(seconds float64) {
	routingDuration.Observe(seconds)
}

// Broadcast

func AddEventsEnqueued(n int)    { eventsEnqueued.Add(float64(n)) }
func AddEventsDelivered(n int)   { eventsDelivered.Add(float64(n)) }
func AddEventsRateLimited(n int) { eventsRateLimited.Add(float64(n)) }
func IncrementBatchesDelivered() { batchesDelivered.Inc() }
func IncrementBatchErrors()      { batchErrors.Inc() }
func ObserveBatchSize(events int) {
	batchSize.Observe(float64(events))
}
func ObserveDeliveryLatency(seconds float64) {
	deliveryLatency.Observe(seconds)
}

// Worker pools

func SetWorkerQueueDepth(pool string, depth int) {
	workerQueueDepth.WithLabelValues(pool).Set(float64(depth))
}
func IncrementWorkerTasksDropped(pool string) {
	workerTasksDropped.WithLabelValues(pool).Inc()
}

// Subscriptions

func SetActiveSubscriptions(n int) { activeSubscriptions.Set(float64(n)) }
func SetSubscribedUsers(n int)     { subscribedUsers.Set(float64(n)) }

// Ingest

func IncrementIngestMessages() { ingestMessages.Inc() }
func IncrementIngestFailures() { ingestFailures.Inc() }
func SetIngestPaused(paused bool) {
	if paused {
		ingestPaused.Set(1)
	} else {
		ingestPaused.Set(0)
	}
}
