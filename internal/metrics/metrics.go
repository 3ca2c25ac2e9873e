// Package metrics exposes Prometheus collectors for the enrichment scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsScheduledTotal    *prometheus.CounterVec
	itemsCompletedTotal    *prometheus.CounterVec
	batchesTotal           *prometheus.CounterVec
	queueDepth             prometheus.Gauge
	queueRejectedTotal     prometheus.Counter
	queueAbandonedTotal    prometheus.Counter
	activeWorkers          prometheus.Gauge
	governorDenialsTotal   *prometheus.CounterVec
	governorReclaimsTotal  prometheus.Counter
	extractDurationSeconds *prometheus.HistogramVec
	extractBytesTotal      *prometheus.CounterVec
	storeQuerySeconds      *prometheus.HistogramVec
	slowOperationsTotal    *prometheus.CounterVec
	httpRequestSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_items_scheduled_total",
				Help: "Total work items scheduled, labeled by enrichment kind.",
			},
			[]string{"kind"},
		)

		itemsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_items_completed_total",
				Help: "Total work items completed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_batches_total",
				Help: "Total selection batches per kind and result (dispatched, empty, error).",
			},
			[]string{"kind", "result"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enrichd_queue_depth",
				Help: "Current number of items waiting in the worker queue.",
			},
		)

		queueRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichd_queue_rejected_total",
				Help: "Total submissions rejected because the queue was full or a duplicate was in flight.",
			},
		)

		queueAbandonedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichd_queue_abandoned_total",
				Help: "Total items abandoned at shutdown after the grace period.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enrichd_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		governorDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_governor_denials_total",
				Help: "Total times the resource governor denied new work, labeled by resource.",
			},
			[]string{"resource"},
		)

		governorReclaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichd_governor_reclaims_total",
				Help: "Total best-effort memory reclaim attempts.",
			},
		)

		extractDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrichd_extract_duration_seconds",
				Help:    "Histogram of enrichment call latencies, labeled by kind.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 15, 60},
			},
			[]string{"kind"},
		)

		extractBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_extract_bytes_total",
				Help: "Total bytes read by enrichment functions, labeled by kind.",
			},
			[]string{"kind"},
		)

		storeQuerySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrichd_store_query_seconds",
				Help:    "Histogram of metadata store query latencies, labeled by operation.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2, 10},
			},
			[]string{"operation"},
		)

		slowOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichd_slow_operations_total",
				Help: "Total operations exceeding the slow-operation threshold.",
			},
			[]string{"operation"},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrichd_http_request_duration_seconds",
				Help:    "Histogram of status API request latencies.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2},
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScheduled adds to the scheduled counter for a kind.
func ObserveScheduled(kind string, n int) {
	itemsScheduledTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveCompleted increments the completion counter for a kind and outcome.
func ObserveCompleted(kind, outcome string) {
	itemsCompletedTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveBatch increments the batch counter for a kind and result.
func ObserveBatch(kind, result string) {
	batchesTotal.WithLabelValues(kind, result).Inc()
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObserveQueueRejected increments the rejected-submission counter.
func ObserveQueueRejected() {
	queueRejectedTotal.Inc()
}

// ObserveQueueAbandoned adds to the abandoned-item counter.
func ObserveQueueAbandoned(n int) {
	queueAbandonedTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveGovernorDenial increments the denial counter for a resource ("cpu" or "memory").
func ObserveGovernorDenial(resource string) {
	governorDenialsTotal.WithLabelValues(resource).Inc()
}

// ObserveGovernorReclaim increments the reclaim-attempt counter.
func ObserveGovernorReclaim() {
	governorReclaimsTotal.Inc()
}

// ObserveExtract records the duration and bytes of one enrichment call.
func ObserveExtract(kind string, duration time.Duration, bytes int64) {
	extractDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		extractBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// ObserveStoreQuery records the duration of one metadata store query.
func ObserveStoreQuery(operation string, duration time.Duration) {
	storeQuerySeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveSlowOperation increments the slow-operation counter.
func ObserveSlowOperation(operation string) {
	slowOperationsTotal.WithLabelValues(operation).Inc()
}

// ObserveHTTPRequest records the latency of one status API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
