// Package metrics exposes Prometheus instrumentation for the memory
// pipeline. All metrics share the memquest_ prefix.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hotRetrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memquest_hot_retrieval_total",
			Help: "Total memory retrievals served, by outcome.",
		},
		[]string{"status"},
	)

	hotRetrievalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memquest_hot_retrieval_errors_total",
			Help: "Retrieval stage failures swallowed by the hot path.",
		},
		[]string{"stage"},
	)

	hotRetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memquest_hot_retrieval_duration_seconds",
			Help:    "End to end latency of memory retrieval.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	coldIngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memquest_cold_ingest_total",
			Help: "Ingest pipeline outcomes, by terminal status and reason.",
		},
		[]string{"status", "reason"},
	)

	coldDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memquest_cold_dlq_total",
			Help: "Documents routed to the dead letter sink.",
		},
		[]string{"sink"},
	)

	embeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memquest_embedding_cache_hits_total",
			Help: "Embedding requests answered from the in-process cache.",
		},
	)

	embeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memquest_embedding_cache_misses_total",
			Help: "Embedding requests that required a provider call.",
		},
	)

	embeddingRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memquest_embedding_retries_total",
			Help: "Retried embedding provider calls.",
		},
	)

	enqueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memquest_enqueue_dropped_total",
			Help: "Write events dropped because the enqueue buffer was full.",
		},
	)

	streamLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memquest_stream_lag_seconds",
			Help: "Age of the most recently consumed stream entry.",
		},
	)
)

// RecordHotRetrieval counts one retrieval with its outcome:
// "hit", "empty", or "disabled".
func RecordHotRetrieval(status string) {
	hotRetrievalTotal.WithLabelValues(status).Inc()
}

// RecordHotRetrievalError counts a swallowed failure in the named
// retrieval stage ("embed", "sparse", "dense", "rerank").
func RecordHotRetrievalError(stage string) {
	hotRetrievalErrors.WithLabelValues(stage).Inc()
}

// ObserveHotRetrievalDuration records retrieval latency in seconds.
func ObserveHotRetrievalDuration(seconds float64) {
	hotRetrievalDuration.Observe(seconds)
}

// RecordColdIngest counts a terminal pipeline outcome. Status is one of
// "stored", "skipped", "error"; reason is the skip or error reason, or
// "" for stored.
func RecordColdIngest(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	coldIngestTotal.WithLabelValues(status, reason).Inc()
}

// RecordDeadLetter counts a document handed to a dead letter sink.
func RecordDeadLetter(sink string) {
	coldDLQTotal.WithLabelValues(sink).Inc()
}

func RecordEmbeddingCacheHit()  { embeddingCacheHits.Inc() }
func RecordEmbeddingCacheMiss() { embeddingCacheMisses.Inc() }
func RecordEmbeddingRetry()     { embeddingRetries.Inc() }

// RecordEnqueueDropped counts a write event rejected by a full buffer.
func RecordEnqueueDropped() { enqueueDropped.Inc() }

// ObserveStreamLag sets the age in seconds of the last consumed entry.
func ObserveStreamLag(seconds float64) { streamLag.Set(seconds) }

// Handler serves the default Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
