package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_fetch_total",
		Help: "Total number of feed fetch attempts, by feed type and outcome.",
	}, []string{"feed_type", "outcome"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_cache_hits_total",
		Help: "Total number of feed cache hits.",
	}, []string{"feed_id"})

	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_cache_misses_total",
		Help: "Total number of feed cache misses.",
	}, []string{"feed_id"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_rate_limited_total",
		Help: "Total number of fetches rejected by the per-feed rate limiter.",
	}, []string{"feed_id"})

	expansionTruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_expansion_truncated_total",
		Help: "Total number of recurrence expansions truncated by an instance cap.",
	})

	staleServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_stale_served_total",
		Help: "Total number of requests answered from the offline snapshot store.",
	}, []string{"feed_id"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_fetch_duration_seconds",
		Help:    "Histogram of feed fetch latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"feed_type"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func FetchSucceeded(feedType string) { fetchTotal.WithLabelValues(feedType, "success").Inc() }

func FetchFailed(feedType string) { fetchTotal.WithLabelValues(feedType, "failure").Inc() }

func CacheHit(feedID string) { cacheHitsTotal.WithLabelValues(feedID).Inc() }

func CacheMiss(feedID string) { cacheMissesTotal.WithLabelValues(feedID).Inc() }

func RateLimited(feedID string) { rateLimitedTotal.WithLabelValues(feedID).Inc() }

func ExpansionTruncated() { expansionTruncatedTotal.Inc() }

func StaleServed(feedID string) { staleServedTotal.WithLabelValues(feedID).Inc() }

func ObserveFetch(feedType string, seconds float64) {
	fetchDuration.WithLabelValues(feedType).Observe(seconds)
}
