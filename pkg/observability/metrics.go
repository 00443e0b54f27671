// Package observability exposes Prometheus metrics for session caching,
// request replay and token refresh.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replay metrics
	replayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graftpunk_replay_requests_total",
			Help: "Total number of replayed HTTP requests",
		},
		[]string{"method", "role", "status"},
	)

	replayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graftpunk_replay_request_duration_seconds",
			Help:    "Replayed request duration in seconds, including a token retry",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// Token metrics
	tokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graftpunk_token_refreshes_total",
			Help: "Token refreshes triggered by a 403, by outcome",
		},
		[]string{"outcome"},
	)

	tokenExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graftpunk_token_extractions_total",
			Help: "Token extraction attempts by source and result",
		},
		[]string{"source", "result"},
	)

	// Cache metrics
	cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graftpunk_cache_operations_total",
			Help: "Session cache operations by operation and result",
		},
		[]string{"op", "result"},
	)

	initOnce sync.Once
)

// Token refresh outcomes.
const (
	RefreshAccepted        = "accepted"
	RefreshRejected        = "rejected"
	RefreshBudgetExhausted = "budget_exhausted"
	RefreshFailed          = "extraction_failed"
)

// InitMetrics registers the metrics with the default registry. Safe to call
// more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			replayRequestsTotal,
			replayRequestDuration,
			tokenRefreshesTotal,
			tokenExtractionsTotal,
			cacheOperationsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// RecordReplayRequest records a completed replay call. status is 0 when the
// transport failed before a response arrived.
func RecordReplayRequest(method, role string, status int, duration time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	replayRequestsTotal.WithLabelValues(method, role, code).Inc()
	replayRequestDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordTokenRefresh records the outcome of a 403-triggered refresh.
func RecordTokenRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenExtraction records one extraction attempt.
func RecordTokenExtraction(source string, ok bool) {
	result := "miss"
	if ok {
		result = "hit"
	}
	tokenExtractionsTotal.WithLabelValues(source, result).Inc()
}

// RecordCacheOperation records a cache operation; result is "ok" or an error kind.
func RecordCacheOperation(op, result string) {
	cacheOperationsTotal.WithLabelValues(op, result).Inc()
}
