package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiroproxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiroproxy_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	upstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_upstream_attempts_total",
			Help: "Upstream call attempts grouped by outcome",
		},
		[]string{"outcome"},
	)

	tokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_token_usage_total",
			Help: "Total tokens reported by the upstream",
		},
		[]string{"model", "type"}, // type: input or output
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all collectors once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		upstreamAttemptsTotal,
		tokenUsage,
	)
}

// PrometheusMiddleware collects request count, duration and active
// connections for every request.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		activeConnections.Inc()
		defer activeConnections.Dec()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath collapses dynamic segments to keep label cardinality bounded.
func normalizePath(path string) string {
	switch {
	case path == "/", path == "/healthz", path == "/metrics":
		return path
	case path == "/v1/models":
		return path
	case path == "/v1/messages":
		return path
	case path == "/v1/messages/count_tokens":
		return path
	case len(path) > 11 && path[:11] == "/api/admin/":
		return "/api/admin/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordUpstreamAttempt counts one upstream call attempt by outcome, e.g.
// "success", "transient", "auth_invalid", "rejected".
func RecordUpstreamAttempt(outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	upstreamAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenUsage records upstream-reported token usage. tokenType is
// "input" or "output".
func RecordTokenUsage(model, tokenType string, tokens int) {
	if !IsMetricsEnabled() || tokens <= 0 {
		return
	}
	tokenUsage.WithLabelValues(model, tokenType).Add(float64(tokens))
}
