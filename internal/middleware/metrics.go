package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Number of currently open websocket connections",
		},
	)

	wsEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_events_total",
			Help: "Total number of inbound websocket events",
		},
		[]string{"event"},
	)
)

// MetricsMiddleware collects Prometheus metrics for every HTTP request.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		// gin resolves the route pattern, so dynamic params are already
		// normalized (e.g. /sessions/:code/votes)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		c.Next()

		httpRequestsInFlight.Dec()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(duration)
	}
}

// WSConnectionOpened records a new websocket connection.
func WSConnectionOpened() {
	wsConnections.Inc()
}

// WSConnectionClosed records a dropped websocket connection.
func WSConnectionClosed() {
	wsConnections.Dec()
}

// RecordWSEvent counts an inbound websocket event by name.
func RecordWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}
