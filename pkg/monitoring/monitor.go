package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	ConnectionsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "osce_connections_online",
			Help: "Candidates with a live registered connection on this instance",
		},
	)

	EventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_events_total",
			Help: "Events pushed to candidate connections",
		},
		[]string{"type", "delivered"},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_session_transitions_total",
			Help: "Session lifecycle transitions",
		},
		[]string{"outcome"},
	)

	RelayChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osce_relay_chunks_total",
			Help: "Streamed completion chunks received from the AI provider",
		},
	)

	RelayErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osce_relay_errors_total",
			Help: "Streaming completions cut short by a provider error",
		},
	)

	EvaluationJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_evaluation_jobs_total",
			Help: "Evaluation jobs processed by result",
		},
		[]string{"result"},
	)

	SweeperExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osce_sweeper_expired_total",
			Help: "Sessions completed by the expiry sweeper",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			ConnectionsOnline,
			EventCounter,
			SessionTransitions,
			RelayChunks,
			RelayErrors,
			EvaluationJobs,
			SweeperExpired,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
