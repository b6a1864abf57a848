// Package metrics holds the Prometheus collectors for the execution pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enact",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Tool executions by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enact",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	executionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "execution",
			Name:      "retries_total",
			Help:      "Retried execution attempts.",
		},
		[]string{"provider"},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "signing",
			Name:      "verifications_total",
			Help:      "Signature verifications by policy and result.",
		},
		[]string{"policy", "valid"},
	)
	safetyBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "safety",
			Name:      "blocked_total",
			Help:      "Commands blocked by the safety analyzer.",
		},
	)
	engineHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "enact",
			Subsystem: "engine",
			Name:      "healthy",
			Help:      "1 when the container engine passed its last health check.",
		},
		[]string{"engine"},
	)
	engineResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enact",
			Subsystem: "engine",
			Name:      "resets_total",
			Help:      "Engine resets after consecutive health failures.",
		},
		[]string{"engine"},
	)
	operationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enact",
			Subsystem: "operation",
			Name:      "in_flight",
			Help:      "Async operations currently tracked.",
		},
	)
)

// Register adds the collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			executions, executionDuration, executionRetries,
			verifications, safetyBlocks,
			engineHealthy, engineResets,
			operationsInFlight,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordExecution(provider string, success bool, duration time.Duration) {
	Register()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	executions.WithLabelValues(provider, outcome).Inc()
	executionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordRetry(provider string) {
	Register()
	executionRetries.WithLabelValues(provider).Inc()
}

func RecordVerification(policy string, valid bool) {
	Register()
	verifications.WithLabelValues(policy, strconv.FormatBool(valid)).Inc()
}

func RecordSafetyBlock() {
	Register()
	safetyBlocks.Inc()
}

func SetEngineHealthy(engine string, healthy bool) {
	Register()
	v := 0.0
	if healthy {
		v = 1
	}
	engineHealthy.WithLabelValues(engine).Set(v)
}

func RecordEngineReset(engine string) {
	Register()
	engineResets.WithLabelValues(engine).Inc()
}

func SetOperationsInFlight(n int) {
	Register()
	operationsInFlight.Set(float64(n))
}
