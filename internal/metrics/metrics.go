// Package metrics holds the Prometheus collectors for the proof pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vrfpool"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	poolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "available_proofs",
			Help:      "Fulfilled, unexpired, unconsumed proofs per game type.",
		},
		[]string{"game_type"},
	)

	proofsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "consumed_total",
			Help:      "Total number of proofs handed to players.",
		},
		[]string{"game_type"},
	)

	proofsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "expired_total",
			Help:      "Total number of proofs moved to expired by the sweep.",
		},
	)

	oracleBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "batches_total",
			Help:      "Total number of batch submissions by result.",
		},
		[]string{"result"},
	)

	oracleRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Total number of randomness requests recorded as pending.",
		},
	)

	oracleFulfillments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "fulfillments_total",
			Help:      "Total number of pending requests reconciled to fulfilled.",
		},
	)

	oracleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "submission_duration_seconds",
			Help:      "Time from submit to mined receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
	)

	refills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refill",
			Name:      "runs_total",
			Help:      "Total number of refills started by trigger.",
		},
		[]string{"trigger"},
	)

	errorsByType = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "errors_total",
			Help:      "Total number of classified errors by type.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		poolAvailable,
		proofsConsumed,
		proofsExpired,
		oracleBatches,
		oracleRequests,
		oracleFulfillments,
		oracleDuration,
		refills,
		errorsByType,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks an HTTP request as started.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks an HTTP request as finished.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetPoolLevel publishes the available count for a game type.
func SetPoolLevel(gameType string, available int) {
	poolAvailable.WithLabelValues(gameType).Set(float64(available))
}

// RecordConsumed counts a proof handed to a player.
func RecordConsumed(gameType string) {
	proofsConsumed.WithLabelValues(gameType).Inc()
}

// RecordExpired counts proofs moved to expired.
func RecordExpired(n int) {
	if n > 0 {
		proofsExpired.Add(float64(n))
	}
}

// RecordBatch records a batch submission outcome.
func RecordBatch(success bool, requests int, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
		oracleRequests.Add(float64(requests))
		oracleDuration.Observe(duration.Seconds())
	}
	oracleBatches.WithLabelValues(result).Inc()
}

// RecordFulfillment counts a reconciled request.
func RecordFulfillment() { oracleFulfillments.Inc() }

// RecordRefill counts a refill run by trigger (tick, emergency, force, initial).
func RecordRefill(trigger string) {
	if trigger == "" {
		trigger = "unknown"
	}
	refills.WithLabelValues(trigger).Inc()
}

// RecordError counts a classified error.
func RecordError(errorType string) {
	errorsByType.WithLabelValues(errorType).Inc()
}
