// Package metrics exposes Prometheus collectors for dispatch cycles, endpoint
// attempts, recipient selection, notifications and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strongnet"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	cyclesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Completed dispatch cycles by trigger and outcome status.",
	}, []string{"trigger", "status"})

	cycleDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Dispatch cycle duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"trigger"})

	cyclesSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "skipped_total",
		Help:      "Triggers that did not run because another cycle held the wallet lock.",
	}, []string{"trigger"})

	cycleInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "in_flight",
		Help:      "1 while a cycle holds the wallet lock.",
	})

	endpointAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "endpoint_attempts_total",
		Help:      "Dispatch attempts per endpoint by result.",
	}, []string{"endpoint", "result"})

	endpointLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "endpoint_attempt_seconds",
		Help:      "Latency of a single endpoint attempt in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	selections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Selected recipients by source.",
	}, []string{"source"})

	notifications = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifier",
		Name:      "deliveries_total",
		Help:      "Outcome notifications by sink and result.",
	}, []string{"sink", "result"})

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveCycle records a finished cycle.
func ObserveCycle(trigger, status string, duration time.Duration) {
	cyclesTotal.WithLabelValues(trigger, status).Inc()
	cycleDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// ObserveCycleSkipped records a trigger rejected by the overlap guard.
func ObserveCycleSkipped(trigger string) {
	cyclesSkipped.WithLabelValues(trigger).Inc()
}

// SetCycleInFlight toggles the in-flight gauge.
func SetCycleInFlight(active bool) {
	if active {
		cycleInFlight.Set(1)
		return
	}
	cycleInFlight.Set(0)
}

// ObserveEndpointAttempt records one attempt against one endpoint.
func ObserveEndpointAttempt(endpoint, result string, duration time.Duration) {
	endpointAttempts.WithLabelValues(endpoint, result).Inc()
	endpointLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveSelection records where a recipient came from.
func ObserveSelection(source string) {
	selections.WithLabelValues(source).Inc()
}

// ObserveNotification records a notification delivery result.
func ObserveNotification(sink string, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	notifications.WithLabelValues(sink, result).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
