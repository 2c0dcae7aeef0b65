// Package metrics exposes prometheus collectors for operations, courier
// deliveries and API requests on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Conclave/internal/opmon"
)

const namespace = "conclave"

// Collector holds every metric of the agent.
type Collector struct {
	registry   *prometheus.Registry     // registry is private to the agent
	submitted  *prometheus.CounterVec   // submitted counts new operations per kind
	completed  *prometheus.CounterVec   // completed counts terminal transitions per kind and status
	pending    *prometheus.GaugeVec     // pending tracks operations awaiting authorization
	deliveries *prometheus.CounterVec   // deliveries counts courier attempts per topic and result
	requests   *prometheus.HistogramVec // requests tracks API latency per code and method
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_submitted_total",
			Help:      "Operations created, by kind.",
		}, []string{"kind"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Operations reaching a terminal state, by kind and status.",
		}, []string{"kind", "status"}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_pending",
			Help:      "Operations awaiting authorization, by kind.",
		}, []string{"kind"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Courier deliveries, by topic and result.",
		}, []string{"topic", "result"}),
		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
}

// Submitted records a new pending operation.
func (c *Collector) Submitted(kind opmon.Kind) {
	c.submitted.WithLabelValues(string(kind)).Inc()
	c.pending.WithLabelValues(string(kind)).Inc()
}

// Finished records a terminal transition.
func (c *Collector) Finished(kind opmon.Kind, status opmon.Status) {
	c.completed.WithLabelValues(string(kind), string(status)).Inc()
	c.pending.WithLabelValues(string(kind)).Dec()
}

// SetPending resets the pending gauge of kind, used after restart.
func (c *Collector) SetPending(kind opmon.Kind, n int) {
	c.pending.WithLabelValues(string(kind)).Set(float64(n))
}

// Delivered records one courier delivery outcome.
func (c *Collector) Delivered(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	c.deliveries.WithLabelValues(topic, result).Inc()
}

// Instrument wraps an API handler with the latency histogram.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(c.requests, next)
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
