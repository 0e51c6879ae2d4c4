// Package metrics exposes gateway counters in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apigate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// healthStates maps health states to gauge values.
var healthStates = map[string]float64{
	"uninitialized": 0,
	"ready":         1,
	"healthy":       2,
	"degraded":      3,
	"unreachable":   4,
}

// Collector owns a private registry so several gateways can live in one
// process. All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	healthState      *prometheus.GaugeVec
	rejections       *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered by the proxy stage, by service, version and status code",
		}, []string{"service", "version", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round trip duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"service"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by service and kind (timeout, transport, unavailable)",
		}, []string{"service", "kind"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health_state",
			Help:      "Service health: 0 uninitialized, 1 ready, 2 healthy, 3 degraded, 4 unreachable",
		}, []string{"service"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_rejections_total",
			Help:      "Requests stopped by a pipeline stage before reaching an upstream",
		}, []string{"stage", "code"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health probes by service and result",
		}, []string{"service", "result"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.upstreamDuration,
		c.upstreamErrors,
		c.healthState,
		c.rejections,
		c.healthChecks,
	)
	return c
}

// RecordRequest records a request answered by the proxy stage.
func (c *Collector) RecordRequest(service, version string, statusCode int) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(service, version, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstream records an upstream round trip.
func (c *Collector) ObserveUpstream(service string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordUpstreamError records a failed upstream call.
func (c *Collector) RecordUpstreamError(service, kind string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(service, kind).Inc()
}

// SetHealthState records a service's health state.
func (c *Collector) SetHealthState(service, state string) {
	if c == nil {
		return
	}
	c.healthState.WithLabelValues(service).Set(healthStates[state])
}

// RecordHealthCheck records one probe result.
func (c *Collector) RecordHealthCheck(service string, healthy bool) {
	if c == nil {
		return
	}
	result := "failure"
	if healthy {
		result = "success"
	}
	c.healthChecks.WithLabelValues(service, result).Inc()
}

// RecordRejection records a request stopped by stage with code.
func (c *Collector) RecordRejection(stage string, code int) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(stage, strconv.Itoa(code)).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
