// Package telemetry exposes Prometheus metrics for the anchoring service:
// HTTP traffic plus anchor and verify outcomes per backend.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names.
const (
	MetricAnchorTotal          = "anchor_operations_total"
	MetricAnchorDuration       = "anchor_operation_duration_seconds"
	MetricVerifyTotal          = "verify_operations_total"
	MetricVerifyDuration       = "verify_operation_duration_seconds"
	MetricHTTPRequestsTotal    = "http_requests_total"
	MetricHTTPRequestDuration  = "http_request_duration_seconds"
	MetricHTTPRequestsInFlight = "http_requests_in_flight"
)

// ledger round trips dominate; submissions can take tens of seconds
var anchorBuckets = []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the service collectors. All methods are safe for concurrent
// use.
type Metrics struct {
	registry *prometheus.Registry

	anchorTotal    *prometheus.CounterVec
	anchorDuration *prometheus.HistogramVec
	verifyTotal    *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		anchorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAnchorTotal,
			Help: "Anchor operations by backend and outcome",
		}, []string{"backend", "outcome"}),
		anchorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricAnchorDuration,
			Help:    "Anchor operation latency in seconds",
			Buckets: anchorBuckets,
		}, []string{"backend"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricVerifyTotal,
			Help: "Verify operations by resolving backend and outcome",
		}, []string{"backend", "outcome"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricVerifyDuration,
			Help:    "Verify operation latency in seconds",
			Buckets: anchorBuckets,
		}, []string{"backend"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0, 10.0},
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHTTPRequestsInFlight,
			Help: "HTTP requests currently being served",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.anchorTotal, m.anchorDuration,
		m.verifyTotal, m.verifyDuration,
		m.httpRequests, m.httpDuration, m.httpInFlight,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAnchor records one anchor attempt.
func (m *Metrics) ObserveAnchor(backend, outcome string, d time.Duration) {
	m.anchorTotal.WithLabelValues(backend, outcome).Inc()
	m.anchorDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveVerify records one verification. backend is the backend that
// resolved the receipt, or "none" when no backend did.
func (m *Metrics) ObserveVerify(backend, outcome string, d time.Duration) {
	m.verifyTotal.WithLabelValues(backend, outcome).Inc()
	m.verifyDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency by route pattern. Requests
// that matched no route are labelled "unmatched" to bound cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
