// Package metrics holds the prometheus collectors for the HTTP surface, the
// provisioning saga, login and the tenant connection registry. Every method
// is safe to call on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	provisioningTotal  *prometheus.CounterVec
	compensationsTotal *prometheus.CounterVec
	loginAttemptsTotal *prometheus.CounterVec
	tenantScanSkips    prometheus.Counter
	tenantHandlesOpen  prometheus.Gauge
	tenantAcquires     *prometheus.CounterVec
}

// New registers the collectors with reg. A *prometheus.Registry is also used
// as the gatherer for Handler; any other Registerer falls back to the default
// gatherer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medflow_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medflow_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		provisioningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_provisioning_total",
			Help: "Tenant provisioning runs by result.",
		}, []string{"result"}),
		compensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_provisioning_compensations_total",
			Help: "Compensating actions run after a failed provisioning step.",
		}, []string{"action", "result"}),
		loginAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		tenantScanSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medflow_tenant_scan_skips_total",
			Help: "Tenants skipped during a login scan because they could not be queried in time.",
		}),
		tenantHandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medflow_tenant_handles_open",
			Help: "Tenant database handles currently borrowed.",
		}),
		tenantAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_tenant_acquires_total",
			Help: "Tenant handle acquisitions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.provisioningTotal, m.compensationsTotal, m.loginAttemptsTotal,
		m.tenantScanSkips, m.tenantHandlesOpen, m.tenantAcquires,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registered collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			m.httpRequestsTotal.WithLabelValues(labels...).Inc()
			m.httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ProvisioningResult counts a finished saga; result is "success" or the state
// that failed.
func (m *Metrics) ProvisioningResult(result string) {
	if m == nil {
		return
	}
	m.provisioningTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Compensation(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.compensationsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TenantScanSkip() {
	if m == nil {
		return
	}
	m.tenantScanSkips.Inc()
}

func (m *Metrics) HandleOpened() {
	if m == nil {
		return
	}
	m.tenantHandlesOpen.Inc()
	m.tenantAcquires.WithLabelValues("ok").Inc()
}

func (m *Metrics) HandleClosed() {
	if m == nil {
		return
	}
	m.tenantHandlesOpen.Dec()
}

func (m *Metrics) AcquireFailed(reason string) {
	if m == nil {
		return
	}
	m.tenantAcquires.WithLabelValues(reason).Inc()
}
