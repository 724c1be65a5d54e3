package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics initialises the registry and the base HTTP metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for module-specific metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// CostingMetrics carries the valuation-correction telemetry. It satisfies
// the costing service's MetricsPort.
type CostingMetrics struct {
	corrections     *prometheus.CounterVec
	correctionValue *prometheus.CounterVec
	violations      prometheus.Counter
	mismatches      prometheus.Counter
	skippedLines    *prometheus.CounterVec
}

// NewCostingMetrics registers the costing counters.
func NewCostingMetrics(reg prometheus.Registerer) *CostingMetrics {
	m := &CostingMetrics{
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_costing_corrections_total",
			Help: "Valuation adjustment records created, by layer direction.",
		}, []string{"direction"}),
		correctionValue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_costing_correction_value_total",
			Help: "Absolute corrected value in company currency, by layer direction.",
		}, []string{"direction"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_costing_tolerance_violations_total",
			Help: "Corrections whose accumulated value exceeded the layer value tolerance.",
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_costing_reconcile_mismatch_total",
			Help: "Interim-account reconciliation passes that left a residual.",
		}),
		skippedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_costing_skipped_lines_total",
			Help: "Invoice lines skipped during correction, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.corrections, m.correctionValue, m.violations, m.mismatches, m.skippedLines)
	return m
}

// CorrectionRecorded counts one adjustment record and its absolute value.
func (m *CostingMetrics) CorrectionRecorded(direction string, value float64) {
	m.corrections.WithLabelValues(direction).Inc()
	if value < 0 {
		value = -value
	}
	m.correctionValue.WithLabelValues(direction).Add(value)
}

// ToleranceViolation counts one tolerance breach.
func (m *CostingMetrics) ToleranceViolation() { m.violations.Inc() }

// ReconcileMismatch counts one reconciliation residual.
func (m *CostingMetrics) ReconcileMismatch() { m.mismatches.Inc() }

// LineSkipped counts one skipped invoice line.
func (m *CostingMetrics) LineSkipped(reason string) { m.skippedLines.WithLabelValues(reason).Inc() }
