package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	permissionChecks     *prometheus.CounterVec
	impersonationStarts  prometheus.Counter
	impersonationDenials prometheus.Counter
}

// Permission check outcomes recorded by the resolver.
const (
	CheckGranted    = "granted"
	CheckDenied     = "denied"
	CheckFailClosed = "fail_closed"
)

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casafleet_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "casafleet_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casafleet_permission_checks_total",
		Help: "Permission check resolutions by outcome.",
	}, []string{"outcome"})
	starts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casafleet_impersonation_starts_total",
		Help: "Impersonation sessions started.",
	})
	denials := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casafleet_impersonation_denials_total",
		Help: "Impersonation attempts rejected by a privilege rule.",
	})
	registry.MustRegister(requests, duration, checks, starts, denials)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		permissionChecks:     checks,
		impersonationStarts:  starts,
		impersonationDenials: denials,
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

// PermissionCheck records one permission check resolution.
func (m *Metrics) PermissionCheck(outcome string) {
	if m == nil {
		return
	}
	m.permissionChecks.WithLabelValues(outcome).Inc()
}

// ImpersonationStarted records a successfully opened impersonation session.
func (m *Metrics) ImpersonationStarted() {
	if m == nil {
		return
	}
	m.impersonationStarts.Inc()
}

// ImpersonationDenied records an impersonation attempt rejected by a privilege rule.
func (m *Metrics) ImpersonationDenied() {
	if m == nil {
		return
	}
	m.impersonationDenials.Inc()
}

// Registerer exposes the registry for custom metric registration.
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
