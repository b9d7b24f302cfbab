package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a POST /v1/runs submission.
const (
	outcomeAccepted      = "accepted"
	outcomeInvalid       = "invalid"
	outcomeSetupError    = "setup_error"
	outcomeEnqueueFailed = "enqueue_failed"
	outcomeRateLimited   = "rate_limited"
	outcomeError         = "error"
)

type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge

	runsSubmitted  *prometheus.CounterVec
	runSheets      prometheus.Histogram
	sheetsEnqueued *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formprep_api_request_duration_seconds",
			Help:    "API request latency. Run submission includes template resolution and discovery.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "formprep_api_requests_in_flight",
			Help: "Requests currently being served.",
		}),
		runsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_api_runs_submitted_total",
			Help: "Run submissions by outcome.",
		}, []string{"outcome"}),
		runSheets: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "formprep_api_run_sheets",
			Help:    "Sheets discovered per accepted run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}),
		sheetsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_api_sheets_enqueued_total",
			Help: "Sheets handed to the queue, by queue name.",
		}, []string{"queue"}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// observeRun records one POST /v1/runs outcome. sheets is the discovered
// sheet count and only counts toward the histogram for accepted runs.
func (m *metrics) observeRun(outcome string, sheets int) {
	m.runsSubmitted.WithLabelValues(outcome).Inc()
	if outcome == outcomeAccepted {
		m.runSheets.Observe(float64(sheets))
	}
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.inFlight, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}))
}

// routeLabel collapses request paths onto the mux patterns so run ids never
// become label values.
func routeLabel(path string) string {
	switch {
	case path == "/v1/runs":
		return "/v1/runs"
	case strings.HasPrefix(path, "/v1/runs/"):
		return "/v1/runs/{id}"
	case path == "/healthz", path == "/metrics":
		return path
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
