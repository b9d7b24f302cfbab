package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	sheetsTotal        *prometheus.CounterVec
	sheetDuration      *prometheus.HistogramVec
	activeSheets       prometheus.Gauge
	runsCompletedTotal prometheus.Counter
	outputBytesTotal   prometheus.Counter
	webhookFailures    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		sheetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_worker_sheets_total",
			Help: "Sheets handled by the worker by final status.",
		}, []string{"status"}),
		sheetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formprep_worker_sheet_duration_seconds",
			Help:    "Time spent normalizing one sheet.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeSheets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formprep_worker_active_sheets",
			Help: "Sheets currently being normalized by this worker.",
		}),
		runsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formprep_worker_runs_completed_total",
			Help: "Runs whose final sheet was handled by this worker.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formprep_worker_output_bytes_total",
			Help: "Bytes of normalized JPEG written.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formprep_worker_webhook_failures_total",
			Help: "run.completed deliveries that exhausted their retries.",
		}),
	}

	registry.MustRegister(
		m.sheetsTotal,
		m.sheetDuration,
		m.activeSheets,
		m.runsCompletedTotal,
		m.outputBytesTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
