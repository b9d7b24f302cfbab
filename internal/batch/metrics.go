package batch

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Metrics struct {
	registry           *prometheus.Registry
	runsTotal          *prometheus.CounterVec
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	outputBytesTotal   prometheus.Counter
	pixelsWrittenTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_batch_runs_total",
			Help: "Total batch runs by outcome (completed, setup_failed, cancelled).",
		}, []string{"outcome"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formprep_batch_jobs_total",
			Help: "Total sheet jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formprep_batch_job_duration_seconds",
			Help:    "Processing duration of each sheet job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formprep_batch_active_jobs",
			Help: "Current number of sheets being normalized.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formprep_batch_output_bytes_total",
			Help: "Total JPEG bytes written by successful jobs.",
		}),
		pixelsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formprep_batch_pixels_written_total",
			Help: "Total output pixels written by successful jobs.",
		}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.outputBytesTotal,
		m.pixelsWrittenTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the current registry to a Prometheus Pushgateway, for one-shot
// CLI runs that exit before any scrape.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	return push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx)
}
