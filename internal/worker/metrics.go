package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	pixelsDecodedTotal prometheus.Counter
	outputBytesTotal   prometheus.Counter
	computeTimeMSTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawthumb_worker_jobs_total",
			Help: "Total worker jobs by source and final status.",
		}, []string{"source", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rawthumb_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rawthumb_worker_active_jobs",
			Help: "Current number of active thumbnail jobs in the worker.",
		}),
		pixelsDecodedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rawthumb_usage_pixels_decoded_total",
			Help: "Total RAW pixels decoded across all successful jobs.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rawthumb_usage_output_bytes_total",
			Help: "Total encoded thumbnail bytes across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rawthumb_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pixelsDecodedTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
