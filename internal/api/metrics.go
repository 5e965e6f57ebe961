package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	convertTotal      *prometheus.CounterVec
	convertDuration   *prometheus.HistogramVec
	convertRejected   prometheus.Counter
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawthumb_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rawthumb_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		convertTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawthumb_api_conversions_total",
			Help: "Total synchronous conversions by output format and outcome.",
		}, []string{"format", "outcome"}),
		convertDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rawthumb_api_conversion_duration_seconds",
			Help:    "Synchronous conversion latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"format", "outcome"}),
		convertRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rawthumb_api_conversions_rejected_total",
			Help: "Total conversions rejected because every slot was busy.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawthumb_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawthumb_queue_jobs_enqueued_total",
			Help: "Total thumbnail jobs enqueued to the processing queue.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.convertTotal,
		m.convertDuration,
		m.convertRejected,
		m.rateLimitRejected,
		m.queueEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/convert"):
		return "/v1/convert"
	case strings.HasPrefix(path, "/v1/thumbnails"):
		return "/v1/thumbnails"
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/start"):
		return "/v1/jobs/{id}/start"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{id}"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
