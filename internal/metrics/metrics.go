// Package metrics exposes Prometheus metrics for the Live Photo API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for HTTP traffic and jobs.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobs          *prometheus.GaugeVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livephoto_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livephoto_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livephoto_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"kind", "status"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livephoto_job_duration_seconds",
		Help:    "Run time of finished jobs, excluding queue time",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})
	jobs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livephoto_jobs",
		Help: "Number of known jobs by status",
	}, []string{"status"})

	registry.MustRegister(requestsTotal, errorsTotal, jobsTotal, jobDuration, jobs)

	return &Metrics{
		registry:      registry,
		requestsTotal: requestsTotal,
		errorsTotal:   errorsTotal,
		jobsTotal:     jobsTotal,
		jobDuration:   jobDuration,
		jobs:          jobs,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(kind, status string, elapsed time.Duration) {
	m.jobsTotal.WithLabelValues(kind, status).Inc()
	if elapsed > 0 {
		m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// SetJobs replaces the per-status job gauge.
func (m *Metrics) SetJobs(counts map[string]int) {
	m.jobs.Reset()
	for status, n := range counts {
		m.jobs.WithLabelValues(status).Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
