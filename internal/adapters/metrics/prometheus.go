// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	cellFetches         *prometheus.CounterVec
	cellFetchDuration   *prometheus.HistogramVec
	tilesEncoded        *prometheus.CounterVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector with its own
// registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "demtiler"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs reaching a status, by data type",
			},
			[]string{"data_type", "status"},
		),

		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"data_type"},
		),

		activeJobs: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Number of pending or running jobs",
			},
		),

		cellFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cell_fetches_total",
				Help:      "Cell fetch attempts by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),

		cellFetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cell_fetch_duration_seconds",
				Help:      "Cell fetch attempt duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),

		tilesEncoded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_encoded_total",
				Help:      "WebP tiles written by quality preset",
			},
			[]string{"preset"},
		),

		storageOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncJobs counts a job reaching status.
func (c *Collector) IncJobs(dataType string, status string) {
	c.jobsTotal.WithLabelValues(dataType, status).Inc()
}

// ObserveJobDuration records the wall time of a pipeline run.
func (c *Collector) ObserveJobDuration(dataType string, duration time.Duration) {
	c.jobDuration.WithLabelValues(dataType).Observe(duration.Seconds())
}

// SetActiveJobs sets the number of pending or running jobs.
func (c *Collector) SetActiveJobs(count int) {
	c.activeJobs.Set(float64(count))
}

// IncCellFetch counts one cell fetch attempt.
func (c *Collector) IncCellFetch(protocol string, outcome string) {
	c.cellFetches.WithLabelValues(protocol, outcome).Inc()
}

// ObserveCellFetchDuration records one cell fetch attempt.
func (c *Collector) ObserveCellFetchDuration(protocol string, duration time.Duration) {
	c.cellFetchDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// AddTilesEncoded counts encoded tiles.
func (c *Collector) AddTilesEncoded(preset string, count int) {
	c.tilesEncoded.WithLabelValues(preset).Add(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.storageOperations.WithLabelValues(operation, status).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		c.IncHTTPRequests(r.Method, path, statusToString(wrapped.statusCode))
		c.ObserveHTTPDuration(r.Method, path, time.Since(start))
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath replaces job keys and product names with placeholders so
// label cardinality stays bounded.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "v1" {
		switch parts[2] {
		case "jobs":
			return "/api/v1/jobs/{key}"
		case "products":
			return "/api/v1/products/{name}"
		}
	}
	if len(parts) > 4 {
		return "/" + strings.Join(parts[:3], "/") + "/..."
	}
	return path
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
