package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharedrop/sharedrop/internal/config"
)

// Manager defines the interface for metrics collection and export
type Manager interface {
	// HTTP metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Share metrics, satisfies share.MetricsRecorder
	RecordShareOperation(operation, outcome string)
	RecordShareUploadSize(size int64)

	// Background tasks, satisfies lifecycle.TaskRecorder
	RecordBackgroundTask(task, status string, duration time.Duration)

	// Export
	GetMetricsHandler() http.Handler
	Middleware() func(http.Handler) http.Handler
	IsHealthy() bool

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

const namespace = "sharedrop"

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Shares
	shareOperationsTotal *prometheus.CounterVec
	shareUploadSize      prometheus.Histogram

	// Background tasks
	backgroundTasksTotal   *prometheus.CounterVec
	backgroundTaskDuration *prometheus.HistogramVec

	started bool
	mu      sync.RWMutex
}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	manager := &metricsManager{
		registry: prometheus.NewRegistry(),
	}

	manager.initializeMetrics()
	manager.registerMetrics()
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.shareOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "operations_total",
			Help:      "Total number of share operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.shareUploadSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "upload_size_bytes",
			Help:      "Size of uploaded share files in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
		},
	)

	m.backgroundTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "tasks_total",
			Help:      "Total number of background task runs",
		},
		[]string{"task", "status"},
	)

	m.backgroundTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "task_duration_seconds",
			Help:      "Background task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (m *metricsManager) registerMetrics() {
	metrics := []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.shareOperationsTotal,
		m.shareUploadSize,
		m.backgroundTasksTotal,
		m.backgroundTaskDuration,

		// Process and runtime
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		collectors.NewGoCollector(),
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) RecordShareOperation(operation, outcome string) {
	m.shareOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *metricsManager) RecordShareUploadSize(size int64) {
	m.shareUploadSize.Observe(float64(size))
}

func (m *metricsManager) RecordBackgroundTask(task, status string, duration time.Duration) {
	m.backgroundTasksTotal.WithLabelValues(task, status).Inc()
	m.backgroundTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Middleware records request counts and latencies labelled by route template,
// so share codes never become label values
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, RoutePath(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// RoutePath returns the matched mux route template, or "unmatched"
func RoutePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	m.started = true
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("metrics manager not started")
	}

	m.started = false
	return nil
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) RecordShareOperation(operation, outcome string)                        {}
func (n *noopManager) RecordShareUploadSize(size int64)                                      {}
func (n *noopManager) RecordBackgroundTask(task, status string, duration time.Duration)      {}
func (n *noopManager) GetMetricsHandler() http.Handler                                       { return http.NotFoundHandler() }
func (n *noopManager) IsHealthy() bool                                                       { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error                     { return nil }
