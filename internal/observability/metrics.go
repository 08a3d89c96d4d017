package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the control plane.
const Namespace = "bothost"

// MetricsCollector holds the cross-cutting Prometheus metrics.
// Component packages (session, watcher) register their own metrics on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Security scan metrics.
	ScanFilesTotal   *prometheus.CounterVec
	ScanDuration     *prometheus.HistogramVec
	ScanUnavailable  *prometheus.CounterVec

	// Archive metrics.
	ExtractionsTotal   *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram

	// Process metrics.
	ProcessStartsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total model requests.",
		}, []string{"model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Model request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed.",
		}, []string{"model", "direction"}),

		ScanFilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scan",
			Name:      "files_total",
			Help:      "Files classified, by verdict and trigger.",
		}, []string{"verdict", "source"}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of a full scan request.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"source"}),

		ScanUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scan",
			Name:      "unavailable_total",
			Help:      "Files allowed without review because the classifier failed.",
		}, []string{"source"}),

		ExtractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "archive",
			Name:      "extractions_total",
			Help:      "Archive extractions, by result.",
		}, []string{"result"}),

		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "archive",
			Name:      "extraction_duration_seconds",
			Help:      "Archive extraction duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		ProcessStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Hosted process start attempts, by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ScanFilesTotal,
		m.ScanDuration,
		m.ScanUnavailable,
		m.ExtractionsTotal,
		m.ExtractionDuration,
		m.ProcessStartsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ProcessStarted counts a start attempt. Safe on a nil collector.
func (m *MetricsCollector) ProcessStarted(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProcessStartsTotal.WithLabelValues(result).Inc()
}
