package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the slot registry.
type Metrics struct {
	Running        prometheus.Gauge
	UploadSessions prometheus.Gauge
	Reclaimed      prometheus.Counter
	StopFailures   prometheus.Counter
}

// NewMetrics creates and registers registry metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bothost",
			Subsystem: "sessions",
			Name:      "running_processes",
			Help:      "Hosted processes currently registered.",
		}),
		UploadSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bothost",
			Subsystem: "sessions",
			Name:      "upload_sessions",
			Help:      "Slots currently reserved by an upload flow.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "sessions",
			Name:      "reclaimed_total",
			Help:      "Idle upload sessions reclaimed.",
		}),
		StopFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "sessions",
			Name:      "stop_failures_total",
			Help:      "Processes that survived the terminate/kill escalation.",
		}),
	}

	reg.MustRegister(m.Running, m.UploadSessions, m.Reclaimed, m.StopFailures)
	return m
}

func (m *Metrics) setRunning(n int) {
	if m != nil {
		m.Running.Set(float64(n))
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.UploadSessions.Set(float64(n))
	}
}

func (m *Metrics) reclaimed(n int) {
	if m != nil {
		m.Reclaimed.Add(float64(n))
	}
}

func (m *Metrics) stopFailed() {
	if m != nil {
		m.StopFailures.Inc()
	}
}
