package watcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the file watcher.
type Metrics struct {
	Polls          prometheus.Counter
	NewFiles       prometheus.Counter
	Deletions      prometheus.Counter
	DeleteFailures prometheus.Counter
}

// NewMetrics creates and registers watcher metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Total slot directory polls.",
		}),
		NewFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "watcher",
			Name:      "new_files_total",
			Help:      "Total files created by running processes and sent for scanning.",
		}),
		Deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "watcher",
			Name:      "deletions_total",
			Help:      "Total flagged files deleted.",
		}),
		DeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bothost",
			Subsystem: "watcher",
			Name:      "delete_failures_total",
			Help:      "Total flagged files that could not be deleted.",
		}),
	}

	reg.MustRegister(m.Polls, m.NewFiles, m.Deletions, m.DeleteFailures)
	return m
}

func (m *Metrics) poll(added int) {
	if m == nil {
		return
	}
	m.Polls.Inc()
	m.NewFiles.Add(float64(added))
}

func (m *Metrics) deleted() {
	if m != nil {
		m.Deletions.Inc()
	}
}

func (m *Metrics) deleteFailed() {
	if m != nil {
		m.DeleteFailures.Inc()
	}
}
