package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics mirroring the persistent counters and
// event log, scraped through the maintenance endpoint.
type Metrics struct {
	// Error counters, labeled by the persistent counter name.
	ErrorsTotal *prometheus.CounterVec

	// Logged events, labeled by severity.
	EventsTotal *prometheus.CounterVec

	// Buffered sample count and scheduler queue depth, set by the
	// maintenance handler at scrape time.
	BufferedSamples prometheus.Gauge
	QueuedTasks     prometheus.Gauge
}

// NewMetrics creates and registers all diagnostics metrics against reg
// (pass prometheus.DefaultRegisterer in production; tests use their own
// registry so repeated construction doesn't collide).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecowatt_errors_total",
				Help: "Persistent error counters, by counter name",
			},
			[]string{"counter"},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecowatt_events_total",
				Help: "Diagnostic events logged, by severity",
			},
			[]string{"severity"},
		),

		BufferedSamples: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ecowatt_buffered_samples",
				Help: "Samples currently held in the ring buffer",
			},
		),

		QueuedTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ecowatt_queued_tasks",
				Help: "Tasks currently waiting in the scheduler queue",
			},
		),
	}
}

// RecordCounter records one increment of the named persistent counter.
func (m *Metrics) RecordCounter(name CounterName) {
	m.ErrorsTotal.WithLabelValues(string(name)).Inc()
}

// RecordEvent records one logged event.
func (m *Metrics) RecordEvent(sev Severity) {
	m.EventsTotal.WithLabelValues(sev.String()).Inc()
}
