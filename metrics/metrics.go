// Package metrics exposes the engine's Prometheus instrumentation:
// operation counters and what each sweep expired, warned and pruned.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zachbabanov/loadzone/pool"
)

// Metrics holds every collector the server registers.
type Metrics struct {
	registry *prometheus.Registry

	Operations      *prometheus.CounterVec
	SweepRuns       prometheus.Counter
	SweepExpired    prometheus.Counter
	SweepWarned     prometheus.Counter
	SweepPruned     prometheus.Counter
	BookedResources prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadzone",
			Name:      "operations_total",
			Help:      "Interactive operations by action and outcome.",
		}, []string{"action", "outcome"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadzone",
			Name:      "sweep_runs_total",
			Help:      "Completed retention sweeps.",
		}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadzone",
			Name:      "sweep_expired_total",
			Help:      "Bookings auto-released by the sweeper.",
		}),
		SweepWarned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadzone",
			Name:      "sweep_warned_total",
			Help:      "Expiry warnings emitted by the sweeper.",
		}),
		SweepPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadzone",
			Name:      "sweep_pruned_total",
			Help:      "History records pruned by the sweeper.",
		}),
		BookedResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadzone",
			Name:      "booked_resources",
			Help:      "Resources currently in the BOOKED state.",
		}),
	}
	m.registry.MustRegister(
		m.Operations,
		m.SweepRuns,
		m.SweepExpired,
		m.SweepWarned,
		m.SweepPruned,
		m.BookedResources,
	)
	return m
}

// ObserveOperation records one interactive operation's outcome.
func (m *Metrics) ObserveOperation(action string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case pool.IsClientError(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.Operations.WithLabelValues(action, outcome).Inc()
}

// ObserveSweep records one completed sweep.
func (m *Metrics) ObserveSweep(res pool.SweepResult) {
	m.SweepRuns.Inc()
	m.SweepExpired.Add(float64(res.Expired))
	m.SweepWarned.Add(float64(res.Warned))
	m.SweepPruned.Add(float64(res.Pruned))
}

// Handler returns the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
