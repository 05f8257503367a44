// Package metrics exposes lifecycle counters and state gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the lifecycle engine.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	spawnFailures prometheus.Counter
	crashes       prometheus.Counter
	instanceState *prometheus.GaugeVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyfleet_operations_total",
				Help: "Lifecycle operations by name and outcome",
			},
			[]string{"operation", "outcome"},
		),

		spawnFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxyfleet_spawn_failures_total",
				Help: "Process spawn attempts that failed",
			},
		),

		crashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxyfleet_crashes_observed_total",
				Help: "Supervised processes observed to have exited unexpectedly",
			},
		),

		instanceState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxyfleet_instances",
				Help: "Instances by observed state",
			},
			[]string{"state"},
		),
	}
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordOperation records a lifecycle operation outcome.
func (m *Metrics) RecordOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordSpawnFailure counts a failed spawn.
func (m *Metrics) RecordSpawnFailure() { m.spawnFailures.Inc() }

// RecordCrash counts a newly observed unexpected exit.
func (m *Metrics) RecordCrash() { m.crashes.Inc() }

// SetInstanceStates replaces the per-state instance gauges.
func (m *Metrics) SetInstanceStates(counts map[string]int) {
	for _, state := range []string{"running", "stopped", "crashed"} {
		m.instanceState.WithLabelValues(state).Set(float64(counts[state]))
	}
}
