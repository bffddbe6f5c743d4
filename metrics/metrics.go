// Package metrics exposes prometheus instrumentation for the marketplace
// engines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors shared by the manager engine, payment
// ledger and proof batcher.
type Metrics struct {
	Registry *prometheus.Registry

	TasksCreated   prometheus.Counter
	TasksAssigned  prometheus.Counter
	TasksAccepted  prometheus.Counter
	TasksRejected  prometheus.Counter
	TasksCompleted prometheus.Counter
	PaymentsIssued prometheus.Counter
	ProofsProven   prometheus.Counter
	ProofFailures  prometheus.Counter
	SweepDuration  prometheus.Histogram
	WorkersQueued  prometheus.Gauge
}

// New builds a registry and registers all collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_created_total",
			Help: "Tasks added to the pool.",
		}),
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_assigned_total",
			Help: "Assignments sent to workers, including reassignments.",
		}),
		TasksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_accepted_total",
			Help: "Assignments accepted by workers.",
		}),
		TasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_rejected_total",
			Help: "Assignments rejected, explicitly or by timeout.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total",
			Help: "Tasks paid out after submission.",
		}),
		PaymentsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_issued_total",
			Help: "Signed payments issued by the ledger.",
		}),
		ProofsProven: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proofs_proven_total",
			Help: "Settlement proofs generated.",
		}),
		ProofFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proof_failures_total",
			Help: "Proof batches rejected or failed.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Duration of one lifecycle sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		WorkersQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_queued",
			Help: "Workers currently idle in the queue.",
		}),
	}
	reg.MustRegister(
		m.TasksCreated, m.TasksAssigned, m.TasksAccepted, m.TasksRejected,
		m.TasksCompleted, m.PaymentsIssued, m.ProofsProven, m.ProofFailures,
		m.SweepDuration, m.WorkersQueued,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
