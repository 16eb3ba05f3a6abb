// Package metrics exposes the scheduler, ledger, and agent counters through
// a Prometheus registry, surfaced for operators rather than just the stats
// snapshot endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thorium"

// Metrics bundles every gauge/counter the scaler and agent touch, registered
// against a private registry so tests can instantiate independent sets.
type Metrics struct {
	Registry *prometheus.Registry

	TickDuration      prometheus.Histogram
	WorkersSpawned    *prometheus.CounterVec // label: backend
	WorkersKilled     *prometheus.CounterVec // label: backend, reason
	WorkersRunning    *prometheus.GaugeVec   // label: backend
	LedgerDeadlines   prometheus.Gauge
	LedgerRunning     prometheus.Gauge
	ReactionsFailed   *prometheus.CounterVec // label: code
	ReactionsComplete prometheus.Counter
	AgentToolDuration prometheus.Histogram
}

// New builds a Metrics bundle and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help: "Wall-clock duration of one scheduler tick.", Buckets: prometheus.DefBuckets,
		}),
		WorkersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "workers_spawned_total",
			Help: "Workers spawned, by backend.",
		}, []string{"backend"}),
		WorkersKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "workers_killed_total",
			Help: "Workers killed, by backend and reason.",
		}, []string{"backend", "reason"}),
		WorkersRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "workers_running",
			Help: "Live workers currently tracked, by backend.",
		}, []string{"backend"}),
		LedgerDeadlines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "deadlines",
			Help: "Sum of pending+running deadlines across all ledger entries.",
		}),
		LedgerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "running",
			Help: "Sum of running workers across all ledger entries.",
		}),
		ReactionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaction", Name: "failed_total",
			Help: "Reactions that reached a terminal Failed state, by failure code.",
		}, []string{"code"}),
		ReactionsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reaction", Name: "completed_total",
			Help: "Reactions that reached a terminal Completed state.",
		}),
		AgentToolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "tool_duration_seconds",
			Help: "Wall-clock duration of a tool invocation.", Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.TickDuration, m.WorkersSpawned, m.WorkersKilled, m.WorkersRunning,
		m.LedgerDeadlines, m.LedgerRunning, m.ReactionsFailed, m.ReactionsComplete,
		m.AgentToolDuration,
	)
	return m
}

// Handler returns the HTTP handler serving this bundle's registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
