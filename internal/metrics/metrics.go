// Package metrics provides Prometheus metrics for the bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	VotesTotal         *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	DBRetriesTotal     prometheus.Counter
	MaintenanceDeleted *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppbot_events_total",
				Help: "Inbound Slack events by outcome.",
			},
			[]string{"outcome"},
		),
		VotesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppbot_votes_total",
				Help: "Votes by action and result.",
			},
			[]string{"action", "result"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppbot_admission_decisions_total",
				Help: "Abuse-control decisions by reason code and enforcement mode.",
			},
			[]string{"reason", "mode"},
		),
		DBRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ppbot_db_retries_total",
				Help: "Database operations retried after a transient failure.",
			},
		),
		MaintenanceDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppbot_maintenance_deleted_total",
				Help: "Rows deleted by retention sweeps, per table.",
			},
			[]string{"table"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.VotesTotal)
	reg.MustRegister(m.DecisionsTotal)
	reg.MustRegister(m.DBRetriesTotal)
	reg.MustRegister(m.MaintenanceDeleted)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent increments the inbound-event counter.
func (m *Metrics) RecordEvent(outcome string) {
	m.EventsTotal.WithLabelValues(outcome).Inc()
}

// RecordVote increments the vote counter.
func (m *Metrics) RecordVote(action, result string) {
	m.VotesTotal.WithLabelValues(action, result).Inc()
}

// RecordDecision increments the admission-decision counter.
func (m *Metrics) RecordDecision(reason, mode string) {
	m.DecisionsTotal.WithLabelValues(reason, mode).Inc()
}

// RecordDBRetry increments the retry counter.
func (m *Metrics) RecordDBRetry() {
	m.DBRetriesTotal.Inc()
}

// RecordMaintenanceDeleted adds deleted-row counts for a table.
func (m *Metrics) RecordMaintenanceDeleted(table string, n int64) {
	m.MaintenanceDeleted.WithLabelValues(table).Add(float64(n))
}
