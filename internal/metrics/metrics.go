package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildove_deliveries_total",
			Help: "SendMail calls by result.",
		},
		[]string{
			"result", // "ok", "partial", "failed"
		},
	)
	DomainOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildove_domain_outcomes_total",
			Help: "Per-domain delivery outcomes.",
		},
		[]string{
			"result", // "ok", "resolve", "connect", "protocol", "timeout", "error"
		},
	)
	STARTTLS = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildove_starttls_total",
			Help: "STARTTLS upgrade attempts by result.",
		},
		[]string{
			"result", // "ok", "fallback"
		},
	)
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maildove_sessions_active",
			Help: "SMTP sessions currently open.",
		},
	)
)

// IncSessions increments the active session count.
func IncSessions() {
	sessionsActive.Inc()
}

// DecSessions decrements the active session count.
func DecSessions() {
	sessionsActive.Dec()
}

// WriteTextfile writes every metric of the default registry to path in the
// Prometheus text format, for the node_exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	Deliveries.Reset()
	DomainOutcomes.Reset()
	STARTTLS.Reset()
	sessionsActive.Set(0)
}
