// Package metrics holds the Prometheus instrumentation for the game server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing, which keeps tests free of global registry
// collisions.
type Metrics struct {
	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	RuleViolations  *prometheus.CounterVec

	// Actor metrics
	ActorsLive     prometheus.Gauge
	MailboxRejects prometheus.Counter

	// Broadcast metrics
	Subscribers    prometheus.Gauge
	BroadcastDrops prometheus.Counter

	// Store metrics
	WriteConflicts prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "we_commands_total",
				Help: "Total game commands processed",
			},
			[]string{"type", "result"}, // result: ok, violation, error
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "we_command_duration_seconds",
				Help:    "End-to-end command processing time inside the actor",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"type"},
		),

		RuleViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "we_rule_violations_total",
				Help: "Commands rejected by the rule engine",
			},
			[]string{"kind"},
		),

		ActorsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "we_party_actors_live",
				Help: "Party actors currently resident in memory",
			},
		),

		MailboxRejects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "we_mailbox_rejects_total",
				Help: "Commands rejected because an actor mailbox was full",
			},
		),

		Subscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "we_subscribers_live",
				Help: "WebSocket sessions currently subscribed to a party",
			},
		),

		BroadcastDrops: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "we_broadcast_drops_total",
				Help: "Sessions dropped for not keeping up with broadcasts",
			},
		),

		WriteConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "we_store_write_conflicts_total",
				Help: "Snapshot writes that lost the compare-and-set race",
			},
		),
	}
}

// RecordCommand records one processed command and its latency in seconds.
func (m *Metrics) RecordCommand(cmdType, result string, duration float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(cmdType, result).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(duration)
}

// RecordViolation records a rule-engine rejection by kind.
func (m *Metrics) RecordViolation(kind string) {
	if m == nil {
		return
	}
	m.RuleViolations.WithLabelValues(kind).Inc()
}

// ActorStarted / ActorStopped track the live actor gauge.
func (m *Metrics) ActorStarted() {
	if m == nil {
		return
	}
	m.ActorsLive.Inc()
}

func (m *Metrics) ActorStopped() {
	if m == nil {
		return
	}
	m.ActorsLive.Dec()
}

// RecordMailboxReject counts a Busy rejection.
func (m *Metrics) RecordMailboxReject() {
	if m == nil {
		return
	}
	m.MailboxRejects.Inc()
}

// SessionSubscribed / SessionUnsubscribed track the subscriber gauge.
func (m *Metrics) SessionSubscribed() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SessionUnsubscribed() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

// RecordBroadcastDrop counts a slow consumer drop.
func (m *Metrics) RecordBroadcastDrop() {
	if m == nil {
		return
	}
	m.BroadcastDrops.Inc()
}

// RecordWriteConflict counts a CAS conflict on snapshot write.
func (m *Metrics) RecordWriteConflict() {
	if m == nil {
		return
	}
	m.WriteConflicts.Inc()
}
