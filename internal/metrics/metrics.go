// Package metrics defines the Prometheus instrumentation shared by the
// gateway, the alert engine and the dispatcher. Collectors are registered on
// a caller-supplied registry so tests can use an isolated one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the control plane emits.
type Metrics struct {
	// WSConnections is the current number of open WebSocket connections.
	WSConnections prometheus.Gauge

	// WSMessagesIn counts inbound envelopes by channel and type.
	WSMessagesIn *prometheus.CounterVec

	// EvaluatorTicks counts completed evaluator ticks by outcome
	// ("ok", "skipped", "error").
	EvaluatorTicks *prometheus.CounterVec

	// EvaluatorTickDuration observes wall time per completed tick.
	EvaluatorTickDuration prometheus.Histogram

	// AlertsFired counts newly created alerts by severity.
	AlertsFired *prometheus.CounterVec

	// AlertsResolved counts alert resolutions by actor
	// ("user", "system:auto-resolution").
	AlertsResolved *prometheus.CounterVec

	// NotificationsSent counts dispatcher delivery attempts by channel type
	// and outcome ("success", "failure").
	NotificationsSent *prometheus.CounterVec
}

// New registers all collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetconsole",
			Subsystem: "gateway",
			Name:      "ws_connections",
			Help:      "Current number of open WebSocket connections.",
		}),
		WSMessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetconsole",
			Subsystem: "gateway",
			Name:      "ws_messages_in_total",
			Help:      "Inbound envelopes by channel and message type.",
		}, []string{"channel", "type"}),
		EvaluatorTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetconsole",
			Subsystem: "alerting",
			Name:      "evaluator_ticks_total",
			Help:      "Evaluator ticks by outcome.",
		}, []string{"outcome"}),
		EvaluatorTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetconsole",
			Subsystem: "alerting",
			Name:      "evaluator_tick_duration_seconds",
			Help:      "Wall time per completed evaluator tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetconsole",
			Subsystem: "alerting",
			Name:      "alerts_fired_total",
			Help:      "Newly created alerts by severity.",
		}, []string{"severity"}),
		AlertsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetconsole",
			Subsystem: "alerting",
			Name:      "alerts_resolved_total",
			Help:      "Alert resolutions by actor.",
		}, []string{"actor"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetconsole",
			Subsystem: "dispatcher",
			Name:      "notifications_sent_total",
			Help:      "Delivery attempts by channel type and outcome.",
		}, []string{"channel_type", "outcome"}),
	}
}
