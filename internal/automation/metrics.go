package automation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the event pipeline.
type Metrics struct {
	EventsReceived  prometheus.Counter
	DuplicateEvents prometheus.Counter
	RulesMatched    prometheus.Counter
	ActionRetries   prometheus.Counter
	DeadLettered    prometheus.Counter
	HandleDuration  prometheus.Histogram
}

// NewMetrics creates and registers engine metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "events_received_total",
			Help:      "Total inbound webhook deliveries, handshakes included.",
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "events_duplicate_total",
			Help:      "Total events short-circuited by the idempotency check.",
		}),
		RulesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "rules_matched_total",
			Help:      "Total rule matches whose action pipeline was executed.",
		}),
		ActionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "action_retries_total",
			Help:      "Total transient action failures that were retried.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "actions_dead_lettered_total",
			Help:      "Total actions written to the dead-letter log after exhausted retries.",
		}),
		HandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "handle_event_duration_seconds",
			Help:      "End to end duration of one handled event.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.DuplicateEvents,
		m.RulesMatched,
		m.ActionRetries,
		m.DeadLettered,
		m.HandleDuration,
	)

	return m
}
