package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for both schedulers.
type Metrics struct {
	DelayTasksFired     prometheus.Counter
	DelayTasksSucceeded prometheus.Counter
	DelayTasksFailed    prometheus.Counter
	DelayTickDuration   prometheus.Histogram

	CronJobsFired     prometheus.Counter
	CronJobsSucceeded prometheus.Counter
	CronJobsFailed    prometheus.Counter
	CronJobsPaused    prometheus.Counter
	CronTickDuration  prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DelayTasksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "delay",
			Name:      "tasks_fired_total",
			Help:      "Total delayed tasks claimed for execution.",
		}),
		DelayTasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "delay",
			Name:      "tasks_succeeded_total",
			Help:      "Total delayed tasks that completed.",
		}),
		DelayTasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "delay",
			Name:      "tasks_failed_total",
			Help:      "Total delayed tasks that failed (terminal, not retried).",
		}),
		DelayTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "delay",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each delay scheduler tick (poll + fire + purge).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		CronJobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "cron",
			Name:      "jobs_fired_total",
			Help:      "Total cron jobs acquired for execution.",
		}),
		CronJobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "cron",
			Name:      "jobs_succeeded_total",
			Help:      "Total cron job executions that succeeded.",
		}),
		CronJobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "cron",
			Name:      "jobs_failed_total",
			Help:      "Total cron job executions that failed.",
		}),
		CronJobsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "cron",
			Name:      "jobs_paused_total",
			Help:      "Total cron jobs paused after reaching their consecutive-failure threshold.",
		}),
		CronTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "cron",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each cron scheduler tick (activate + acquire + fire cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.DelayTasksFired,
		m.DelayTasksSucceeded,
		m.DelayTasksFailed,
		m.DelayTickDuration,
		m.CronJobsFired,
		m.CronJobsSucceeded,
		m.CronJobsFailed,
		m.CronJobsPaused,
		m.CronTickDuration,
	)

	return m
}
