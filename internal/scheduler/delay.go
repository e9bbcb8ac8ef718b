package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
)

// DelayScheduler polls for due delayed tasks and executes each at most
// once. Delayed tasks are not retried: a failed delayed action is
// terminal and reported, since retry semantics for arbitrary future
// actions are ambiguous.
type DelayScheduler struct {
	store    DelayTaskStore
	runner   Runner
	notifier CompletionNotifier
	metrics  *Metrics
	logger   *slog.Logger
	config   *config.DelayQueueConfig
}

// NewDelayScheduler creates a DelayScheduler.
func NewDelayScheduler(store DelayTaskStore, runner Runner, metrics *Metrics, logger *slog.Logger, cfg *config.DelayQueueConfig) *DelayScheduler {
	return &DelayScheduler{
		store:   store,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
}

// WithNotifier enables completion callbacks.
func (s *DelayScheduler) WithNotifier(n CompletionNotifier) *DelayScheduler {
	s.notifier = n
	return s
}

// Start begins the polling loop. Returns a cancel function.
func (s *DelayScheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "delay scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.String("retention", s.config.Retention().String()),
		)
		if s.config.WorkerCount() > 1 {
			// Acquisition is CAS-safe, but duplicate pollers waste due-task
			// scans and add log noise.
			s.logger.Warn("more than one delay scheduler worker is configured; this is safe but discouraged",
				slog.Int("workers", s.config.WorkerCount()),
			)
		}

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("delay scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one poll cycle: claim due tasks, execute them, purge old
// terminal rows.
func (s *DelayScheduler) tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	due, err := s.store.GetDueTasks(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "polling due delayed tasks failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range due {
		task := due[i]
		s.fireTask(ctx, &task)
	}

	purged, err := s.store.PurgeTerminal(ctx, now.Add(-s.config.Retention()))
	if err != nil {
		s.logger.ErrorContext(ctx, "purging terminal delayed tasks failed",
			slog.String("error", err.Error()),
		)
	} else if purged > 0 {
		s.logger.Info("purged terminal delayed tasks", slog.Int64("count", purged))
	}

	if s.metrics != nil {
		s.metrics.DelayTickDuration.Observe(time.Since(start).Seconds())
	}
}

// fireTask claims one task via CAS and executes it. A losing claim means
// another poller won; skip silently.
func (s *DelayScheduler) fireTask(ctx context.Context, task *domain.DelayedTask) {
	won, err := s.store.MarkExecuting(ctx, task.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "claiming delayed task failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !won {
		return
	}

	s.logger.InfoContext(ctx, "executing delayed task",
		slog.String("task_id", task.ID.String()),
		slog.String("rule_id", task.RuleID),
		slog.String("trigger_at", task.TriggerAt.Format(time.RFC3339)),
	)
	if s.metrics != nil {
		s.metrics.DelayTasksFired.Inc()
	}

	execErr := s.runner.ExecuteDelayedPayload(ctx, task)

	status := domain.DelayStatusCompleted
	errMsg := ""
	if execErr != nil {
		status = domain.DelayStatusFailed
		errMsg = execErr.Error()
		if err := s.store.MarkFailed(ctx, task.ID, errMsg); err != nil {
			s.logger.ErrorContext(ctx, "recording delayed task failure failed",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		s.logger.ErrorContext(ctx, "delayed task failed",
			slog.String("task_id", task.ID.String()),
			slog.String("rule_id", task.RuleID),
			slog.String("error", errMsg),
		)
		if s.metrics != nil {
			s.metrics.DelayTasksFailed.Inc()
		}
	} else {
		if err := s.store.MarkCompleted(ctx, task.ID); err != nil {
			s.logger.ErrorContext(ctx, "recording delayed task completion failed",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		if s.metrics != nil {
			s.metrics.DelayTasksSucceeded.Inc()
		}
	}

	if s.notifier != nil {
		s.notifier.DelayedTaskDone(ctx, task, status, errMsg)
	}
}
