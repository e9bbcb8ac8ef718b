package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
)

// CronScheduler polls for due cron jobs. Failures accumulate per job;
// a job that fails max_consecutive_failures times in a row is paused
// until an operator resumes it. Until then it keeps firing on schedule.
type CronScheduler struct {
	store    CronJobStore
	runner   Runner
	notifier CompletionNotifier
	metrics  *Metrics
	logger   *slog.Logger
	config   *config.CronQueueConfig
}

// NewCronScheduler creates a CronScheduler.
func NewCronScheduler(store CronJobStore, runner Runner, metrics *Metrics, logger *slog.Logger, cfg *config.CronQueueConfig) *CronScheduler {
	return &CronScheduler{
		store:   store,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
}

// WithNotifier enables completion callbacks.
func (s *CronScheduler) WithNotifier(n CompletionNotifier) *CronScheduler {
	s.notifier = n
	return s
}

// Start begins the polling loop. Returns a cancel function.
func (s *CronScheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "cron scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.Int("default_max_consecutive_failures", s.config.MaxConsecutiveFailures()),
		)
		if s.config.WorkerCount() > 1 {
			s.logger.Warn("more than one cron scheduler worker is configured; this is safe but discouraged",
				slog.Int("workers", s.config.WorkerCount()),
			)
		}

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("cron scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one poll cycle: promote due waiting jobs to active, acquire
// them atomically, fire each.
func (s *CronScheduler) tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	if _, err := s.store.ActivateWaiting(ctx, now); err != nil {
		s.logger.ErrorContext(ctx, "activating waiting cron jobs failed",
			slog.String("error", err.Error()),
		)
		return
	}

	due, err := s.store.AcquireDueJobs(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "acquiring due cron jobs failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range due {
		job := due[i]
		s.fireJob(ctx, &job, now)
	}

	if s.metrics != nil {
		s.metrics.CronTickDuration.Observe(time.Since(start).Seconds())
	}
}

// fireJob executes one acquired job (already in executing status) and
// records the outcome.
func (s *CronScheduler) fireJob(ctx context.Context, job *domain.CronJob, now time.Time) {
	s.logger.InfoContext(ctx, "firing cron job",
		slog.String("job_id", job.ID.String()),
		slog.String("rule_id", job.RuleID),
		slog.String("cron_expression", job.CronExpression),
	)
	if s.metrics != nil {
		s.metrics.CronJobsFired.Inc()
	}

	// The expression was validated at creation; compute the next fire time
	// up front so a failing run still stays on schedule.
	nextRun, err := ComputeNextRunFrom(job.CronExpression, now)
	if err != nil {
		// Should be unreachable for persisted jobs; pause rather than spin.
		s.failJob(ctx, job, now, nextRun, err.Error(), true, "cron expression no longer parses")
		return
	}

	execErr := s.runner.ExecuteCronPayload(ctx, job)
	if execErr != nil {
		maxFailures := job.MaxConsecutiveFailures
		if maxFailures <= 0 {
			maxFailures = s.config.MaxConsecutiveFailures()
		}
		pause := job.ConsecutiveFailures+1 >= maxFailures
		reason := ""
		if pause {
			reason = fmt.Sprintf("paused after %d consecutive failures: %s", job.ConsecutiveFailures+1, execErr.Error())
		}
		s.failJob(ctx, job, now, nextRun, execErr.Error(), pause, reason)
		return
	}

	if err := s.store.MarkSuccess(ctx, job.ID, nextRun, now); err != nil {
		s.logger.ErrorContext(ctx, "recording cron success failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if s.metrics != nil {
		s.metrics.CronJobsSucceeded.Inc()
	}
	if s.notifier != nil {
		s.notifier.CronJobDone(ctx, job, "success", "")
	}
}

func (s *CronScheduler) failJob(ctx context.Context, job *domain.CronJob, now, nextRun time.Time, errMsg string, pause bool, pauseReason string) {
	if err := s.store.MarkFailure(ctx, job.ID, errMsg, nextRun, now, pause, pauseReason); err != nil {
		s.logger.ErrorContext(ctx, "recording cron failure failed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if pause {
		s.logger.ErrorContext(ctx, "cron job paused",
			slog.String("job_id", job.ID.String()),
			slog.String("rule_id", job.RuleID),
			slog.String("pause_reason", pauseReason),
		)
		if s.metrics != nil {
			s.metrics.CronJobsPaused.Inc()
		}
	} else {
		s.logger.ErrorContext(ctx, "cron job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("rule_id", job.RuleID),
			slog.String("error", errMsg),
		)
	}
	if s.metrics != nil {
		s.metrics.CronJobsFailed.Inc()
	}
	if s.notifier != nil {
		s.notifier.CronJobDone(ctx, job, "failed", errMsg)
	}
}
