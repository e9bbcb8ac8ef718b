// Package scheduler implements the two persisted job schedulers: a
// one-shot delayed-task queue and a recurring cron queue. Both poll
// their durable store on a fixed interval and coordinate exclusively
// through atomic status transitions, so execution is at-most-once even
// with concurrent pollers or across process crashes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/domain"
)

// Runner is the narrow interface a scheduler re-enters to execute due
// work. The automation service is the production implementation.
type Runner interface {
	ExecuteDelayedPayload(ctx context.Context, task *domain.DelayedTask) error
	ExecuteCronPayload(ctx context.Context, job *domain.CronJob) error
}

// CompletionNotifier receives best-effort completion callbacks after a
// scheduler finishes a task or job. Optional; nil disables callbacks.
type CompletionNotifier interface {
	DelayedTaskDone(ctx context.Context, task *domain.DelayedTask, status, errMsg string)
	CronJobDone(ctx context.Context, job *domain.CronJob, status, errMsg string)
}

// DelayTaskStore is the persistence interface for delayed tasks.
// MarkExecuting and Cancel are compare-and-swap transitions: they update
// only if the row is still in the expected prior status and report
// whether this caller won.
type DelayTaskStore interface {
	Create(ctx context.Context, task *domain.DelayedTask) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DelayedTask, error)
	List(ctx context.Context) ([]domain.DelayedTask, error)
	GetDueTasks(ctx context.Context, now time.Time) ([]domain.DelayedTask, error)
	MarkExecuting(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

// CronJobStore is the persistence interface for cron jobs.
// AcquireDueJobs, Resume, and Cancel are compare-and-swap transitions.
type CronJobStore interface {
	Create(ctx context.Context, job *domain.CronJob) error
	Get(ctx context.Context, id uuid.UUID) (*domain.CronJob, error)
	List(ctx context.Context) ([]domain.CronJob, error)
	ActivateWaiting(ctx context.Context, now time.Time) (int64, error)
	AcquireDueJobs(ctx context.Context, now time.Time) ([]domain.CronJob, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, nextRun, now time.Time) error
	MarkFailure(ctx context.Context, id uuid.UUID, errMsg string, nextRun, now time.Time, pause bool, pauseReason string) error
	Resume(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ComputeNextRunFrom computes the next fire time of a cron expression
// after the given reference time. An invalid expression is rejected here,
// at creation time, never discovered later at run time.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
