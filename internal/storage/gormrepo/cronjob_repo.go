package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
)

// CronJobRepository implements scheduler.CronJobStore. State transitions
// are single guarded UPDATEs; on PostgreSQL the due-scan additionally
// locks candidate rows with SKIP LOCKED so concurrent instances do not
// contend.
type CronJobRepository struct {
	db         *gorm.DB
	skipLocked bool
}

// NewCronJobRepository creates a CronJobRepository. skipLocked should be
// true only on backends that support SELECT ... FOR UPDATE SKIP LOCKED.
func NewCronJobRepository(db *gorm.DB, skipLocked bool) *CronJobRepository {
	return &CronJobRepository{db: db, skipLocked: skipLocked}
}

// Create persists a new cron job.
func (r *CronJobRepository) Create(ctx context.Context, job *domain.CronJob) error {
	model := toCronJobModel(job)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating cron job: %w", err)
	}
	return nil
}

// Get returns one job, nil when absent.
func (r *CronJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CronJob, error) {
	var model CronJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cron job %s: %w", id, err)
	}
	return toCronJobDomain(&model), nil
}

// List returns all jobs, newest first.
func (r *CronJobRepository) List(ctx context.Context) ([]domain.CronJob, error) {
	var models []CronJobModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing cron jobs: %w", err)
	}
	jobs := make([]domain.CronJob, len(models))
	for i := range models {
		jobs[i] = *toCronJobDomain(&models[i])
	}
	return jobs, nil
}

// ActivateWaiting promotes due waiting jobs back to active.
func (r *CronJobRepository) ActivateWaiting(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&CronJobModel{}).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?",
			domain.CronStatusWaiting, now.UTC()).
		Updates(map[string]any{
			"status":     domain.CronStatusActive,
			"updated_at": now.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("activating waiting cron jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// AcquireDueJobs CAS-transitions due active jobs to executing and returns
// the acquired set. A job whose transition is lost to a concurrent
// instance is silently skipped.
func (r *CronJobRepository) AcquireDueJobs(ctx context.Context, now time.Time) ([]domain.CronJob, error) {
	var candidates []CronJobModel
	query := r.db.WithContext(ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?",
			domain.CronStatusActive, now.UTC())
	if r.skipLocked {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("scanning due cron jobs: %w", err)
	}

	acquired := make([]domain.CronJob, 0, len(candidates))
	for i := range candidates {
		result := r.db.WithContext(ctx).
			Model(&CronJobModel{}).
			Where("id = ? AND status = ?", candidates[i].ID, domain.CronStatusActive).
			Updates(map[string]any{
				"status":     domain.CronStatusExecuting,
				"updated_at": now.UTC(),
			})
		if result.Error != nil {
			return nil, fmt.Errorf("acquiring cron job %s: %w", candidates[i].ID, result.Error)
		}
		if result.RowsAffected == 1 {
			candidates[i].Status = domain.CronStatusExecuting
			acquired = append(acquired, *toCronJobDomain(&candidates[i]))
		}
	}
	return acquired, nil
}

// MarkSuccess returns an executing job to waiting, resets the failure
// streak, and advances the schedule.
func (r *CronJobRepository) MarkSuccess(ctx context.Context, id uuid.UUID, nextRun, now time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&CronJobModel{}).
		Where("id = ? AND status = ?", id, domain.CronStatusExecuting).
		Updates(map[string]any{
			"status":               domain.CronStatusWaiting,
			"consecutive_failures": 0,
			"next_run_at":          nextRun.UTC(),
			"last_run_at":          now.UTC(),
			"last_success_at":      now.UTC(),
			"last_error":           "",
			"execution_count":      gorm.Expr("execution_count + 1"),
			"updated_at":           now.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("recording cron success %s: %w", id, err)
	}
	return nil
}

// MarkFailure records a failed fire. With pause set the job leaves the
// schedule until an explicit resume; otherwise it stays on schedule.
func (r *CronJobRepository) MarkFailure(ctx context.Context, id uuid.UUID, errMsg string, nextRun, now time.Time, pause bool, pauseReason string) error {
	updates := map[string]any{
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		"last_error":           errMsg,
		"last_run_at":          now.UTC(),
		"last_failure_at":      now.UTC(),
		"execution_count":      gorm.Expr("execution_count + 1"),
		"updated_at":           now.UTC(),
	}
	if pause {
		updates["status"] = domain.CronStatusPaused
		updates["pause_reason"] = pauseReason
	} else {
		updates["status"] = domain.CronStatusWaiting
		updates["next_run_at"] = nextRun.UTC()
	}
	err := r.db.WithContext(ctx).
		Model(&CronJobModel{}).
		Where("id = ? AND status = ?", id, domain.CronStatusExecuting).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("recording cron failure %s: %w", id, err)
	}
	return nil
}

// Resume moves a paused job back to active with an immediate next run.
// Returns false for a job in any other status.
func (r *CronJobRepository) Resume(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CronJobModel{}).
		Where("id = ? AND status = ?", id, domain.CronStatusPaused).
		Updates(map[string]any{
			"status":               domain.CronStatusActive,
			"consecutive_failures": 0,
			"pause_reason":         "",
			"next_run_at":          now.UTC(),
			"updated_at":           now.UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("resuming cron job %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Cancel hard-terminates a job. Rejected while the job is executing and
// once it is already cancelled.
func (r *CronJobRepository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CronJobModel{}).
		Where("id = ? AND status NOT IN ?", id,
			[]string{domain.CronStatusExecuting, domain.CronStatusCancelled}).
		Updates(map[string]any{
			"status":     domain.CronStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("cancelling cron job %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}
