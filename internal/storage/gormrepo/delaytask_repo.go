package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
)

// DelayTaskRepository implements scheduler.DelayTaskStore. Claim and
// cancel are single UPDATE statements guarded by the expected prior
// status, so concurrent pollers can never both win the same task.
type DelayTaskRepository struct {
	db *gorm.DB
}

// NewDelayTaskRepository creates a DelayTaskRepository.
func NewDelayTaskRepository(db *gorm.DB) *DelayTaskRepository {
	return &DelayTaskRepository{db: db}
}

// Create persists a new delayed task.
func (r *DelayTaskRepository) Create(ctx context.Context, task *domain.DelayedTask) error {
	model := toDelayedTaskModel(task)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating delayed task: %w", err)
	}
	return nil
}

// Get returns one task, nil when absent.
func (r *DelayTaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DelayedTask, error) {
	var model DelayedTaskModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting delayed task %s: %w", id, err)
	}
	return toDelayedTaskDomain(&model), nil
}

// List returns all tasks, soonest trigger first.
func (r *DelayTaskRepository) List(ctx context.Context) ([]domain.DelayedTask, error) {
	var models []DelayedTaskModel
	if err := r.db.WithContext(ctx).
		Order("trigger_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing delayed tasks: %w", err)
	}
	tasks := make([]domain.DelayedTask, len(models))
	for i := range models {
		tasks[i] = *toDelayedTaskDomain(&models[i])
	}
	return tasks, nil
}

// GetDueTasks returns scheduled tasks whose trigger time has arrived.
func (r *DelayTaskRepository) GetDueTasks(ctx context.Context, now time.Time) ([]domain.DelayedTask, error) {
	var models []DelayedTaskModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND trigger_at <= ?", domain.DelayStatusScheduled, now.UTC()).
		Order("trigger_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due delayed tasks: %w", err)
	}
	tasks := make([]domain.DelayedTask, len(models))
	for i := range models {
		tasks[i] = *toDelayedTaskDomain(&models[i])
	}
	return tasks, nil
}

// MarkExecuting claims a scheduled task. Returns false when another
// poller already claimed or cancelled it.
func (r *DelayTaskRepository) MarkExecuting(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&DelayedTaskModel{}).
		Where("id = ? AND status = ?", id, domain.DelayStatusScheduled).
		Updates(map[string]any{
			"status":      domain.DelayStatusExecuting,
			"executed_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("claiming delayed task %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkCompleted finishes a claimed task.
func (r *DelayTaskRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&DelayedTaskModel{}).
		Where("id = ? AND status = ?", id, domain.DelayStatusExecuting).
		Update("status", domain.DelayStatusCompleted).Error
	if err != nil {
		return fmt.Errorf("completing delayed task %s: %w", id, err)
	}
	return nil
}

// MarkFailed terminally fails a claimed task with detail.
func (r *DelayTaskRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	err := r.db.WithContext(ctx).
		Model(&DelayedTaskModel{}).
		Where("id = ? AND status = ?", id, domain.DelayStatusExecuting).
		Updates(map[string]any{
			"status":       domain.DelayStatusFailed,
			"error_detail": detail,
		}).Error
	if err != nil {
		return fmt.Errorf("failing delayed task %s: %w", id, err)
	}
	return nil
}

// Cancel moves a still-scheduled task to cancelled. Returns false for a
// task that is executing or already terminal.
func (r *DelayTaskRepository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DelayedTaskModel{}).
		Where("id = ? AND status = ?", id, domain.DelayStatusScheduled).
		Update("status", domain.DelayStatusCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("cancelling delayed task %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// PurgeTerminal deletes terminal rows older than the cutoff. Scheduled
// rows are never purged. Retention is anchored on execution time so a
// long delay does not count against it; cancelled rows never execute and
// fall back to creation time.
func (r *DelayTaskRepository) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND COALESCE(executed_at, created_at) < ?",
			[]string{domain.DelayStatusCompleted, domain.DelayStatusFailed, domain.DelayStatusCancelled},
			olderThan.UTC()).
		Delete(&DelayedTaskModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging delayed tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
