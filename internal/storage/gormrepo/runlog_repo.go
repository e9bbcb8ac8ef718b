package gormrepo

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
)

// RunLogRepository implements automation.RunLogStore. Both tables are
// append-only; inspection happens through the management surface or raw
// SQL, never through the engine.
type RunLogRepository struct {
	db *gorm.DB
}

// NewRunLogRepository creates a RunLogRepository.
func NewRunLogRepository(db *gorm.DB) *RunLogRepository {
	return &RunLogRepository{db: db}
}

// AppendRun records one per-action run-log line.
func (r *RunLogRepository) AppendRun(ctx context.Context, entry *domain.RunLogEntry) error {
	model := toRunLogModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending run log: %w", err)
	}
	return nil
}

// AppendDeadLetter records one exhausted-retry dead letter.
func (r *RunLogRepository) AppendDeadLetter(ctx context.Context, entry *domain.DeadLetterEntry) error {
	model := toDeadLetterModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending dead letter: %w", err)
	}
	return nil
}

// RecentRuns returns the newest run-log lines, most recent first.
func (r *RunLogRepository) RecentRuns(ctx context.Context, limit int) ([]domain.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []RunLogModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing run log: %w", err)
	}
	entries := make([]domain.RunLogEntry, len(models))
	for i, m := range models {
		entries[i] = domain.RunLogEntry{
			ID:           m.ID,
			EventID:      m.EventID,
			RuleID:       m.RuleID,
			TableID:      m.TableID,
			RecordID:     m.RecordID,
			TriggerField: m.TriggerField,
			ActionType:   m.ActionType,
			Result:       m.Result,
			RetryCount:   m.RetryCount,
			Error:        m.Error,
			CreatedAt:    m.CreatedAt,
		}
	}
	return entries, nil
}

// RecentDeadLetters returns the newest dead letters, most recent first.
func (r *RunLogRepository) RecentDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []DeadLetterModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	entries := make([]domain.DeadLetterEntry, len(models))
	for i, m := range models {
		entries[i] = domain.DeadLetterEntry{
			ID:         m.ID,
			RuleID:     m.RuleID,
			TableID:    m.TableID,
			RecordID:   m.RecordID,
			ActionType: m.ActionType,
			Error:      m.Error,
			CreatedAt:  m.CreatedAt,
		}
	}
	return entries, nil
}
