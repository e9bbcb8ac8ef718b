// Package gormrepo holds the GORM models and repositories shared by the
// SQLite and PostgreSQL backends. All GORM usage is confined here — domain
// types remain ORM-free.
package gormrepo

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// IdempotencyKeyModel maps to the "idempotency_keys" table.
type IdempotencyKeyModel struct {
	Bucket    string    `gorm:"primaryKey;size:32;index:idx_idem_bucket_ts,priority:1"`
	Key       string    `gorm:"primaryKey;size:512"`
	Timestamp time.Time `gorm:"not null;index:idx_idem_bucket_ts,priority:2"`
}

func (IdempotencyKeyModel) TableName() string { return "idempotency_keys" }

// SnapshotModel maps to the "snapshots" table. Fields is canonical JSON.
type SnapshotModel struct {
	TableID   string `gorm:"primaryKey;size:128"`
	RecordID  string `gorm:"primaryKey;size:128"`
	Fields    string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (SnapshotModel) TableName() string { return "snapshots" }

// DelayedTaskModel maps to the "delayed_tasks" table.
type DelayedTaskModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RuleID      string    `gorm:"size:128;index"`
	TriggerAt   time.Time `gorm:"not null;index"`
	Payload     string    `gorm:"type:text"`
	Status      string    `gorm:"size:16;not null;index"`
	ErrorDetail string    `gorm:"type:text"`
	CreatedAt   time.Time
	ExecutedAt  *time.Time
}

func (DelayedTaskModel) TableName() string { return "delayed_tasks" }

// CronJobModel maps to the "cron_jobs" table.
type CronJobModel struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	RuleID                 string    `gorm:"size:128;index"`
	CronExpression         string    `gorm:"size:64;not null"`
	Payload                string    `gorm:"type:text"`
	Status                 string    `gorm:"size:16;not null;index"`
	NextRunAt              *time.Time `gorm:"index"`
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	ExecutionCount         int64
	LastRunAt              *time.Time
	LastSuccessAt          *time.Time
	LastFailureAt          *time.Time
	LastError              string `gorm:"type:text"`
	PauseReason            string `gorm:"type:text"`
	NotifyChatID           string `gorm:"size:128"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (CronJobModel) TableName() string { return "cron_jobs" }

// RunLogModel maps to the "run_log" table. Append-only.
type RunLogModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID      string    `gorm:"size:256;index"`
	RuleID       string    `gorm:"size:128;index"`
	TableID      string    `gorm:"size:128"`
	RecordID     string    `gorm:"size:128"`
	TriggerField string    `gorm:"size:256"`
	ActionType   string    `gorm:"size:64"`
	Result       string    `gorm:"size:16"`
	RetryCount   int
	Error        string `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

func (RunLogModel) TableName() string { return "run_log" }

// DeadLetterModel maps to the "dead_letters" table. Append-only.
type DeadLetterModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RuleID     string    `gorm:"size:128;index"`
	TableID    string    `gorm:"size:128"`
	RecordID   string    `gorm:"size:128"`
	ActionType string    `gorm:"size:64"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

func (DeadLetterModel) TableName() string { return "dead_letters" }

// Models returns every model for AutoMigrate.
func Models() []any {
	return []any{
		&IdempotencyKeyModel{},
		&SnapshotModel{},
		&DelayedTaskModel{},
		&CronJobModel{},
		&RunLogModel{},
		&DeadLetterModel{},
	}
}

// --- conversions ---

func toDelayedTaskModel(t *domain.DelayedTask) DelayedTaskModel {
	return DelayedTaskModel{
		ID:          t.ID,
		RuleID:      t.RuleID,
		TriggerAt:   t.TriggerAt.UTC(),
		Payload:     string(t.Payload),
		Status:      t.Status,
		ErrorDetail: t.ErrorDetail,
		CreatedAt:   t.CreatedAt,
		ExecutedAt:  t.ExecutedAt,
	}
}

func toDelayedTaskDomain(m *DelayedTaskModel) *domain.DelayedTask {
	return &domain.DelayedTask{
		ID:          m.ID,
		RuleID:      m.RuleID,
		TriggerAt:   m.TriggerAt,
		Payload:     json.RawMessage(m.Payload),
		Status:      m.Status,
		ErrorDetail: m.ErrorDetail,
		CreatedAt:   m.CreatedAt,
		ExecutedAt:  m.ExecutedAt,
	}
}

func toCronJobModel(j *domain.CronJob) CronJobModel {
	return CronJobModel{
		ID:                     j.ID,
		RuleID:                 j.RuleID,
		CronExpression:         j.CronExpression,
		Payload:                string(j.Payload),
		Status:                 j.Status,
		NextRunAt:              j.NextRunAt,
		ConsecutiveFailures:    j.ConsecutiveFailures,
		MaxConsecutiveFailures: j.MaxConsecutiveFailures,
		ExecutionCount:         j.ExecutionCount,
		LastRunAt:              j.LastRunAt,
		LastSuccessAt:          j.LastSuccessAt,
		LastFailureAt:          j.LastFailureAt,
		LastError:              j.LastError,
		PauseReason:            j.PauseReason,
		NotifyChatID:           j.NotifyChatID,
		CreatedAt:              j.CreatedAt,
		UpdatedAt:              j.UpdatedAt,
	}
}

func toCronJobDomain(m *CronJobModel) *domain.CronJob {
	return &domain.CronJob{
		ID:                     m.ID,
		RuleID:                 m.RuleID,
		CronExpression:         m.CronExpression,
		Payload:                json.RawMessage(m.Payload),
		Status:                 m.Status,
		NextRunAt:              m.NextRunAt,
		ConsecutiveFailures:    m.ConsecutiveFailures,
		MaxConsecutiveFailures: m.MaxConsecutiveFailures,
		ExecutionCount:         m.ExecutionCount,
		LastRunAt:              m.LastRunAt,
		LastSuccessAt:          m.LastSuccessAt,
		LastFailureAt:          m.LastFailureAt,
		LastError:              m.LastError,
		PauseReason:            m.PauseReason,
		NotifyChatID:           m.NotifyChatID,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func toRunLogModel(e *domain.RunLogEntry) RunLogModel {
	return RunLogModel{
		ID:           e.ID,
		EventID:      e.EventID,
		RuleID:       e.RuleID,
		TableID:      e.TableID,
		RecordID:     e.RecordID,
		TriggerField: e.TriggerField,
		ActionType:   e.ActionType,
		Result:       e.Result,
		RetryCount:   e.RetryCount,
		Error:        e.Error,
		CreatedAt:    e.CreatedAt,
	}
}

func toDeadLetterModel(e *domain.DeadLetterEntry) DeadLetterModel {
	return DeadLetterModel{
		ID:         e.ID,
		RuleID:     e.RuleID,
		TableID:    e.TableID,
		RecordID:   e.RecordID,
		ActionType: e.ActionType,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
	}
}
