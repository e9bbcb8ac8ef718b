// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Delayed task statuses. A task is created as scheduled and is mutated only
// by the delay scheduler. Completed, failed, and cancelled are terminal.
const (
	DelayStatusScheduled = "scheduled"
	DelayStatusExecuting = "executing"
	DelayStatusCompleted = "completed"
	DelayStatusFailed    = "failed"
	DelayStatusCancelled = "cancelled"
)

// Cron job statuses. Paused is soft-terminal (resumable); cancelled is the
// only hard-terminal state. A job in executing cannot be cancelled until it
// returns to waiting.
const (
	CronStatusActive    = "active"
	CronStatusWaiting   = "waiting"
	CronStatusExecuting = "executing"
	CronStatusPaused    = "paused"
	CronStatusCancelled = "cancelled"
)

// Idempotency buckets. Event keys dedupe inbound webhook deliveries;
// business keys dedupe higher-level operations (e.g. a calendar create for
// the same record within the TTL window).
const (
	BucketEvents   = "events"
	BucketBusiness = "business"
)

// Snapshot is the last-seen field state of a single record.
// One row per (table_id, record_id), overwritten on every diff cycle.
type Snapshot struct {
	TableID   string
	RecordID  string
	Fields    map[string]any
	UpdatedAt time.Time
}

// DelayedTask is a one-shot delayed action persisted by the automation
// service when a rule pipeline contains a delay action.
// Payload is an opaque JSON document owned by the automation service.
type DelayedTask struct {
	ID          uuid.UUID
	RuleID      string
	TriggerAt   time.Time
	Payload     json.RawMessage
	Status      string
	ErrorDetail string
	CreatedAt   time.Time
	ExecutedAt  *time.Time
}

// CronJob is a recurring scheduled action with a pause-on-failure state
// machine. Created through the management API, never by rule matching.
type CronJob struct {
	ID                     uuid.UUID
	RuleID                 string
	CronExpression         string // Standard 5-field cron (minute hour dom month dow).
	Payload                json.RawMessage
	Status                 string
	NextRunAt              *time.Time
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	ExecutionCount         int64
	LastRunAt              *time.Time
	LastSuccessAt          *time.Time
	LastFailureAt          *time.Time
	LastError              string
	PauseReason            string
	NotifyChatID           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RunLogEntry records the outcome of a single action execution within a
// rule pipeline. Append-only.
type RunLogEntry struct {
	ID           uuid.UUID
	EventID      string
	RuleID       string
	TableID      string
	RecordID     string
	TriggerField string
	ActionType   string
	Result       string // "success", "failed", "scheduled".
	RetryCount   int
	Error        string
	CreatedAt    time.Time
}

// DeadLetterEntry records an action whose retries were exhausted, for
// manual inspection and replay. Append-only.
type DeadLetterEntry struct {
	ID         uuid.UUID
	RuleID     string
	TableID    string
	RecordID   string
	ActionType string
	Error      string
	CreatedAt  time.Time
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
