// Package action renders and runs a single automation action against a
// record context. Actions are independent side effects, not a transaction:
// a failing action never rolls back the ones already executed.
package action

import (
	"context"
	"fmt"
	"time"
)

// Result statuses.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusScheduled = "scheduled"
)

// RecordUpdater writes fields back to a record in the remote datastore.
type RecordUpdater interface {
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error
}

// CalendarCreator creates a calendar event on the remote platform.
type CalendarCreator interface {
	CreateEvent(ctx context.Context, ev CalendarEvent) (string, error)
}

// CalendarEvent is the resolved input to a calendar.create action.
type CalendarEvent struct {
	CalendarID string
	Summary    string
	Start      time.Time
	End        time.Time
	RRule      string // Recurrence rule, passed through verbatim.
}

// Context carries the record a pipeline runs against.
// Fields is mutated by record.update so later actions in the same
// pipeline observe the write.
type Context struct {
	AppToken string
	TableID  string
	RecordID string
	Fields   map[string]any
}

// Result is the outcome of one action.
type Result struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	Scheduled *ScheduledDelay `json:"scheduled,omitempty"`
}

// ScheduledDelay is the marker a delay action returns. The caller persists
// the delayed task; the executor never schedules anything itself.
type ScheduledDelay struct {
	DelaySeconds int `json:"delay_seconds"`
}

// ExecutionError marks a permanently failing action: misconfigured spec,
// unsupported type, or a deliberately blocked target. Never retried.
type ExecutionError struct {
	ActionType string
	Reason     string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s: %s", e.ActionType, e.Reason)
}

func execErr(actionType, format string, args ...any) *ExecutionError {
	return &ExecutionError{ActionType: actionType, Reason: fmt.Sprintf(format, args...)}
}
