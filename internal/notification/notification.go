// Package notification sends the automation.completed webhook. Delivery is
// best effort: a failed notification is logged and dropped, it never rolls
// back the job state it reports on.
package notification

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
)

// Job types reported in the completion payload.
const (
	JobTypeRule  = "rule"
	JobTypeDelay = "delay"
	JobTypeCron  = "cron"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Target identifies where the chat layer should surface the completion.
type Target struct {
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Completion is the outbound webhook payload.
type Completion struct {
	Event        string `json:"event"` // Always "automation.completed".
	JobType      string `json:"job_type"`
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	NotifyTarget Target `json:"notify_target"`
	Summary      string `json:"summary,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Webhook posts completion payloads to the configured URL. Implements both
// the schedulers' and the automation service's notifier interfaces.
type Webhook struct {
	sender *sender
	cfg    *config.NotificationConfig
	logger *slog.Logger
}

// NewWebhook creates the completion notifier. Returns nil when the config
// is nil or disabled so callers can skip wiring entirely.
func NewWebhook(cfg *config.NotificationConfig, logger *slog.Logger) *Webhook {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}
	return &Webhook{
		sender: newSender(cfg.Timeout()),
		cfg:    cfg,
		logger: logger,
	}
}

// RuleDone reports one finished rule execution.
func (w *Webhook) RuleDone(ctx context.Context, ruleID, status, notifyChatID, summary, errMsg string) {
	w.post(ctx, &Completion{
		Event:        "automation.completed",
		JobType:      JobTypeRule,
		JobID:        ruleID,
		Status:       mapStatus(status),
		NotifyTarget: Target{ChatID: notifyChatID},
		Summary:      summary,
		Error:        errMsg,
	})
}

// DelayedTaskDone reports a fired delayed task. The notify target rides in
// the task payload.
func (w *Webhook) DelayedTaskDone(ctx context.Context, task *domain.DelayedTask, status, errMsg string) {
	var target struct {
		NotifyChatID string `json:"notify_chat_id"`
	}
	// Best effort: an undecodable payload just means no chat target.
	_ = json.Unmarshal(task.Payload, &target)

	w.post(ctx, &Completion{
		Event:        "automation.completed",
		JobType:      JobTypeDelay,
		JobID:        task.ID.String(),
		Status:       mapStatus(status),
		NotifyTarget: Target{ChatID: target.NotifyChatID},
		Error:        errMsg,
	})
}

// CronJobDone reports one cron job fire.
func (w *Webhook) CronJobDone(ctx context.Context, job *domain.CronJob, status, errMsg string) {
	w.post(ctx, &Completion{
		Event:        "automation.completed",
		JobType:      JobTypeCron,
		JobID:        job.ID.String(),
		Status:       mapStatus(status),
		NotifyTarget: Target{ChatID: job.NotifyChatID},
		Error:        errMsg,
	})
}

func (w *Webhook) post(ctx context.Context, c *Completion) {
	if err := w.sender.post(ctx, w.cfg.WebhookURL, w.cfg.APIKey, c); err != nil {
		w.logger.ErrorContext(ctx, "completion notification failed",
			slog.String("job_type", c.JobType),
			slog.String("job_id", c.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.DebugContext(ctx, "completion notified",
		slog.String("job_type", c.JobType),
		slog.String("job_id", c.JobID),
		slog.String("status", c.Status),
	)
}

// mapStatus folds scheduler terminal states onto the wire statuses.
func mapStatus(status string) string {
	switch status {
	case domain.DelayStatusCompleted, StatusSuccess:
		return StatusSuccess
	default:
		return StatusFailed
	}
}
