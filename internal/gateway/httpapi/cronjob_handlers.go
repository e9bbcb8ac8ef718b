package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/rules"
	"github.com/jkaninda/kazi/internal/scheduler"
)

// **** CronJob request/response types ****

// CronJobRequest is the JSON body for POST /v1/cronjobs.
type CronJobRequest struct {
	RuleID                 string             `json:"rule_id,omitempty"`
	CronExpression         string             `json:"cron_expression"`
	Actions                []rules.ActionSpec `json:"actions"`
	AppToken               string             `json:"app_token,omitempty"`
	TableID                string             `json:"table_id,omitempty"`
	RecordID               string             `json:"record_id,omitempty"`
	Fields                 map[string]any     `json:"fields,omitempty"` // Template context for the actions.
	NotifyChatID           string             `json:"notify_chat_id,omitempty"`
	MaxConsecutiveFailures int                `json:"max_consecutive_failures,omitempty"` // 0 = scheduler default.
}

// CronJobResponse is the JSON response for cron job endpoints.
type CronJobResponse struct {
	ID                     string     `json:"id"`
	RuleID                 string     `json:"rule_id,omitempty"`
	CronExpression         string     `json:"cron_expression"`
	Status                 string     `json:"status"`
	NextRunAt              *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	MaxConsecutiveFailures int        `json:"max_consecutive_failures"`
	ExecutionCount         int64      `json:"execution_count"`
	LastRunAt              *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt          *time.Time `json:"last_success_at,omitempty"`
	LastError              string     `json:"last_error,omitempty"`
	PauseReason            string     `json:"pause_reason,omitempty"`
	NotifyChatID           string     `json:"notify_chat_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toCronJobResponse(cj *domain.CronJob) CronJobResponse {
	return CronJobResponse{
		ID:                     cj.ID.String(),
		RuleID:                 cj.RuleID,
		CronExpression:         cj.CronExpression,
		Status:                 cj.Status,
		NextRunAt:              cj.NextRunAt,
		ConsecutiveFailures:    cj.ConsecutiveFailures,
		MaxConsecutiveFailures: cj.MaxConsecutiveFailures,
		ExecutionCount:         cj.ExecutionCount,
		LastRunAt:              cj.LastRunAt,
		LastSuccessAt:          cj.LastSuccessAt,
		LastError:              cj.LastError,
		PauseReason:            cj.PauseReason,
		NotifyChatID:           cj.NotifyChatID,
		CreatedAt:              cj.CreatedAt,
		UpdatedAt:              cj.UpdatedAt,
	}
}

// validateCronJobRequest checks required fields and the cron expression.
// Returns the first fire time on success.
func validateCronJobRequest(req *CronJobRequest, now time.Time) (time.Time, error) {
	if req.CronExpression == "" {
		return time.Time{}, fmt.Errorf("cron_expression is required")
	}
	if len(req.Actions) == 0 {
		return time.Time{}, fmt.Errorf("actions must not be empty")
	}
	for i := range req.Actions {
		if req.Actions[i].Type == "" {
			return time.Time{}, fmt.Errorf("actions[%d].type is required", i)
		}
	}
	nextRun, err := scheduler.ComputeNextRunFrom(req.CronExpression, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron_expression: %w", err)
	}
	return nextRun, nil
}

// **** Handlers ****

func (g *Gateway) handleCronJobCreate(c *okapi.Context) error {
	var req CronJobRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	now := time.Now().UTC()
	nextRun, err := validateCronJobRequest(&req, now)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	payload, err := json.Marshal(automation.CronPayload{
		Actions:  req.Actions,
		AppToken: req.AppToken,
		TableID:  req.TableID,
		RecordID: req.RecordID,
		Fields:   req.Fields,
	})
	if err != nil {
		return c.AbortBadRequest("unencodable payload")
	}

	maxFailures := req.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = g.cronCfg.MaxConsecutiveFailures()
	}

	cj := &domain.CronJob{
		ID:                     domain.NewID(),
		RuleID:                 req.RuleID,
		CronExpression:         req.CronExpression,
		Payload:                payload,
		Status:                 domain.CronStatusWaiting,
		NextRunAt:              &nextRun,
		MaxConsecutiveFailures: maxFailures,
		NotifyChatID:           req.NotifyChatID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := g.cronStore.Create(c.Context(), cj); err != nil {
		g.logger.Error("cron job creation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to create cron job")
	}

	g.logger.Info("cron job created",
		slog.String("job_id", cj.ID.String()),
		slog.String("caller", c.GetString("caller")),
		slog.String("cron_expression", cj.CronExpression),
		slog.Time("next_run_at", nextRun),
	)

	return c.JSON(http.StatusCreated, toCronJobResponse(cj))
}

func (g *Gateway) handleCronJobList(c *okapi.Context) error {
	jobs, err := g.cronStore.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("failed to list cron jobs")
	}

	resp := make([]CronJobResponse, len(jobs))
	for i := range jobs {
		resp[i] = toCronJobResponse(&jobs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleCronJobGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron job ID")
	}

	cj, err := g.cronStore.Get(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("failed to load cron job")
	}
	if cj == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "cron job not found"})
	}

	return c.OK(toCronJobResponse(cj))
}

func (g *Gateway) handleCronJobCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron job ID")
	}

	ok, err := g.cronStore.Cancel(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("failed to cancel cron job")
	}
	if !ok {
		cj, getErr := g.cronStore.Get(c.Context(), id)
		if getErr == nil && cj == nil {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "cron job not found"})
		}
		// Executing or already cancelled.
		return c.JSON(http.StatusConflict, okapi.M{"error": "cron job cannot be cancelled in its current state"})
	}

	g.logger.Info("cron job cancelled",
		slog.String("job_id", id.String()),
		slog.String("caller", c.GetString("caller")),
	)
	return c.OK(okapi.M{"status": "cancelled"})
}

func (g *Gateway) handleCronJobResume(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid cron job ID")
	}

	ok, err := g.cronStore.Resume(c.Context(), id, time.Now().UTC())
	if err != nil {
		return c.AbortInternalServerError("failed to resume cron job")
	}
	if !ok {
		cj, getErr := g.cronStore.Get(c.Context(), id)
		if getErr == nil && cj == nil {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "cron job not found"})
		}
		return c.JSON(http.StatusConflict, okapi.M{"error": "only paused cron jobs can be resumed"})
	}

	g.logger.Info("cron job resumed",
		slog.String("job_id", id.String()),
		slog.String("caller", c.GetString("caller")),
	)

	cj, err := g.cronStore.Get(c.Context(), id)
	if err != nil || cj == nil {
		return c.OK(okapi.M{"status": "active"})
	}
	return c.OK(toCronJobResponse(cj))
}

// **** Delayed task types and handlers ****

// DelayTaskResponse is the JSON response for delayed task endpoints.
type DelayTaskResponse struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id,omitempty"`
	TriggerAt   time.Time  `json:"trigger_at"`
	Status      string     `json:"status"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

func toDelayTaskResponse(t *domain.DelayedTask) DelayTaskResponse {
	return DelayTaskResponse{
		ID:          t.ID.String(),
		RuleID:      t.RuleID,
		TriggerAt:   t.TriggerAt,
		Status:      t.Status,
		ErrorDetail: t.ErrorDetail,
		CreatedAt:   t.CreatedAt,
		ExecutedAt:  t.ExecutedAt,
	}
}

func (g *Gateway) handleDelayList(c *okapi.Context) error {
	tasks, err := g.delayStore.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("failed to list delayed tasks")
	}

	resp := make([]DelayTaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = toDelayTaskResponse(&tasks[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleDelayGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid task ID")
	}

	task, err := g.delayStore.Get(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("failed to load delayed task")
	}
	if task == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "delayed task not found"})
	}
	return c.OK(toDelayTaskResponse(task))
}

func (g *Gateway) handleDelayCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid task ID")
	}

	ok, err := g.delayStore.Cancel(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("failed to cancel delayed task")
	}
	if !ok {
		task, getErr := g.delayStore.Get(c.Context(), id)
		if getErr == nil && task == nil {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "delayed task not found"})
		}
		// Claimed by the scheduler or already terminal.
		return c.JSON(http.StatusConflict, okapi.M{"error": "only scheduled tasks can be cancelled"})
	}

	g.logger.Info("delayed task cancelled",
		slog.String("task_id", id.String()),
		slog.String("caller", c.GetString("caller")),
	)
	return c.OK(okapi.M{"status": "cancelled"})
}
