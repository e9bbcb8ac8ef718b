package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/action"
	"github.com/jkaninda/kazi/internal/domain"
)

// ExecuteDelayedPayload runs the single deferred action embedded in a
// delayed task. Called by the delay scheduler after it wins the claim;
// failures are terminal, the scheduler does not retry.
func (s *Service) ExecuteDelayedPayload(ctx context.Context, task *domain.DelayedTask) error {
	var payload DelayedPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decoding delayed payload: %w", err)
	}

	actx := &action.Context{
		AppToken: payload.AppToken,
		TableID:  payload.TableID,
		RecordID: payload.RecordID,
		Fields:   payload.Fields,
	}
	res, err := s.runner.RunOne(ctx, payload.Action, actx)
	if err != nil {
		return err
	}
	// A delayed delay action chains: persist the next hop.
	if res.Status == action.StatusScheduled {
		return s.scheduleDelay(ctx, task.RuleID, payload.NotifyChatID, payload.Action, actx, res.Scheduled)
	}
	return nil
}

// ExecuteCronPayload runs a cron job's action list in order, stopping at
// the first failure. The cron scheduler translates the returned error into
// the job's consecutive-failure bookkeeping.
func (s *Service) ExecuteCronPayload(ctx context.Context, job *domain.CronJob) error {
	var payload CronPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding cron payload: %w", err)
	}
	if len(payload.Actions) == 0 {
		return fmt.Errorf("cron job %s has no actions", job.ID)
	}

	// Guard against a double fire from overlapping poller instances. The
	// CAS on the job row already prevents this in the common case; the
	// business key makes recovery replays idempotent too.
	if job.NextRunAt != nil {
		fireKey := fmt.Sprintf("cron:%s:%d", job.ID, job.NextRunAt.Unix())
		dup, err := s.idempotency.IsDuplicate(ctx, domain.BucketBusiness, fireKey)
		if err != nil {
			return fmt.Errorf("checking cron fire key: %w", err)
		}
		if dup {
			s.logger.WarnContext(ctx, "cron fire already executed, skipping",
				slog.String("job_id", job.ID.String()),
			)
			return nil
		}
		defer func() {
			if err := s.idempotency.Mark(ctx, domain.BucketBusiness, fireKey); err != nil {
				s.logger.ErrorContext(ctx, "marking cron fire key failed",
					slog.String("job_id", job.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	actx := &action.Context{
		AppToken: payload.AppToken,
		TableID:  payload.TableID,
		RecordID: payload.RecordID,
		Fields:   payload.Fields,
	}
	for i := range payload.Actions {
		res, err := s.runner.RunOne(ctx, payload.Actions[i], actx)
		if err != nil {
			return err
		}
		if res.Status == action.StatusScheduled {
			if err := s.scheduleDelay(ctx, job.RuleID, job.NotifyChatID, payload.Actions[i], actx, res.Scheduled); err != nil {
				return err
			}
		}
	}
	return nil
}
