// Package automation orchestrates the event pipeline: webhook ingestion,
// deduplication, snapshot diffing, rule matching and action execution with
// retry, run logging and dead lettering. It is also the re-entry point the
// delay and cron schedulers call back into.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/action"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/rules"
	"github.com/jkaninda/kazi/internal/snapshot"
)

// ErrInvalidToken is returned when the webhook verification token does not
// match the configured one. Gateways should map it to 401.
var ErrInvalidToken = errors.New("invalid verification token")

// ValidationError marks a malformed inbound payload. Never persisted,
// gateways should map it to 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func valErr(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IdempotencyStore deduplicates keys per bucket within a TTL window.
// Implementations sweep expired rows and evict beyond the key cap on access.
type IdempotencyStore interface {
	IsDuplicate(ctx context.Context, bucket, key string) (bool, error)
	Mark(ctx context.Context, bucket, key string) error
}

// RuleSource loads the enabled rules for a table, priority ordered.
type RuleSource interface {
	LoadEnabled(tableID string) ([]rules.Rule, error)
}

// RecordFetcher reads current record state from the remote datastore.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, appToken, tableID, recordID string) (map[string]any, error)
	ListRecords(ctx context.Context, appToken, tableID string) ([]snapshot.Record, error)
}

// ActionRunner executes a single action spec. *action.ExecutionError marks
// a permanent failure that must not be retried.
type ActionRunner interface {
	RunOne(ctx context.Context, spec rules.ActionSpec, actx *action.Context) (action.Result, error)
}

// DelayTaskCreator persists delayed tasks produced by delay actions.
type DelayTaskCreator interface {
	Create(ctx context.Context, task *domain.DelayedTask) error
}

// RunLogStore records per-action outcomes and exhausted-retry dead letters.
type RunLogStore interface {
	AppendRun(ctx context.Context, entry *domain.RunLogEntry) error
	AppendDeadLetter(ctx context.Context, entry *domain.DeadLetterEntry) error
}

// Notifier reports finished rule executions. Best effort, never blocks
// pipeline state.
type Notifier interface {
	RuleDone(ctx context.Context, ruleID, status, notifyChatID, summary, errMsg string)
}

// Service is the automation orchestrator.
type Service struct {
	idempotency IdempotencyStore
	snapshots   snapshot.Store
	rules       RuleSource
	records     RecordFetcher
	runner      ActionRunner
	delays      DelayTaskCreator
	runlog      RunLogStore
	notifier    Notifier
	metrics     *Metrics
	logger      *slog.Logger
	cfg         config.EngineConfig

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

func NewService(
	idempotency IdempotencyStore,
	snapshots snapshot.Store,
	ruleSource RuleSource,
	records RecordFetcher,
	runner ActionRunner,
	delays DelayTaskCreator,
	runlog RunLogStore,
	cfg config.EngineConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		idempotency: idempotency,
		snapshots:   snapshots,
		rules:       ruleSource,
		records:     records,
		runner:      runner,
		delays:      delays,
		runlog:      runlog,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// WithNotifier attaches a completion notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithMetrics attaches engine metrics.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Event results returned by HandleEvent.
const (
	ResultChallenge   = "url_verification"
	ResultDuplicate   = "duplicate_event"
	ResultInitialized = "initialized"
	ResultChanged     = "changed"
	ResultUnchanged   = "unchanged"
)

// EventResult is the outcome of one inbound webhook delivery.
type EventResult struct {
	Result    string       `json:"result"`
	Challenge string       `json:"challenge,omitempty"`
	Rules     []RuleResult `json:"rules,omitempty"`
}

// RuleResult is the outcome of one matched rule's action pipeline.
type RuleResult struct {
	RuleID string `json:"rule_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleEvent processes one raw inbound webhook delivery end to end.
func (s *Service) HandleEvent(ctx context.Context, raw []byte) (*EventResult, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.EventsReceived.Inc()
		defer func() {
			s.metrics.HandleDuration.Observe(time.Since(start).Seconds())
		}()
	}

	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, valErr("malformed event payload: %v", err)
	}

	if payload.Type == "url_verification" {
		if err := s.checkToken(payload.Token); err != nil {
			return nil, err
		}
		return &EventResult{Result: ResultChallenge, Challenge: payload.Challenge}, nil
	}

	if payload.Header == nil || payload.Event == nil {
		return nil, valErr("event payload missing header or event")
	}
	if err := s.checkToken(payload.Header.Token); err != nil {
		return nil, err
	}
	ev := payload.Event
	if ev.AppToken == "" || ev.TableID == "" || ev.RecordID == "" {
		return nil, valErr("unresolvable record locator: app_token, table_id and record_id are required")
	}
	eventID := payload.Header.EventID
	if eventID == "" {
		return nil, valErr("missing event_id")
	}

	dup, err := s.idempotency.IsDuplicate(ctx, domain.BucketEvents, eventID)
	if err != nil {
		return nil, fmt.Errorf("checking event key: %w", err)
	}
	if dup {
		if s.metrics != nil {
			s.metrics.DuplicateEvents.Inc()
		}
		s.logger.InfoContext(ctx, "duplicate event skipped",
			slog.String("event_id", eventID),
			slog.String("table_id", ev.TableID),
			slog.String("record_id", ev.RecordID),
		)
		return &EventResult{Result: ResultDuplicate}, nil
	}

	fields, err := s.records.FetchRecord(ctx, ev.AppToken, ev.TableID, ev.RecordID)
	if err != nil {
		return nil, fmt.Errorf("fetching record %s/%s: %w", ev.TableID, ev.RecordID, err)
	}

	old, err := s.snapshots.Load(ctx, ev.TableID, ev.RecordID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if err := s.snapshots.Save(ctx, ev.TableID, ev.RecordID, fields); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}

	res := &EventResult{}
	firstSight := old == nil
	switch {
	case firstSight && !s.cfg.TriggerOnFirstSight:
		res.Result = ResultInitialized
		s.logger.InfoContext(ctx, "record baselined",
			slog.String("event_id", eventID),
			slog.String("table_id", ev.TableID),
			slog.String("record_id", ev.RecordID),
		)
	default:
		if firstSight {
			old = map[string]any{}
			res.Result = ResultInitialized
		}
		diff := snapshot.Compute(old, fields)
		if res.Result == "" {
			if diff.HasChanges {
				res.Result = ResultChanged
			} else {
				res.Result = ResultUnchanged
			}
		}
		res.Rules, err = s.runRules(ctx, eventID, ev, old, fields, diff)
		if err != nil {
			return nil, err
		}
	}

	if err := s.idempotency.Mark(ctx, domain.BucketEvents, eventID); err != nil {
		// The event is fully processed. Losing the mark only risks one
		// redundant re-run, so log and keep the committed result.
		s.logger.ErrorContext(ctx, "marking event key failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}

func (s *Service) checkToken(got string) error {
	if s.cfg.VerificationToken == "" {
		return nil
	}
	if got != s.cfg.VerificationToken {
		return ErrInvalidToken
	}
	return nil
}

// runRules matches the table's enabled rules against the diff and executes
// each match's pipeline.
func (s *Service) runRules(ctx context.Context, eventID string, ev *ChangeEvent, old, fields map[string]any, diff snapshot.Diff) ([]RuleResult, error) {
	enabled, err := s.rules.LoadEnabled(ev.TableID)
	if err != nil {
		return nil, fmt.Errorf("loading rules for table %s: %w", ev.TableID, err)
	}

	var out []RuleResult
	for i := range enabled {
		rule := &enabled[i]
		if !rules.Match(*rule, old, fields, diff) {
			continue
		}
		if s.metrics != nil {
			s.metrics.RulesMatched.Inc()
		}
		actx := &action.Context{
			AppToken: ev.AppToken,
			TableID:  ev.TableID,
			RecordID: ev.RecordID,
			Fields:   fields,
		}
		rr := s.executeRule(ctx, eventID, rule, actx)
		out = append(out, rr)
		if s.notifier != nil {
			summary := fmt.Sprintf("rule %s on %s/%s", rule.RuleID, ev.TableID, ev.RecordID)
			s.notifier.RuleDone(ctx, rule.RuleID, rr.Status, rule.NotifyChatID, summary, rr.Error)
		}
	}
	return out, nil
}

// executeRule runs one rule's actions in order. Transient failures are
// retried with backoff up to the configured budget; permanent failures and
// exhausted retries stop the pipeline and dead-letter the action.
func (s *Service) executeRule(ctx context.Context, eventID string, rule *rules.Rule, actx *action.Context) RuleResult {
	rr := RuleResult{RuleID: rule.RuleID, Status: action.StatusSuccess}

	for i := range rule.Actions {
		spec := rule.Actions[i]
		res, retries, err := s.runWithRetry(ctx, spec, actx)

		entry := &domain.RunLogEntry{
			ID:           domain.NewID(),
			EventID:      eventID,
			RuleID:       rule.RuleID,
			TableID:      actx.TableID,
			RecordID:     actx.RecordID,
			TriggerField: rule.Trigger.Field,
			ActionType:   spec.Type,
			Result:       res.Status,
			RetryCount:   retries,
			CreatedAt:    time.Now().UTC(),
		}
		if err != nil {
			entry.Result = action.StatusFailed
			entry.Error = err.Error()
		}
		if logErr := s.runlog.AppendRun(ctx, entry); logErr != nil {
			s.logger.ErrorContext(ctx, "appending run log failed",
				slog.String("rule_id", rule.RuleID),
				slog.String("error", logErr.Error()),
			)
		}

		if err != nil {
			rr.Status = action.StatusFailed
			rr.Error = err.Error()
			s.deadLetter(ctx, rule.RuleID, actx, spec.Type, err)
			return rr
		}
		if res.Status == action.StatusScheduled {
			if schedErr := s.scheduleDelay(ctx, rule.RuleID, rule.NotifyChatID, spec, actx, res.Scheduled); schedErr != nil {
				rr.Status = action.StatusFailed
				rr.Error = schedErr.Error()
				s.deadLetter(ctx, rule.RuleID, actx, spec.Type, schedErr)
				return rr
			}
		}
	}
	return rr
}

// runWithRetry returns the last result, the number of retries performed and
// the final error. Permanent failures are never retried.
func (s *Service) runWithRetry(ctx context.Context, spec rules.ActionSpec, actx *action.Context) (action.Result, int, error) {
	maxRetries := s.cfg.Retries()
	backoff := s.cfg.RetryBackoff()

	var res action.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = s.runner.RunOne(ctx, spec, actx)
		if err == nil {
			return res, attempt, nil
		}
		var permanent *action.ExecutionError
		if errors.As(err, &permanent) {
			return res, attempt, err
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			return res, attempt, err
		}
		if s.metrics != nil {
			s.metrics.ActionRetries.Inc()
		}
		s.logger.WarnContext(ctx, "action failed, retrying",
			slog.String("action_type", spec.Type),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		s.sleep(ctx, backoff)
	}
}

func (s *Service) deadLetter(ctx context.Context, ruleID string, actx *action.Context, actionType string, cause error) {
	if s.metrics != nil {
		s.metrics.DeadLettered.Inc()
	}
	entry := &domain.DeadLetterEntry{
		ID:         domain.NewID(),
		RuleID:     ruleID,
		TableID:    actx.TableID,
		RecordID:   actx.RecordID,
		ActionType: actionType,
		Error:      cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.runlog.AppendDeadLetter(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "appending dead letter failed",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.ErrorContext(ctx, "action dead-lettered",
		slog.String("rule_id", ruleID),
		slog.String("table_id", actx.TableID),
		slog.String("record_id", actx.RecordID),
		slog.String("action_type", actionType),
		slog.String("error", cause.Error()),
	)
}

// scheduleDelay persists the delayed task a delay action returned.
func (s *Service) scheduleDelay(ctx context.Context, ruleID, notifyChatID string, spec rules.ActionSpec, actx *action.Context, marker *action.ScheduledDelay) error {
	if marker == nil || spec.Then == nil {
		return valErr("delay action returned no schedule")
	}
	payload := DelayedPayload{
		Action:       *spec.Then,
		AppToken:     actx.AppToken,
		TableID:      actx.TableID,
		RecordID:     actx.RecordID,
		Fields:       actx.Fields,
		NotifyChatID: notifyChatID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding delayed payload: %w", err)
	}
	task := &domain.DelayedTask{
		ID:        domain.NewID(),
		RuleID:    ruleID,
		TriggerAt: time.Now().UTC().Add(time.Duration(marker.DelaySeconds) * time.Second),
		Payload:   raw,
		Status:    domain.DelayStatusScheduled,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.delays.Create(ctx, task); err != nil {
		return fmt.Errorf("persisting delayed task: %w", err)
	}
	s.logger.InfoContext(ctx, "delayed task scheduled",
		slog.String("task_id", task.ID.String()),
		slog.String("rule_id", ruleID),
		slog.Time("trigger_at", task.TriggerAt),
	)
	return nil
}
