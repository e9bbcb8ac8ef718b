package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/rules"
)

// Executor runs action specs against a record context.
// Constructed once at process start and shared; all collaborators are
// injected explicitly.
type Executor struct {
	records    RecordUpdater
	calendar   CalendarCreator
	httpClient *http.Client
	cfg        config.ActionsConfig
	logger     *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(records RecordUpdater, calendar CalendarCreator, cfg config.ActionsConfig, logger *slog.Logger) *Executor {
	return &Executor{
		records:  records,
		calendar: calendar,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
			// Do not follow redirects — prevents egress-control bypass via
			// redirect to an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes specs strictly in list order and returns one result per
// executed action. It stops at the first error; results for actions that
// already ran are returned alongside the error.
func (e *Executor) Run(ctx context.Context, specs []rules.ActionSpec, actx *Context) ([]Result, error) {
	results := make([]Result, 0, len(specs))
	for i := range specs {
		res, err := e.RunOne(ctx, specs[i], actx)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunOne executes a single action. A returned *ExecutionError is
// permanent (misconfiguration, blocked target); any other error is
// transient and safe to retry.
func (e *Executor) RunOne(ctx context.Context, spec rules.ActionSpec, actx *Context) (Result, error) {
	switch spec.Type {
	case rules.ActionLogWrite:
		return e.runLogWrite(spec, actx), nil
	case rules.ActionRecordUpdate:
		return e.runRecordUpdate(ctx, spec, actx)
	case rules.ActionCalendarCreate:
		return e.runCalendarCreate(ctx, spec, actx)
	case rules.ActionHTTPRequest:
		return e.runHTTPRequest(ctx, spec, actx)
	case rules.ActionDelay:
		return e.runDelay(spec)
	default:
		// Fail fast: a misconfigured rule should be visible, not skipped.
		err := execErr(spec.Type, "unsupported action type")
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Reason}, err
	}
}

func (e *Executor) runLogWrite(spec rules.ActionSpec, actx *Context) Result {
	msg := Render(spec.Message, actx.Vars())
	attrs := []any{
		slog.String("table_id", actx.TableID),
		slog.String("record_id", actx.RecordID),
	}
	switch strings.ToLower(spec.Level) {
	case "debug":
		e.logger.Debug(msg, attrs...)
	case "warn", "warning":
		e.logger.Warn(msg, attrs...)
	case "error":
		e.logger.Error(msg, attrs...)
	default:
		e.logger.Info(msg, attrs...)
	}
	return Result{Type: spec.Type, Status: StatusSuccess, Detail: msg}
}

func (e *Executor) runRecordUpdate(ctx context.Context, spec rules.ActionSpec, actx *Context) (Result, error) {
	vars := actx.Vars()
	rendered := make(map[string]any, len(spec.Fields))
	for k, v := range spec.Fields {
		rendered[Render(k, vars)] = RenderValue(v, vars)
	}
	if len(rendered) == 0 {
		err := execErr(spec.Type, "rendered fields map is empty")
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Reason}, err
	}

	if err := e.records.UpdateRecord(ctx, actx.AppToken, actx.TableID, actx.RecordID, rendered); err != nil {
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Error()},
			fmt.Errorf("updating record %s/%s: %w", actx.TableID, actx.RecordID, err)
	}

	// Reflect the write so later actions in the same pipeline see it.
	// Payloads round-tripped through JSON can arrive without a fields map.
	if actx.Fields == nil {
		actx.Fields = make(map[string]any, len(rendered))
	}
	for k, v := range rendered {
		actx.Fields[k] = v
	}
	return Result{Type: spec.Type, Status: StatusSuccess}, nil
}

func (e *Executor) runCalendarCreate(ctx context.Context, spec rules.ActionSpec, actx *Context) (Result, error) {
	calendarID := spec.CalendarID
	if calendarID == "" {
		calendarID = e.cfg.DefaultCalendarID
	}
	if calendarID == "" {
		err := execErr(spec.Type, "no calendar id: set calendar_id or actions.default_calendar_id")
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Reason}, err
	}

	vars := actx.Vars()
	start, err := e.resolveStart(spec, actx, vars)
	if err != nil {
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Error()}, err
	}

	var end time.Time
	if spec.End != "" {
		end, err = parseTimeString(Render(spec.End, vars))
		if err != nil {
			perr := execErr(spec.Type, "invalid end time: %v", err)
			return Result{Type: spec.Type, Status: StatusFailed, Detail: perr.Reason}, perr
		}
	} else {
		dur := e.cfg.DefaultDuration()
		if spec.DurationSeconds > 0 {
			dur = time.Duration(spec.DurationSeconds) * time.Second
		}
		end = start.Add(dur)
	}
	if !end.After(start) {
		perr := execErr(spec.Type, "end time %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
		return Result{Type: spec.Type, Status: StatusFailed, Detail: perr.Reason}, perr
	}

	eventID, err := e.calendar.CreateEvent(ctx, CalendarEvent{
		CalendarID: calendarID,
		Summary:    Render(spec.Summary, vars),
		Start:      start,
		End:        end,
		RRule:      spec.RRule,
	})
	if err != nil {
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Error()},
			fmt.Errorf("creating calendar event: %w", err)
	}
	return Result{Type: spec.Type, Status: StatusSuccess, Detail: eventID}, nil
}

func (e *Executor) resolveStart(spec rules.ActionSpec, actx *Context, vars map[string]string) (time.Time, error) {
	if spec.Start != "" {
		t, err := parseTimeString(Render(spec.Start, vars))
		if err != nil {
			return time.Time{}, execErr(spec.Type, "invalid start time: %v", err)
		}
		return t, nil
	}
	if spec.StartField != "" {
		v, ok := actx.Fields[spec.StartField]
		if !ok {
			return time.Time{}, execErr(spec.Type, "start field %q not present in record", spec.StartField)
		}
		t, err := parseTimeValue(v)
		if err != nil {
			return time.Time{}, execErr(spec.Type, "start field %q: %v", spec.StartField, err)
		}
		return t, nil
	}
	return time.Time{}, execErr(spec.Type, "no start time: set start or start_field")
}

func (e *Executor) runHTTPRequest(ctx context.Context, spec rules.ActionSpec, actx *Context) (Result, error) {
	vars := actx.Vars()
	target := Render(spec.URL, vars)

	if err := checkEgress(target, e.cfg.AllowedDomains); err != nil {
		perr := execErr(spec.Type, "egress blocked: %v", err)
		return Result{Type: spec.Type, Status: StatusFailed, Detail: perr.Reason}, perr
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(Render(spec.Body, vars))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		perr := execErr(spec.Type, "building request: %v", err)
		return Result{Type: spec.Type, Status: StatusFailed, Detail: perr.Reason}, perr
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, Render(v, vars))
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Error()},
			fmt.Errorf("http.request to %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("http.request to %s returned %d: %s", target, resp.StatusCode, string(respBody))
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Error()}, err
	}
	return Result{Type: spec.Type, Status: StatusSuccess, Detail: fmt.Sprintf("%d %s", resp.StatusCode, target)}, nil
}

// runDelay validates the spec and returns a scheduled marker. The caller
// persists the delayed task; nothing executes here.
func (e *Executor) runDelay(spec rules.ActionSpec) (Result, error) {
	if spec.Then == nil {
		err := execErr(spec.Type, "delay requires a non-empty then action")
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Reason}, err
	}
	maxDelay := int(e.cfg.MaxDelay() / time.Second)
	if spec.DelaySeconds < 0 || spec.DelaySeconds > maxDelay {
		err := execErr(spec.Type, "delay_seconds %d outside [0, %d]", spec.DelaySeconds, maxDelay)
		return Result{Type: spec.Type, Status: StatusFailed, Detail: err.Reason}, err
	}
	return Result{
		Type:      spec.Type,
		Status:    StatusScheduled,
		Scheduled: &ScheduledDelay{DelaySeconds: spec.DelaySeconds},
	}, nil
}

// parseTimeString accepts RFC 3339 and a date-only form.
func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// parseTimeValue accepts the value shapes date fields arrive in: an RFC
// 3339 string or an epoch-milliseconds number.
func parseTimeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value of type %T", v)
	}
}
