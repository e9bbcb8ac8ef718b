package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/rules"
)

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "kazi-signing-secret"
	body := []byte(`{"table_id":"tbl1"}`)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Unix()

	if err := verifySignature(secret, fmt.Sprint(ts), body, signBody(secret, ts, body), 5*time.Minute, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	secret := "kazi-signing-secret"
	body := []byte(`{}`)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-10 * time.Minute).Unix()

	err := verifySignature(secret, fmt.Sprint(stale), body, signBody(secret, stale, body), 5*time.Minute, now)
	if err == nil {
		t.Fatal("stale timestamp accepted")
	}

	// Timestamps from the future are equally suspect.
	future := now.Add(10 * time.Minute).Unix()
	err = verifySignature(secret, fmt.Sprint(future), body, signBody(secret, future, body), 5*time.Minute, now)
	if err == nil {
		t.Fatal("future timestamp accepted")
	}
}

func TestVerifySignatureRejectsBadSignature(t *testing.T) {
	secret := "kazi-signing-secret"
	body := []byte(`{"table_id":"tbl1"}`)
	now := time.Now().UTC()
	ts := now.Unix()

	if err := verifySignature(secret, fmt.Sprint(ts), body, signBody("wrong-secret", ts, body), 5*time.Minute, now); err == nil {
		t.Fatal("signature from wrong secret accepted")
	}
	if err := verifySignature(secret, fmt.Sprint(ts), []byte(`{"tampered":1}`), signBody(secret, ts, body), 5*time.Minute, now); err == nil {
		t.Fatal("tampered body accepted")
	}
}

func TestVerifySignatureRejectsMalformedTimestamp(t *testing.T) {
	if err := verifySignature("s", "not-a-number", nil, "deadbeef", time.Minute, time.Now()); err == nil {
		t.Fatal("malformed timestamp accepted")
	}
	if err := verifySignature("s", "", nil, "deadbeef", time.Minute, time.Now()); err == nil {
		t.Fatal("empty timestamp accepted")
	}
}

func TestValidateCronJobRequest(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 2, 0, 0, time.UTC)

	req := &CronJobRequest{
		CronExpression: "*/5 * * * *",
		Actions:        []rules.ActionSpec{{Type: "send_notification", Message: "ping"}},
	}
	nextRun, err := validateCronJobRequest(req, now)
	if err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	want := time.Date(2026, 9, 1, 10, 5, 0, 0, time.UTC)
	if !nextRun.Equal(want) {
		t.Fatalf("next run = %v, want %v", nextRun, want)
	}
}

func TestValidateCronJobRequestRejections(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		req  CronJobRequest
	}{
		{"missing expression", CronJobRequest{Actions: []rules.ActionSpec{{Type: "log.write"}}}},
		{"no actions", CronJobRequest{CronExpression: "*/5 * * * *"}},
		{"untyped action", CronJobRequest{CronExpression: "*/5 * * * *", Actions: []rules.ActionSpec{{Message: "x"}}}},
		{"bad expression", CronJobRequest{CronExpression: "not a cron", Actions: []rules.ActionSpec{{Type: "log.write"}}}},
		{"six fields", CronJobRequest{CronExpression: "0 */5 * * * *", Actions: []rules.ActionSpec{{Type: "log.write"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := validateCronJobRequest(&tc.req, now); err == nil {
				t.Fatalf("invalid request accepted")
			}
		})
	}
}

func TestToCronJobResponse(t *testing.T) {
	next := time.Date(2026, 9, 1, 10, 5, 0, 0, time.UTC)
	cj := &domain.CronJob{
		ID:                     domain.NewID(),
		RuleID:                 "rule-overdue",
		CronExpression:         "*/5 * * * *",
		Status:                 domain.CronStatusPaused,
		NextRunAt:              &next,
		ConsecutiveFailures:    3,
		MaxConsecutiveFailures: 3,
		ExecutionCount:         7,
		PauseReason:            "3 consecutive failures",
		NotifyChatID:           "oc_123",
	}
	resp := toCronJobResponse(cj)
	if resp.ID != cj.ID.String() || resp.Status != "paused" {
		t.Fatalf("response mismatch: %+v", resp)
	}
	if resp.PauseReason != "3 consecutive failures" || resp.ExecutionCount != 7 {
		t.Fatalf("response mismatch: %+v", resp)
	}
	if resp.NextRunAt == nil || !resp.NextRunAt.Equal(next) {
		t.Fatalf("next run = %v", resp.NextRunAt)
	}
}

func TestToDelayTaskResponse(t *testing.T) {
	task := &domain.DelayedTask{
		ID:          domain.NewID(),
		RuleID:      "rule-remind",
		TriggerAt:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
		Status:      domain.DelayStatusFailed,
		ErrorDetail: "record not found",
	}
	resp := toDelayTaskResponse(task)
	if resp.ID != task.ID.String() || resp.Status != "failed" || resp.ErrorDetail != "record not found" {
		t.Fatalf("response mismatch: %+v", resp)
	}
	if resp.ExecutedAt != nil {
		t.Fatalf("executed_at = %v, want nil", resp.ExecutedAt)
	}
}

func TestQueryLimit(t *testing.T) {
	cases := []struct {
		url  string
		want int
	}{
		{"/v1/admin/runs", 100},
		{"/v1/admin/runs?limit=25", 25},
		{"/v1/admin/runs?limit=0", 100},
		{"/v1/admin/runs?limit=-3", 100},
		{"/v1/admin/runs?limit=abc", 100},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.url, nil)
		if got := queryLimit(r, 100); got != tc.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tc.url, got, tc.want)
		}
	}
}
