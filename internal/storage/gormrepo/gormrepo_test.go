package gormrepo

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/snapshot"
	"github.com/jkaninda/kazi/internal/storage"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestIdempotencyMarkAndDuplicate(t *testing.T) {
	db := openTestDB(t)
	repo := NewIdempotencyRepository(db, storage.IdempotencyPolicy{EventTTL: time.Hour})
	ctx := context.Background()

	dup, err := repo.IsDuplicate(ctx, domain.BucketEvents, "evt-1")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Fatal("unmarked key reported duplicate")
	}

	if err := repo.Mark(ctx, domain.BucketEvents, "evt-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	dup, err = repo.IsDuplicate(ctx, domain.BucketEvents, "evt-1")
	if err != nil {
		t.Fatalf("IsDuplicate after mark: %v", err)
	}
	if !dup {
		t.Fatal("marked key not reported duplicate")
	}

	// Buckets are independent namespaces.
	dup, err = repo.IsDuplicate(ctx, domain.BucketBusiness, "evt-1")
	if err != nil {
		t.Fatalf("IsDuplicate other bucket: %v", err)
	}
	if dup {
		t.Fatal("key leaked across buckets")
	}
}

func TestIdempotencyMarkRefreshesTimestamp(t *testing.T) {
	db := openTestDB(t)
	repo := NewIdempotencyRepository(db, storage.IdempotencyPolicy{EventTTL: time.Hour})
	ctx := context.Background()

	if err := repo.Mark(ctx, domain.BucketEvents, "evt-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	stale := time.Now().UTC().Add(-30 * time.Minute)
	if err := db.Model(&IdempotencyKeyModel{}).
		Where("bucket = ? AND key = ?", domain.BucketEvents, "evt-1").
		Update("timestamp", stale).Error; err != nil {
		t.Fatalf("backdating: %v", err)
	}

	if err := repo.Mark(ctx, domain.BucketEvents, "evt-1"); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	var model IdempotencyKeyModel
	if err := db.First(&model, "bucket = ? AND key = ?", domain.BucketEvents, "evt-1").Error; err != nil {
		t.Fatalf("loading key: %v", err)
	}
	if !model.Timestamp.After(stale.Add(time.Minute)) {
		t.Fatalf("timestamp not refreshed: %v", model.Timestamp)
	}
}

func TestIdempotencyTTLSweep(t *testing.T) {
	db := openTestDB(t)
	repo := NewIdempotencyRepository(db, storage.IdempotencyPolicy{
		EventTTL:    time.Hour,
		BusinessTTL: 10 * time.Minute,
	})
	ctx := context.Background()

	for _, row := range []IdempotencyKeyModel{
		{Bucket: domain.BucketEvents, Key: "old", Timestamp: time.Now().UTC().Add(-2 * time.Hour)},
		{Bucket: domain.BucketEvents, Key: "fresh", Timestamp: time.Now().UTC()},
		{Bucket: domain.BucketBusiness, Key: "biz-old", Timestamp: time.Now().UTC().Add(-time.Hour)},
	} {
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	dup, err := repo.IsDuplicate(ctx, domain.BucketEvents, "old")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Fatal("expired key survived the sweep")
	}
	dup, err = repo.IsDuplicate(ctx, domain.BucketEvents, "fresh")
	if err != nil || !dup {
		t.Fatalf("fresh key lost: dup=%v err=%v", dup, err)
	}

	// The business bucket has its own, shorter TTL.
	dup, err = repo.IsDuplicate(ctx, domain.BucketBusiness, "biz-old")
	if err != nil {
		t.Fatalf("IsDuplicate business: %v", err)
	}
	if dup {
		t.Fatal("business key outlived its TTL")
	}
}

func TestIdempotencyEvictsOldestBeyondCap(t *testing.T) {
	db := openTestDB(t)
	repo := NewIdempotencyRepository(db, storage.IdempotencyPolicy{
		EventTTL: 24 * time.Hour,
		MaxKeys:  3,
	})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, key := range []string{"a", "b", "c", "d", "e"} {
		row := IdempotencyKeyModel{
			Bucket:    domain.BucketEvents,
			Key:       key,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seeding %s: %v", key, err)
		}
	}

	// Any access triggers maintenance.
	if _, err := repo.IsDuplicate(ctx, domain.BucketEvents, "e"); err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}

	var remaining []IdempotencyKeyModel
	if err := db.Order("timestamp ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("loading remaining: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("got %d keys after eviction, want 3", len(remaining))
	}
	for i, want := range []string{"c", "d", "e"} {
		if remaining[i].Key != want {
			t.Errorf("remaining[%d] = %q, want %q", i, remaining[i].Key, want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewSnapshotRepository(db)
	ctx := context.Background()

	fields, err := repo.Load(ctx, "tbl", "rec")
	if err != nil {
		t.Fatalf("Load absent: %v", err)
	}
	if fields != nil {
		t.Fatal("absent snapshot returned fields")
	}

	in := map[string]any{
		"状态": "待办",
		"标题": "写周报",
		"优先级": float64(2),
	}
	if err := repo.Save(ctx, "tbl", "rec", in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fields, err = repo.Load(ctx, "tbl", "rec")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fields["状态"] != "待办" || fields["优先级"] != float64(2) {
		t.Fatalf("round trip mismatch: %v", fields)
	}

	in["状态"] = "完成"
	if err := repo.Save(ctx, "tbl", "rec", in); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	fields, err = repo.Load(ctx, "tbl", "rec")
	if err != nil {
		t.Fatalf("Load after overwrite: %v", err)
	}
	if fields["状态"] != "完成" {
		t.Fatalf("overwrite lost: %v", fields["状态"])
	}
}

func TestInitFullSnapshotReplacesTable(t *testing.T) {
	db := openTestDB(t)
	repo := NewSnapshotRepository(db)
	ctx := context.Background()

	if err := repo.Save(ctx, "tblA", "stale", map[string]any{"状态": "待办"}); err != nil {
		t.Fatalf("seeding tblA: %v", err)
	}
	if err := repo.Save(ctx, "tblB", "keep", map[string]any{"状态": "进行中"}); err != nil {
		t.Fatalf("seeding tblB: %v", err)
	}

	n, err := repo.InitFullSnapshot(ctx, "tblA", []snapshot.Record{
		{RecordID: "r1", Fields: map[string]any{"状态": "待办"}},
		{RecordID: "r2", Fields: map[string]any{"状态": "完成"}},
	})
	if err != nil {
		t.Fatalf("InitFullSnapshot: %v", err)
	}
	if n != 2 {
		t.Fatalf("InitFullSnapshot returned %d, want 2", n)
	}

	fields, err := repo.Load(ctx, "tblA", "stale")
	if err != nil {
		t.Fatalf("Load stale: %v", err)
	}
	if fields != nil {
		t.Fatal("stale record survived rebaseline")
	}
	fields, err = repo.Load(ctx, "tblA", "r2")
	if err != nil || fields == nil {
		t.Fatalf("rebaselined record missing: fields=%v err=%v", fields, err)
	}
	fields, err = repo.Load(ctx, "tblB", "keep")
	if err != nil || fields == nil {
		t.Fatalf("other table touched: fields=%v err=%v", fields, err)
	}
}

func newTask(status string, triggerAt time.Time) *domain.DelayedTask {
	return &domain.DelayedTask{
		ID:        domain.NewID(),
		RuleID:    "rule-1",
		TriggerAt: triggerAt,
		Payload:   json.RawMessage(`{"action":{"type":"record.update"}}`),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestDelayTaskClaimLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewDelayTaskRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTask(domain.DelayStatusScheduled, now.Add(-time.Minute))
	future := newTask(domain.DelayStatusScheduled, now.Add(time.Hour))
	for _, task := range []*domain.DelayedTask{due, future} {
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	dueTasks, err := repo.GetDueTasks(ctx, now)
	if err != nil {
		t.Fatalf("GetDueTasks: %v", err)
	}
	if len(dueTasks) != 1 || dueTasks[0].ID != due.ID {
		t.Fatalf("due scan returned %d tasks", len(dueTasks))
	}

	claimed, err := repo.MarkExecuting(ctx, due.ID)
	if err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if !claimed {
		t.Fatal("first claim lost")
	}
	claimed, err = repo.MarkExecuting(ctx, due.ID)
	if err != nil {
		t.Fatalf("second MarkExecuting: %v", err)
	}
	if claimed {
		t.Fatal("task claimed twice")
	}

	if err := repo.MarkCompleted(ctx, due.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err := repo.Get(ctx, due.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.DelayStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.ExecutedAt == nil {
		t.Fatal("executed_at not set by claim")
	}
}

func TestDelayTaskFailureRecordsDetail(t *testing.T) {
	db := openTestDB(t)
	repo := NewDelayTaskRepository(db)
	ctx := context.Background()

	task := newTask(domain.DelayStatusScheduled, time.Now().UTC().Add(-time.Minute))
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.MarkExecuting(ctx, task.ID); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := repo.MarkFailed(ctx, task.ID, "record not found"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := repo.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.DelayStatusFailed || got.ErrorDetail != "record not found" {
		t.Fatalf("status=%q detail=%q", got.Status, got.ErrorDetail)
	}
}

func TestDelayTaskCancelOnlyScheduled(t *testing.T) {
	db := openTestDB(t)
	repo := NewDelayTaskRepository(db)
	ctx := context.Background()

	task := newTask(domain.DelayStatusScheduled, time.Now().UTC().Add(time.Hour))
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := repo.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of scheduled task rejected")
	}
	// Terminal now; a second cancel has nothing to do.
	ok, err = repo.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ok {
		t.Fatal("cancelled task cancelled again")
	}

	running := newTask(domain.DelayStatusScheduled, time.Now().UTC().Add(-time.Minute))
	if err := repo.Create(ctx, running); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.MarkExecuting(ctx, running.ID); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	ok, err = repo.Cancel(ctx, running.ID)
	if err != nil {
		t.Fatalf("Cancel executing: %v", err)
	}
	if ok {
		t.Fatal("executing task was cancelled")
	}
}

func TestDelayTaskPurgeTerminalOnly(t *testing.T) {
	db := openTestDB(t)
	repo := NewDelayTaskRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldDone := newTask(domain.DelayStatusCompleted, old)
	oldDone.CreatedAt = old
	oldScheduled := newTask(domain.DelayStatusScheduled, old)
	oldScheduled.CreatedAt = old
	freshDone := newTask(domain.DelayStatusCompleted, time.Now().UTC())
	for _, task := range []*domain.DelayedTask{oldDone, oldScheduled, freshDone} {
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	purged, err := repo.PurgeTerminal(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d rows, want 1", purged)
	}
	got, err := repo.Get(ctx, oldScheduled.ID)
	if err != nil || got == nil {
		t.Fatalf("overdue scheduled task purged: got=%v err=%v", got, err)
	}
	got, err = repo.Get(ctx, freshDone.ID)
	if err != nil || got == nil {
		t.Fatalf("recent terminal task purged: got=%v err=%v", got, err)
	}
}

func TestDelayTaskPurgeAnchorsOnExecutionTime(t *testing.T) {
	db := openTestDB(t)
	repo := NewDelayTaskRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	created := now.Add(-30 * 24 * time.Hour)
	executed := now.Add(-1 * time.Hour)

	// A month-long delay that just completed: retention starts at
	// execution, not at creation.
	longDelay := newTask(domain.DelayStatusCompleted, created)
	longDelay.CreatedAt = created
	longDelay.ExecutedAt = &executed

	// Cancelled tasks never execute; their age is their creation time.
	oldCancelled := newTask(domain.DelayStatusCancelled, created)
	oldCancelled.CreatedAt = created

	for _, task := range []*domain.DelayedTask{longDelay, oldCancelled} {
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	purged, err := repo.PurgeTerminal(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d rows, want 1", purged)
	}
	got, err := repo.Get(ctx, longDelay.ID)
	if err != nil || got == nil {
		t.Fatalf("recently executed task purged: got=%v err=%v", got, err)
	}
	got, err = repo.Get(ctx, oldCancelled.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("stale cancelled task must be purged")
	}
}

func newJob(status string, nextRun *time.Time) *domain.CronJob {
	return &domain.CronJob{
		ID:                     domain.NewID(),
		RuleID:                 "rule-cron",
		CronExpression:         "*/5 * * * *",
		Payload:                json.RawMessage(`{"actions":[{"type":"send_notification"}]}`),
		Status:                 status,
		NextRunAt:              nextRun,
		MaxConsecutiveFailures: 3,
		CreatedAt:              time.Now().UTC(),
		UpdatedAt:              time.Now().UTC(),
	}
}

func TestCronJobAcquireAndSuccess(t *testing.T) {
	db := openTestDB(t)
	repo := NewCronJobRepository(db, false)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	job := newJob(domain.CronStatusWaiting, &past)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	promoted, err := repo.ActivateWaiting(ctx, now)
	if err != nil {
		t.Fatalf("ActivateWaiting: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted %d jobs, want 1", promoted)
	}

	acquired, err := repo.AcquireDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("AcquireDueJobs: %v", err)
	}
	if len(acquired) != 1 || acquired[0].ID != job.ID {
		t.Fatalf("acquired %d jobs", len(acquired))
	}
	// A second scan must come up empty while the job is executing.
	again, err := repo.AcquireDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("second AcquireDueJobs: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("executing job re-acquired")
	}

	next := now.Add(5 * time.Minute)
	if err := repo.MarkSuccess(ctx, job.ID, next, now); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CronStatusWaiting {
		t.Fatalf("status = %q, want waiting", got.Status)
	}
	if got.ExecutionCount != 1 {
		t.Fatalf("execution count = %d, want 1", got.ExecutionCount)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, next)
	}
	if got.LastSuccessAt == nil {
		t.Fatal("last success not recorded")
	}
}

func TestCronJobFailurePauseAndResume(t *testing.T) {
	db := openTestDB(t)
	repo := NewCronJobRepository(db, false)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	job := newJob(domain.CronStatusActive, &past)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Transient failure keeps the schedule.
	acquired, err := repo.AcquireDueJobs(ctx, now)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("AcquireDueJobs: n=%d err=%v", len(acquired), err)
	}
	next := now.Add(5 * time.Minute)
	if err := repo.MarkFailure(ctx, job.ID, "timeout", next, now, false, ""); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CronStatusWaiting || got.ConsecutiveFailures != 1 {
		t.Fatalf("status=%q failures=%d", got.Status, got.ConsecutiveFailures)
	}
	if got.LastError != "timeout" {
		t.Fatalf("last error = %q", got.LastError)
	}

	// Final failure pauses the job off the schedule.
	if err := db.Model(&CronJobModel{}).Where("id = ?", job.ID).
		Update("status", domain.CronStatusExecuting).Error; err != nil {
		t.Fatalf("forcing executing: %v", err)
	}
	if err := repo.MarkFailure(ctx, job.ID, "timeout", next, now, true, "3 consecutive failures"); err != nil {
		t.Fatalf("MarkFailure pause: %v", err)
	}
	got, err = repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CronStatusPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	if got.PauseReason != "3 consecutive failures" {
		t.Fatalf("pause reason = %q", got.PauseReason)
	}

	ok, err := repo.Resume(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok {
		t.Fatal("resume of paused job rejected")
	}
	got, err = repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CronStatusActive || got.ConsecutiveFailures != 0 || got.PauseReason != "" {
		t.Fatalf("resume left status=%q failures=%d reason=%q",
			got.Status, got.ConsecutiveFailures, got.PauseReason)
	}

	// Resume is only valid from paused.
	ok, err = repo.Resume(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if ok {
		t.Fatal("active job resumed")
	}
}

func TestCronJobCancelRejectedWhileExecuting(t *testing.T) {
	db := openTestDB(t)
	repo := NewCronJobRepository(db, false)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	job := newJob(domain.CronStatusActive, &past)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.AcquireDueJobs(ctx, now); err != nil {
		t.Fatalf("AcquireDueJobs: %v", err)
	}

	ok, err := repo.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel executing: %v", err)
	}
	if ok {
		t.Fatal("executing job was cancelled")
	}

	if err := repo.MarkSuccess(ctx, job.ID, now.Add(5*time.Minute), now); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	ok, err = repo.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel waiting: %v", err)
	}
	if !ok {
		t.Fatal("waiting job not cancelled")
	}
	ok, err = repo.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel cancelled: %v", err)
	}
	if ok {
		t.Fatal("cancelled job cancelled again")
	}
}

func TestRunLogRecentOrdering(t *testing.T) {
	db := openTestDB(t)
	repo := NewRunLogRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		entry := &domain.RunLogEntry{
			ID:         domain.NewID(),
			EventID:    "evt-1",
			RuleID:     "rule-1",
			ActionType: "record.update",
			Result:     "success",
			RetryCount: i,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.AppendRun(ctx, entry); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	runs, err := repo.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RetryCount != 2 || runs[1].RetryCount != 1 {
		t.Fatalf("runs not newest-first: %d, %d", runs[0].RetryCount, runs[1].RetryCount)
	}

	dead := &domain.DeadLetterEntry{
		ID:         domain.NewID(),
		RuleID:     "rule-1",
		ActionType: "http.request",
		Error:      "retries exhausted",
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.AppendDeadLetter(ctx, dead); err != nil {
		t.Fatalf("AppendDeadLetter: %v", err)
	}
	letters, err := repo.RecentDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Error != "retries exhausted" {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestImportLegacyFlatFiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	delayFile := filepath.Join(dir, "delay_tasks.jsonl")
	delayLines := `{"RuleID":"rule-1","TriggerAt":"2026-09-01T10:00:00Z","Payload":{"a":1}}
not json at all
{"RuleID":"rule-2","TriggerAt":"2026-09-01T11:00:00Z","Payload":{"b":2},"Status":"completed"}
`
	if err := os.WriteFile(delayFile, []byte(delayLines), 0o600); err != nil {
		t.Fatalf("writing delay file: %v", err)
	}

	cronFile := filepath.Join(dir, "cron_jobs.jsonl")
	cronLines := `{"RuleID":"rule-3","CronExpression":"*/5 * * * *"}
`
	if err := os.WriteFile(cronFile, []byte(cronLines), 0o600); err != nil {
		t.Fatalf("writing cron file: %v", err)
	}

	snapFile := filepath.Join(dir, "snapshots.json")
	snapData := `{"tbl1:rec1":{"状态":"待办"},"malformed-key":{"状态":"完成"},"tbl1:rec2":{"状态":"进行中"}}`
	if err := os.WriteFile(snapFile, []byte(snapData), 0o600); err != nil {
		t.Fatalf("writing snapshot file: %v", err)
	}

	files := storage.LegacyFiles{
		DelayTasksFile: delayFile,
		CronJobsFile:   cronFile,
		SnapshotsFile:  snapFile,
	}
	if err := ImportLegacy(ctx, db, files, testLogger()); err != nil {
		t.Fatalf("ImportLegacy: %v", err)
	}

	var taskCount int64
	if err := db.Model(&DelayedTaskModel{}).Count(&taskCount).Error; err != nil {
		t.Fatalf("counting tasks: %v", err)
	}
	if taskCount != 2 {
		t.Fatalf("imported %d tasks, want 2 (bad line skipped)", taskCount)
	}
	var defaulted DelayedTaskModel
	if err := db.First(&defaulted, "rule_id = ?", "rule-1").Error; err != nil {
		t.Fatalf("loading imported task: %v", err)
	}
	if defaulted.Status != domain.DelayStatusScheduled {
		t.Fatalf("empty status not defaulted: %q", defaulted.Status)
	}

	var jobCount int64
	if err := db.Model(&CronJobModel{}).Count(&jobCount).Error; err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if jobCount != 1 {
		t.Fatalf("imported %d jobs, want 1", jobCount)
	}

	var snapCount int64
	if err := db.Model(&SnapshotModel{}).Count(&snapCount).Error; err != nil {
		t.Fatalf("counting snapshots: %v", err)
	}
	if snapCount != 2 {
		t.Fatalf("imported %d snapshots, want 2 (malformed key skipped)", snapCount)
	}

	// A second import against populated tables is a no-op.
	extra := `{"RuleID":"rule-9","TriggerAt":"2026-09-01T12:00:00Z"}
`
	if err := os.WriteFile(delayFile, []byte(delayLines+extra), 0o600); err != nil {
		t.Fatalf("appending delay file: %v", err)
	}
	if err := ImportLegacy(ctx, db, files, testLogger()); err != nil {
		t.Fatalf("second ImportLegacy: %v", err)
	}
	if err := db.Model(&DelayedTaskModel{}).Count(&taskCount).Error; err != nil {
		t.Fatalf("recounting tasks: %v", err)
	}
	if taskCount != 2 {
		t.Fatalf("re-import changed task count to %d", taskCount)
	}
}

func TestImportLegacyMissingFilesIgnored(t *testing.T) {
	db := openTestDB(t)
	files := storage.LegacyFiles{
		DelayTasksFile: "/nonexistent/delay.jsonl",
		CronJobsFile:   "/nonexistent/cron.jsonl",
		SnapshotsFile:  "/nonexistent/snap.json",
	}
	if err := ImportLegacy(context.Background(), db, files, testLogger()); err != nil {
		t.Fatalf("missing legacy files should be ignored: %v", err)
	}
}
