package gormrepo

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/storage"
)

// ImportLegacy migrates flat-file state from earlier deployments into the
// relational store. Each collection is imported only when its table is
// still empty, so the import is a one-time operation; re-running Migrate
// against populated tables never re-imports.
func ImportLegacy(ctx context.Context, db *gorm.DB, files storage.LegacyFiles, logger *slog.Logger) error {
	if files.DelayTasksFile != "" {
		if err := importDelayTasks(ctx, db, files.DelayTasksFile, logger); err != nil {
			return err
		}
	}
	if files.CronJobsFile != "" {
		if err := importCronJobs(ctx, db, files.CronJobsFile, logger); err != nil {
			return err
		}
	}
	if files.SnapshotsFile != "" {
		if err := importSnapshots(ctx, db, files.SnapshotsFile, logger); err != nil {
			return err
		}
	}
	return nil
}

func tableEmpty(ctx context.Context, db *gorm.DB, model any) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

func importDelayTasks(ctx context.Context, db *gorm.DB, path string, logger *slog.Logger) error {
	empty, err := tableEmpty(ctx, db, &DelayedTaskModel{})
	if err != nil {
		return fmt.Errorf("checking delayed_tasks: %w", err)
	}
	if !empty {
		return nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening legacy delay tasks %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var task domain.DelayedTask
		if err := json.Unmarshal([]byte(line), &task); err != nil {
			logger.Warn("skipping unreadable legacy delay task",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if task.ID == uuid.Nil {
			task.ID = domain.NewID()
		}
		if task.Status == "" {
			task.Status = domain.DelayStatusScheduled
		}
		model := toDelayedTaskModel(&task)
		if err := db.WithContext(ctx).Create(&model).Error; err != nil {
			return fmt.Errorf("importing legacy delay task: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading legacy delay tasks %s: %w", path, err)
	}
	if n > 0 {
		logger.Info("imported legacy delay tasks", slog.String("file", path), slog.Int("count", n))
	}
	return nil
}

func importCronJobs(ctx context.Context, db *gorm.DB, path string, logger *slog.Logger) error {
	empty, err := tableEmpty(ctx, db, &CronJobModel{})
	if err != nil {
		return fmt.Errorf("checking cron_jobs: %w", err)
	}
	if !empty {
		return nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening legacy cron jobs %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var job domain.CronJob
		if err := json.Unmarshal([]byte(line), &job); err != nil {
			logger.Warn("skipping unreadable legacy cron job",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if job.ID == uuid.Nil {
			job.ID = domain.NewID()
		}
		if job.Status == "" {
			job.Status = domain.CronStatusWaiting
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		model := toCronJobModel(&job)
		if err := db.WithContext(ctx).Create(&model).Error; err != nil {
			return fmt.Errorf("importing legacy cron job: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading legacy cron jobs %s: %w", path, err)
	}
	if n > 0 {
		logger.Info("imported legacy cron jobs", slog.String("file", path), slog.Int("count", n))
	}
	return nil
}

func importSnapshots(ctx context.Context, db *gorm.DB, path string, logger *slog.Logger) error {
	empty, err := tableEmpty(ctx, db, &SnapshotModel{})
	if err != nil {
		return fmt.Errorf("checking snapshots: %w", err)
	}
	if !empty {
		return nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening legacy snapshots %s: %w", path, err)
	}

	// Keyed by "table_id:record_id".
	var entries map[string]map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing legacy snapshots %s: %w", path, err)
	}

	now := time.Now().UTC()
	n := 0
	for key, fields := range entries {
		tableID, recordID, ok := strings.Cut(key, ":")
		if !ok || tableID == "" || recordID == "" {
			logger.Warn("skipping legacy snapshot with malformed key",
				slog.String("file", path),
				slog.String("key", key),
			)
			continue
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encoding legacy snapshot %s: %w", key, err)
		}
		model := SnapshotModel{
			TableID:   tableID,
			RecordID:  recordID,
			Fields:    string(encoded),
			UpdatedAt: now,
		}
		if err := db.WithContext(ctx).Create(&model).Error; err != nil {
			return fmt.Errorf("importing legacy snapshot %s: %w", key, err)
		}
		n++
	}
	if n > 0 {
		logger.Info("imported legacy snapshots", slog.String("file", path), slog.Int("count", n))
	}
	return nil
}
