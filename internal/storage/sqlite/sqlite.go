// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - Guarded UPDATEs alone carry the acquisition CAS (no SKIP LOCKED)
//   - JSON columns use TEXT type (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/snapshot"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/storage/gormrepo"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.

	Idempotency storage.IdempotencyPolicy
	Legacy      storage.LegacyFiles
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
	cfg    Config

	// Sub-store instances (created lazily on first access).
	mu           sync.Mutex
	idempotency  automation.IdempotencyStore
	snapshots    snapshot.Store
	delayedTasks scheduler.DelayTaskStore
	cronJobs     scheduler.CronJobStore
	runLog       storage.RunLogStore
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
		cfg:    cfg,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate and then the one-time legacy flat-file
// import. Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.AutoMigrate(gormrepo.Models()...); err != nil {
		return err
	}
	return gormrepo.ImportLegacy(ctx, s.db, s.cfg.Legacy, s.logger)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Sub-store accessors ---
// All sub-stores reuse the shared gormrepo repositories. GORM's SQLite
// dialect handles the SQL differences transparently.

func (s *Store) Idempotency() automation.IdempotencyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idempotency == nil {
		s.idempotency = gormrepo.NewIdempotencyRepository(s.db, s.cfg.Idempotency)
	}
	return s.idempotency
}

func (s *Store) Snapshots() snapshot.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		s.snapshots = gormrepo.NewSnapshotRepository(s.db)
	}
	return s.snapshots
}

func (s *Store) DelayedTasks() scheduler.DelayTaskStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayedTasks == nil {
		s.delayedTasks = gormrepo.NewDelayTaskRepository(s.db)
	}
	return s.delayedTasks
}

func (s *Store) CronJobs() scheduler.CronJobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronJobs == nil {
		s.cronJobs = gormrepo.NewCronJobRepository(s.db, false)
	}
	return s.cronJobs
}

func (s *Store) RunLog() storage.RunLogStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runLog == nil {
		s.runLog = gormrepo.NewRunLogRepository(s.db)
	}
	return s.runLog
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
