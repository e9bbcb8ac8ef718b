// Package postgres implements the unified Store interface using PostgreSQL
// via GORM. Preferred for multi-instance deployments: the due-job scan uses
// SELECT ... FOR UPDATE SKIP LOCKED on top of the shared CAS transitions.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/snapshot"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/storage/gormrepo"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m

	Idempotency storage.IdempotencyPolicy
	Legacy      storage.LegacyFiles
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	cfg    Config

	mu           sync.Mutex
	idempotency  automation.IdempotencyStore
	snapshots    snapshot.Store
	delayedTasks scheduler.DelayTaskStore
	cronJobs     scheduler.CronJobStore
	runLog       storage.RunLogStore
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &Store{db: db, logger: slogger, cfg: cfg}, nil
}

// Migrate runs GORM AutoMigrate and the one-time legacy flat-file import.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.AutoMigrate(gormrepo.Models()...); err != nil {
		return err
	}
	return gormrepo.ImportLegacy(ctx, s.db, s.cfg.Legacy, s.logger)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
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
		s.cronJobs = gormrepo.NewCronJobRepository(s.db, true)
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
