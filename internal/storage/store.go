// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (multi-instance deployments).
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/snapshot"
)

// Store is the unified persistence interface for Kazi.
// It provides access to all domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors — each returns a domain-specific store interface.
	// The returned stores share the same underlying connection.
	Idempotency() automation.IdempotencyStore
	Snapshots() snapshot.Store
	DelayedTasks() scheduler.DelayTaskStore
	CronJobs() scheduler.CronJobStore
	RunLog() RunLogStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunLogStore extends the engine's append-only view with the listing
// operations the management surface serves.
type RunLogStore interface {
	automation.RunLogStore
	RecentRuns(ctx context.Context, limit int) ([]domain.RunLogEntry, error)
	RecentDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
}

// IdempotencyPolicy carries the TTL and cap settings the idempotency store
// enforces on every access.
type IdempotencyPolicy struct {
	EventTTL    time.Duration
	BusinessTTL time.Duration
	MaxKeys     int
}

// TTLFor returns the sweep TTL for a bucket; unknown buckets get the
// shorter event TTL.
func (p IdempotencyPolicy) TTLFor(bucket string) time.Duration {
	if bucket == "business" {
		return p.BusinessTTL
	}
	return p.EventTTL
}

// LegacyFiles locates flat-file stores from earlier deployments, imported
// once during Migrate when the relational tables are still empty.
type LegacyFiles struct {
	DelayTasksFile string // JSONL, one task per line.
	CronJobsFile   string // JSONL, one job per line.
	SnapshotsFile  string // JSON map keyed by "table_id:record_id".
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
