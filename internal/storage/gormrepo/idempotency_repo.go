package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/storage"
)

// IdempotencyRepository implements the automation.IdempotencyStore.
// Every access sweeps rows past their bucket TTL and evicts the oldest
// rows beyond the key cap, so the table is self-maintaining.
type IdempotencyRepository struct {
	db     *gorm.DB
	policy storage.IdempotencyPolicy
}

// NewIdempotencyRepository creates an IdempotencyRepository.
func NewIdempotencyRepository(db *gorm.DB, policy storage.IdempotencyPolicy) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, policy: policy}
}

// IsDuplicate reports whether the key was marked within the bucket TTL.
func (r *IdempotencyRepository) IsDuplicate(ctx context.Context, bucket, key string) (bool, error) {
	if err := r.maintain(ctx, bucket); err != nil {
		return false, err
	}

	var model IdempotencyKeyModel
	err := r.db.WithContext(ctx).
		First(&model, "bucket = ? AND key = ?", bucket, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return true, nil
}

// Mark upserts the key; re-marking refreshes the timestamp.
func (r *IdempotencyRepository) Mark(ctx context.Context, bucket, key string) error {
	model := IdempotencyKeyModel{
		Bucket:    bucket,
		Key:       key,
		Timestamp: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"timestamp"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("marking idempotency key: %w", err)
	}
	return nil
}

// maintain sweeps expired rows and LRU-evicts by timestamp beyond the cap.
func (r *IdempotencyRepository) maintain(ctx context.Context, bucket string) error {
	ttl := r.policy.TTLFor(bucket)
	if ttl > 0 {
		cutoff := time.Now().UTC().Add(-ttl)
		if err := r.db.WithContext(ctx).
			Where("bucket = ? AND timestamp < ?", bucket, cutoff).
			Delete(&IdempotencyKeyModel{}).Error; err != nil {
			return fmt.Errorf("sweeping idempotency bucket %s: %w", bucket, err)
		}
	}

	keyCap := r.policy.MaxKeys
	if keyCap <= 0 {
		return nil
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&IdempotencyKeyModel{}).
		Where("bucket = ?", bucket).
		Count(&count).Error; err != nil {
		return fmt.Errorf("counting idempotency bucket %s: %w", bucket, err)
	}
	if count <= int64(keyCap) {
		return nil
	}

	// Evict oldest first until the bucket fits the cap again.
	var victims []IdempotencyKeyModel
	if err := r.db.WithContext(ctx).
		Where("bucket = ?", bucket).
		Order("timestamp ASC").
		Limit(int(count - int64(keyCap))).
		Find(&victims).Error; err != nil {
		return fmt.Errorf("selecting eviction victims: %w", err)
	}
	keys := make([]string, len(victims))
	for i := range victims {
		keys[i] = victims[i].Key
	}
	if err := r.db.WithContext(ctx).
		Where("bucket = ? AND key IN ?", bucket, keys).
		Delete(&IdempotencyKeyModel{}).Error; err != nil {
		return fmt.Errorf("evicting idempotency keys: %w", err)
	}
	return nil
}
