package gormrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/snapshot"
)

// SnapshotRepository implements snapshot.Store on a relational table.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Load returns the stored fields of one record, nil when absent.
func (r *SnapshotRepository) Load(ctx context.Context, tableID, recordID string) (map[string]any, error) {
	var model SnapshotModel
	err := r.db.WithContext(ctx).
		First(&model, "table_id = ? AND record_id = ?", tableID, recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s/%s: %w", tableID, recordID, err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(model.Fields), &fields); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s/%s: %w", tableID, recordID, err)
	}
	return fields, nil
}

// Save upserts the snapshot of one record.
func (r *SnapshotRepository) Save(ctx context.Context, tableID, recordID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s/%s: %w", tableID, recordID, err)
	}
	model := SnapshotModel{
		TableID:   tableID,
		RecordID:  recordID,
		Fields:    string(raw),
		UpdatedAt: time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "table_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving snapshot %s/%s: %w", tableID, recordID, err)
	}
	return nil
}

// InitFullSnapshot replaces every snapshot of a table in one transaction.
func (r *SnapshotRepository) InitFullSnapshot(ctx context.Context, tableID string, records []snapshot.Record) (int, error) {
	now := time.Now().UTC()
	models := make([]SnapshotModel, 0, len(records))
	for i := range records {
		raw, err := json.Marshal(records[i].Fields)
		if err != nil {
			return 0, fmt.Errorf("encoding snapshot %s/%s: %w", tableID, records[i].RecordID, err)
		}
		models = append(models, SnapshotModel{
			TableID:   tableID,
			RecordID:  records[i].RecordID,
			Fields:    string(raw),
			UpdatedAt: now,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("table_id = ?", tableID).Delete(&SnapshotModel{}).Error; err != nil {
			return fmt.Errorf("clearing snapshots for table %s: %w", tableID, err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(models, 200).Error; err != nil {
			return fmt.Errorf("inserting snapshots for table %s: %w", tableID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(models), nil
}
