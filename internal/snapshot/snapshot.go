// Package snapshot turns "current record state" into "what changed".
// The remote datastore's change webhook carries only the current field
// values, not a delta, so change detection works by diffing each event's
// fields against the last persisted snapshot of the same record.
package snapshot

import (
	"context"
	"sort"
)

// Store provides snapshot persistence. One row per (table_id, record_id).
type Store interface {
	// Load returns the stored fields for a record, or nil when no snapshot
	// exists yet. Missing rows are not an error.
	Load(ctx context.Context, tableID, recordID string) (map[string]any, error)
	// Save overwrites the snapshot for a record.
	Save(ctx context.Context, tableID, recordID string, fields map[string]any) error
	// InitFullSnapshot replaces every snapshot of a table with the given
	// records and returns the number stored. Used for first-run baselining.
	InitFullSnapshot(ctx context.Context, tableID string, records []Record) (int, error)
}

// Record is one record in a bulk baselining call.
type Record struct {
	RecordID string
	Fields   map[string]any
}

// FieldChange is the before/after pair for a single changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is the result of comparing two field maps. Computed, never stored.
type Diff struct {
	HasChanges  bool                   `json:"has_changes"`
	Changed     map[string]FieldChange `json:"changed,omitempty"`
	AddedKeys   []string               `json:"added_keys,omitempty"`
	RemovedKeys []string               `json:"removed_keys,omitempty"`
}

// ChangedFields returns the sorted names of fields whose value changed,
// including added and removed keys.
func (d Diff) ChangedFields() []string {
	keys := make([]string, 0, len(d.Changed))
	for k := range d.Changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FieldChanged reports whether the named field appears in the diff.
func (d Diff) FieldChanged(field string) bool {
	_, ok := d.Changed[field]
	return ok
}

// Compute diffs two field maps. Both sides are deep-normalized before
// comparison so structurally-equal-but-differently-ordered values never
// register as changed. A nil old map means every key in new is added.
func Compute(old, new map[string]any) Diff {
	d := Diff{Changed: make(map[string]FieldChange)}

	for k, nv := range new {
		ov, ok := old[k]
		if !ok {
			d.AddedKeys = append(d.AddedKeys, k)
			d.Changed[k] = FieldChange{Old: nil, New: nv}
			continue
		}
		if !Equal(ov, nv) {
			d.Changed[k] = FieldChange{Old: ov, New: nv}
		}
	}
	for k, ov := range old {
		if _, ok := new[k]; !ok {
			d.RemovedKeys = append(d.RemovedKeys, k)
			d.Changed[k] = FieldChange{Old: ov, New: nil}
		}
	}

	sort.Strings(d.AddedKeys)
	sort.Strings(d.RemovedKeys)
	d.HasChanges = len(d.Changed) > 0
	return d
}
