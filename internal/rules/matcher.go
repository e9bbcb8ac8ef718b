package rules

import (
	"github.com/jkaninda/kazi/internal/snapshot"
)

// Match evaluates a rule's trigger against a record change.
//
// Precedence: any_field_changed (minus exclude_fields) short-circuits and
// ignores both field and condition. Otherwise the trigger must name a
// field; the field's (old, new) pair is drawn from the diff when the field
// changed, else from the raw maps so not-yet-changed fields can still be
// inspected. All present condition keys must pass; absent keys are not
// checked.
func Match(rule Rule, old, new map[string]any, diff snapshot.Diff) bool {
	trig := rule.Trigger

	if trig.AnyFieldChanged {
		excluded := make(map[string]bool, len(trig.ExcludeFields))
		for _, f := range trig.ExcludeFields {
			excluded[f] = true
		}
		for f := range diff.Changed {
			if !excluded[f] {
				return true
			}
		}
		return false
	}

	if trig.Field == "" {
		return false
	}

	changed := diff.FieldChanged(trig.Field)
	var oldVal, newVal any
	if changed {
		fc := diff.Changed[trig.Field]
		oldVal, newVal = fc.Old, fc.New
	} else {
		oldVal = old[trig.Field]
		newVal = new[trig.Field]
	}

	cond := trig.Condition

	if cond.Changed != nil && *cond.Changed != changed {
		return false
	}
	if cond.Equals != nil && !snapshot.Equal(newVal, cond.Equals) {
		return false
	}
	if len(cond.In) > 0 && !valueIn(newVal, cond.In) {
		return false
	}
	if cond.OldNotEqualsNew && snapshot.Equal(oldVal, newVal) {
		return false
	}
	return true
}

// valueIn reports whether v (or, when v is a list, any of its elements)
// structurally equals one of the candidates.
func valueIn(v any, candidates []any) bool {
	values := []any{v}
	if list, ok := v.([]any); ok {
		values = list
	}
	for _, val := range values {
		for _, c := range candidates {
			if snapshot.Equal(val, c) {
				return true
			}
		}
	}
	return false
}
