// Package rules loads user-authored automation rule definitions and
// evaluates their trigger predicates against record diffs.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Action type identifiers.
const (
	ActionLogWrite       = "log.write"
	ActionRecordUpdate   = "record.update"
	ActionCalendarCreate = "calendar.create"
	ActionHTTPRequest    = "http.request"
	ActionDelay          = "delay"
)

// Rule is one user-authored automation rule. Immutable at evaluation time.
type Rule struct {
	RuleID       string       `yaml:"rule_id" json:"rule_id"`
	TableID      string       `yaml:"table_id" json:"table_id"`
	Enabled      bool         `yaml:"enabled" json:"enabled"`
	Priority     int          `yaml:"priority" json:"priority"`
	Trigger      Trigger      `yaml:"trigger" json:"trigger"`
	Actions      []ActionSpec `yaml:"actions" json:"actions"`
	NotifyChatID string       `yaml:"notify_chat_id,omitempty" json:"notify_chat_id,omitempty"`
}

// Trigger selects which diffs a rule reacts to.
// AnyFieldChanged short-circuits Field and Condition entirely.
type Trigger struct {
	Field           string    `yaml:"field,omitempty" json:"field,omitempty"`
	AnyFieldChanged bool      `yaml:"any_field_changed,omitempty" json:"any_field_changed,omitempty"`
	ExcludeFields   []string  `yaml:"exclude_fields,omitempty" json:"exclude_fields,omitempty"`
	Condition       Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Condition is a conjunction of checks on one field's (old, new) pair.
// Absent keys are not checked.
type Condition struct {
	Changed         *bool `yaml:"changed,omitempty" json:"changed,omitempty"`
	Equals          any   `yaml:"equals,omitempty" json:"equals,omitempty"`
	In              []any `yaml:"in,omitempty" json:"in,omitempty"`
	OldNotEqualsNew bool  `yaml:"old_not_equals_new,omitempty" json:"old_not_equals_new,omitempty"`
}

// ActionSpec is a tagged action variant. Type selects which of the
// per-type field groups is meaningful. Only delay is schedulable; every
// other type executes synchronously inside the action executor.
type ActionSpec struct {
	Type string `yaml:"type" json:"type"`

	// log.write
	Level   string `yaml:"level,omitempty" json:"level,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// record.update — field name to value template.
	Fields map[string]any `yaml:"fields,omitempty" json:"fields,omitempty"`

	// calendar.create
	CalendarID      string `yaml:"calendar_id,omitempty" json:"calendar_id,omitempty"`
	Summary         string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Start           string `yaml:"start,omitempty" json:"start,omitempty"`
	StartField      string `yaml:"start_field,omitempty" json:"start_field,omitempty"`
	End             string `yaml:"end,omitempty" json:"end,omitempty"`
	DurationSeconds int    `yaml:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	RRule           string `yaml:"rrule,omitempty" json:"rrule,omitempty"`

	// http.request
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`

	// delay
	DelaySeconds int         `yaml:"delay_seconds,omitempty" json:"delay_seconds,omitempty"`
	Then         *ActionSpec `yaml:"then,omitempty" json:"then,omitempty"`
}

// document is the on-disk rule configuration shape.
type document struct {
	Rules []Rule `yaml:"rules"`
}

// Store loads rule definitions from a YAML document. The file is re-read
// on every evaluation pass so rule edits take effect without a restart;
// a document that fails to parse keeps the last good rule set.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	lastGood []Rule
}

// NewStore creates a rule store reading from the given YAML path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// LoadEnabled returns the enabled rules for a table, sorted by priority
// descending with ties broken by rule_id ascending.
func (s *Store) LoadEnabled(tableID string) ([]Rule, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	var out []Rule
	for _, r := range all {
		if r.Enabled && r.TableID == tableID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

func (s *Store) loadAll() ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if s.lastGood != nil {
			s.logger.Warn("rule document unreadable, serving last good set",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
			return s.lastGood, nil
		}
		return nil, fmt.Errorf("reading rule document %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		if s.lastGood != nil {
			s.logger.Warn("rule document failed to parse, serving last good set",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
			return s.lastGood, nil
		}
		return nil, fmt.Errorf("parsing rule document %s: %w", s.path, err)
	}

	s.lastGood = doc.Rules
	return doc.Rules, nil
}
