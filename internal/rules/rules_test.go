package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `
rules:
  - rule_id: r-notify
    table_id: tbl1
    enabled: true
    priority: 10
    trigger:
      field: "状态"
      condition:
        equals: "已完成"
    actions:
      - type: log.write
        level: info
        message: "record {record_id} done"
  - rule_id: r-disabled
    table_id: tbl1
    enabled: false
    priority: 100
    trigger:
      any_field_changed: true
  - rule_id: r-other-table
    table_id: tbl2
    enabled: true
    priority: 5
    trigger:
      any_field_changed: true
  - rule_id: a-low
    table_id: tbl1
    enabled: true
    priority: 10
    trigger:
      any_field_changed: true
  - rule_id: z-high
    table_id: tbl1
    enabled: true
    priority: 50
    trigger:
      any_field_changed: true
`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing rule document: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadEnabledFiltersAndSorts(t *testing.T) {
	store := NewStore(writeDoc(t, sampleDoc), testLogger())

	got, err := store.LoadEnabled("tbl1")
	if err != nil {
		t.Fatalf("LoadEnabled: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 enabled tbl1 rules, got %d", len(got))
	}
	// Priority descending, ties by rule_id ascending.
	want := []string{"z-high", "a-low", "r-notify"}
	for i, id := range want {
		if got[i].RuleID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].RuleID)
		}
	}
}

func TestLoadEnabledHotReload(t *testing.T) {
	path := writeDoc(t, sampleDoc)
	store := NewStore(path, testLogger())

	if _, err := store.LoadEnabled("tbl1"); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	edited := `
rules:
  - rule_id: r-new
    table_id: tbl1
    enabled: true
    priority: 1
    trigger:
      any_field_changed: true
`
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatalf("editing rule document: %v", err)
	}

	got, err := store.LoadEnabled("tbl1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got) != 1 || got[0].RuleID != "r-new" {
		t.Fatalf("expected edited document on next pass, got %+v", got)
	}
}

func TestLoadEnabledKeepsLastGoodOnParseError(t *testing.T) {
	path := writeDoc(t, sampleDoc)
	store := NewStore(path, testLogger())

	if _, err := store.LoadEnabled("tbl1"); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := os.WriteFile(path, []byte("rules: [broken"), 0o600); err != nil {
		t.Fatalf("corrupting rule document: %v", err)
	}

	got, err := store.LoadEnabled("tbl1")
	if err != nil {
		t.Fatalf("expected last good set, got error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected last good rule set to survive, got %d rules", len(got))
	}
}

func TestLoadEnabledErrorsWithoutLastGood(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	if _, err := store.LoadEnabled("tbl1"); err == nil {
		t.Fatal("expected error when no document and no last good set")
	}
}

func TestActionSpecDelayNesting(t *testing.T) {
	store := NewStore(writeDoc(t, `
rules:
  - rule_id: r-delay
    table_id: tbl1
    enabled: true
    priority: 1
    trigger:
      any_field_changed: true
    actions:
      - type: delay
        delay_seconds: 300
        then:
          type: record.update
          fields:
            "状态": "已提醒"
`), testLogger())

	got, err := store.LoadEnabled("tbl1")
	if err != nil {
		t.Fatalf("LoadEnabled: %v", err)
	}
	if len(got) != 1 || len(got[0].Actions) != 1 {
		t.Fatalf("unexpected rules: %+v", got)
	}
	a := got[0].Actions[0]
	if a.Type != ActionDelay || a.DelaySeconds != 300 {
		t.Fatalf("unexpected delay spec: %+v", a)
	}
	if a.Then == nil || a.Then.Type != ActionRecordUpdate || a.Then.Fields["状态"] != "已提醒" {
		t.Fatalf("unexpected nested then spec: %+v", a.Then)
	}
}
