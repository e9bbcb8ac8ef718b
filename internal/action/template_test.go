package action

import (
	"reflect"
	"testing"
)

func TestRenderSubstitutesKnownPlaceholders(t *testing.T) {
	vars := map[string]string{"record_id": "rec1", "状态": "已完成"}
	got := Render("record {record_id} moved to {状态}", vars)
	if got != "record rec1 moved to 已完成" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderLeavesUnknownPlaceholdersLiteral(t *testing.T) {
	got := Render("hello {missing} and {record_id}", map[string]string{"record_id": "rec1"})
	if got != "hello {missing} and rec1" {
		t.Fatalf("unknown placeholders must stay literal, got %q", got)
	}
}

func TestRenderValueRecurses(t *testing.T) {
	vars := map[string]string{"name": "Ada"}
	in := map[string]any{
		"greeting": "hi {name}",
		"nested":   map[string]any{"also": "{name}!"},
		"list":     []any{"{name}", 42.0},
		"number":   7.0,
	}
	got := RenderValue(in, vars)
	want := map[string]any{
		"greeting": "hi Ada",
		"nested":   map[string]any{"also": "Ada!"},
		"list":     []any{"Ada", 42.0},
		"number":   7.0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected rendered value:\n got %#v\nwant %#v", got, want)
	}
}

func TestContextVars(t *testing.T) {
	actx := &Context{
		AppToken: "app1",
		TableID:  "tbl1",
		RecordID: "rec1",
		Fields: map[string]any{
			"标题": "报价单",
			"金额": 1280.5,
			"完成": true,
			"负责人": map[string]any{"id": "u1"},
		},
	}
	vars := actx.Vars()
	if vars["table_id"] != "tbl1" || vars["record_id"] != "rec1" || vars["app_token"] != "app1" {
		t.Fatalf("locator triplet missing from vars: %v", vars)
	}
	if vars["标题"] != "报价单" {
		t.Fatalf("string field: %q", vars["标题"])
	}
	if vars["金额"] != "1280.5" {
		t.Fatalf("numeric field: %q", vars["金额"])
	}
	if vars["完成"] != "true" {
		t.Fatalf("bool field: %q", vars["完成"])
	}
	if vars["负责人"] != `{"id":"u1"}` {
		t.Fatalf("composite field should be JSON, got %q", vars["负责人"])
	}
}
