package output

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/sift/internal/schema"
)

func personSpec(t *testing.T) *schema.Spec {
	t.Helper()
	d := schema.NewDescriptor().
		Set("name", schema.FieldDescriptor{Type: "str"}).
		Set("age", schema.FieldDescriptor{Type: "int", Optional: true}).
		Set("role", schema.FieldDescriptor{Type: "enum", Literals: []any{"admin", "user"}})
	spec, err := schema.Compile("Person", d)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return spec
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	rows := []schema.Object{
		{{Key: "text", Value: "a"}, {Key: "name", Value: "Ann"}},
		{{Key: "text", Value: "b"}, {Key: "name", Value: "Bob"}},
	}

	if err := WriteJSON(context.Background(), path, rows); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "\n        \"text\": \"a\",") {
		t.Errorf("expected four-space indentation, got:\n%s", data)
	}

	got, err := ReadRows(path)
	if err != nil {
		t.Fatalf("ReadRows() error = %v", err)
	}
	if len(got) != 2 || got[1][0].Key != "text" || got[1][1].Value != "Bob" {
		t.Errorf("unexpected rows: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestWriteJSONOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	ctx := context.Background()
	if err := WriteJSON(ctx, path, []int{1, 2, 3}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteJSON(ctx, path, []int{4}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	var got []int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(got) != 1 || got[0] != 4 {
		t.Errorf("got %v, want [4]", got)
	}
}

func TestWriteJSONCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The target's parent is a regular file, so every attempt fails.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(ctx, filepath.Join(blocker, "out.json"), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestVerify(t *testing.T) {
	spec := personSpec(t)
	path := filepath.Join(t.TempDir(), "predictions.json")
	content := `[
  {"text": "a", "name": "Ann", "age": 30, "role": "admin", "status": "success", "retry_count": 0},
  {"text": "b", "name": "Bob", "age": null, "role": "user", "status": "repaired", "retry_count": 1},
  {"text": "c", "name": "Cy", "role": "guest", "status": "failed", "retry_count": 3},
  {"text": "d", "age": 2.5, "role": "user", "status": "failed", "retry_count": 3}
]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := Verify(spec, path)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if report.Rows != 4 {
		t.Errorf("Rows = %d", report.Rows)
	}
	if report.OK() {
		t.Fatal("expected failures")
	}
	if len(report.Failures) != 2 || report.Failures[0].Row != 2 || report.Failures[1].Row != 3 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	if !strings.Contains(report.Failures[0].Message, "/role") {
		t.Errorf("failure should name the property: %s", report.Failures[0].Message)
	}
	if report.Statuses["failed"] != 2 || report.Statuses["success"] != 1 || report.Statuses["repaired"] != 1 {
		t.Errorf("unexpected statuses: %v", report.Statuses)
	}
}

func TestVerifyErrors(t *testing.T) {
	spec := personSpec(t)
	if _, err := Verify(spec, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(spec, path); err == nil {
		t.Error("expected error for non-array file")
	}
}

func TestRowStatus(t *testing.T) {
	row := schema.Object{{Key: "status", Value: "repaired"}, {Key: "retry_count", Value: 2}}
	status, retries := RowStatus(row)
	if status != "repaired" || retries != 2 {
		t.Errorf("RowStatus() = %s, %d", status, retries)
	}
	status, retries = RowStatus(schema.Object{})
	if status != "" || retries != 0 {
		t.Errorf("RowStatus(empty) = %s, %d", status, retries)
	}
}
