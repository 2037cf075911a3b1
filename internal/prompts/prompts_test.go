package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"no placeholders", nil},
		{"Task: {task}\n{input}", []string{"input", "task"}},
		{"{input} and {input} again", []string{"input"}},
		{`{"a": 1} {format_instructions}`, []string{"format_instructions"}},
		{"{Upper} {with space}", nil},
	}
	for _, tt := range tests {
		got := ExtractVariables(tt.text)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ExtractVariables(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestRender(t *testing.T) {
	got := Render("Task: {task}\n{format_instructions}\n{unknown}", map[string]string{
		"task":                "classify",
		"format_instructions": `{"type": "object", "x": "{task}"}`,
	})
	want := "Task: classify\n{\"type\": \"object\", \"x\": \"{task}\"}\n{unknown}"
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}

	if got := Render("{input}", nil); got != "{input}" {
		t.Fatalf("Render(nil vars) = %q", got)
	}
}

func TestHashText(t *testing.T) {
	if HashText("a") == HashText("b") {
		t.Fatal("different texts hashed equal")
	}
	if len(HashText("a")) != 64 {
		t.Fatalf("hash length = %d, want 64", len(HashText("a")))
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if o, err := s.Get("extraction.system"); err != nil || o != nil {
		t.Fatalf("Get() on empty dir = %v, %v", o, err)
	}
	if _, err := s.Get("../etc/passwd"); err == nil {
		t.Fatal("expected invalid key error")
	}

	if err := s.Set("extraction.system", "custom {task}"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := s.Get("extraction.system")
	if err != nil || o == nil || o.Text != "custom {task}" {
		t.Fatalf("Get() = %+v, %v", o, err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].Key != "extraction.system" {
		t.Fatalf("List() = %+v", list)
	}

	if err := s.Clear("extraction.system"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear("extraction.system"); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}

	var empty *Store
	if o, err := empty.Get("a.b"); o != nil || err != nil {
		t.Fatalf("nil store Get() = %v, %v", o, err)
	}
}

func TestResolver(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(NewStore(dir), nil)
	r.Register(EmbeddedPrompt{Key: "x.system", Text: "default {input}"})

	p, err := r.Resolve("x.system")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.IsOverride || p.Text != "default {input}" {
		t.Fatalf("Resolve() = %+v, want embedded default", p)
	}
	if diff := cmp.Diff([]string{"input"}, p.Variables); diff != "" {
		t.Fatalf("Variables mismatch (-want +got):\n%s", diff)
	}
	defaultHash := p.Hash

	if err := NewStore(dir).Set("x.system", "override"); err != nil {
		t.Fatal(err)
	}
	p, err = r.Resolve("x.system")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !p.IsOverride || p.Text != "override" || p.Hash == defaultHash {
		t.Fatalf("Resolve() = %+v, want override", p)
	}

	if _, err := r.Resolve("missing.key"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if got := r.AllEmbedded(); len(got) != 1 {
		t.Fatalf("AllEmbedded() = %d entries", len(got))
	}
}
