package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-sift")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-sift" {
			t.Errorf("expected path /tmp/test-sift, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-sift")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"PromptsPath", dir.PromptsPath(), "/tmp/test-sift/prompts"},
		{"TracesPath", dir.TracesPath(), "/tmp/test-sift/traces"},
		{"TracePath", dir.TracePath("abc"), "/tmp/test-sift/traces/llm_calls-abc.jsonl"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-sift/config.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	siftDir := filepath.Join(t.TempDir(), "sift-test")

	dir, err := New(siftDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}

	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}

	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}
	for _, p := range []string{dir.PromptsPath(), dir.TracesPath()} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Errorf("%s should exist after EnsureExists", p)
		}
	}
}

func TestDir_ConfigExists(t *testing.T) {
	dir, _ := New(t.TempDir())

	if dir.ConfigExists() {
		t.Error("config should not exist initially")
	}

	if err := os.WriteFile(dir.ConfigPath(), []byte("run:\n  runs: 1\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	if !dir.ConfigExists() {
		t.Error("config should exist after creation")
	}
}
