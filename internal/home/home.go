package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the sift home directory.
	DefaultDirName = ".sift"

	// PromptsDirName holds prompt template overrides.
	PromptsDirName = "prompts"

	// TracesDirName holds LLM call traces written by the server.
	TracesDirName = "traces"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the sift home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.sift).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// PromptsPath returns the prompt override directory.
func (d *Dir) PromptsPath() string {
	return filepath.Join(d.path, PromptsDirName)
}

// TracesPath returns the trace directory.
func (d *Dir) TracesPath() string {
	return filepath.Join(d.path, TracesDirName)
}

// TracePath returns the JSONL trace file for a server session.
func (d *Dir) TracePath(sessionID string) string {
	return filepath.Join(d.TracesPath(), fmt.Sprintf("llm_calls-%s.jsonl", sessionID))
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.PromptsPath(), d.TracesPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
