package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// validKeyPattern matches valid prompt keys (alphanumeric with dots, underscores).
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._]*$`)

const overrideExt = ".tmpl"

// Store reads prompt overrides from a directory of <key>.tmpl files.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. An empty dir yields a store with
// no overrides.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the override directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the override for key, or nil when none exists.
func (s *Store) Get(key string) (*Override, error) {
	if !validKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("invalid prompt key: %s", key)
	}
	if s == nil || s.dir == "" {
		return nil, nil
	}

	path := filepath.Join(s.dir, key+overrideExt)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt override %s: %w", path, err)
	}
	return &Override{Key: key, Text: string(data), Path: path}, nil
}

// List returns every override in the directory, sorted by key.
func (s *Store) List() ([]Override, error) {
	if s == nil || s.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt overrides: %w", err)
	}

	var out []Override
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), overrideExt) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), overrideExt)
		if !validKeyPattern.MatchString(key) {
			continue
		}
		o, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Set writes an override for key.
func (s *Store) Set(key, text string) error {
	if !validKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid prompt key: %s", key)
	}
	if s == nil || s.dir == "" {
		return fmt.Errorf("prompt directory not configured")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create prompt directory: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, key+overrideExt), []byte(text), 0o644)
}

// Clear removes the override for key. Missing overrides are not an error.
func (s *Store) Clear(key string) error {
	if !validKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid prompt key: %s", key)
	}
	if s == nil || s.dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, key+overrideExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
