// Package task locates and loads task definition files and their datasets.
//
// A task file is a JSON document named TaskNNN_<name>.json in the task
// directory. It names the dataset to process, the input column, and the
// output schema, either inline or as a descriptor file under parsers/.
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackzampolin/sift/internal/schema"
)

// ParsersDirName is the subdirectory of the task directory holding
// descriptor files referenced by name.
const ParsersDirName = "parsers"

var (
	// ErrTaskNotFound is returned when no task file matches the id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrMultipleTasks is returned when more than one task file matches.
	ErrMultipleTasks = errors.New("multiple task files match")
)

// Task is a parsed task file.
type Task struct {
	// Name is the file name without extension, e.g. Task001_people.
	Name string `json:"-"`
	// Path is the task file location.
	Path string `json:"-"`

	Task        string `json:"Task"`
	Type        string `json:"Type"`
	Description string `json:"Description"`
	InputField  string `json:"Input_Field"`
	DataPath    string `json:"Data_Path"`
	ExamplePath string `json:"Example_Path,omitempty"`

	// ParserFormat is the inline output descriptor. ParserFile is set
	// instead when the task names a descriptor file.
	ParserFormat *schema.Descriptor `json:"-"`
	ParserFile   string             `json:"-"`
}

type taskFile struct {
	Task        string          `json:"Task"`
	Type        string          `json:"Type"`
	Description string          `json:"Description"`
	InputField  string          `json:"Input_Field"`
	DataPath    string          `json:"Data_Path"`
	ExamplePath string          `json:"Example_Path"`
	Parser      json.RawMessage `json:"Parser_Format"`
}

// UnmarshalJSON accepts Parser_Format as an inline descriptor object or as
// a descriptor file name.
func (t *Task) UnmarshalJSON(b []byte) error {
	var f taskFile
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = Task{
		Name:        t.Name,
		Path:        t.Path,
		Task:        f.Task,
		Type:        f.Type,
		Description: f.Description,
		InputField:  f.InputField,
		DataPath:    f.DataPath,
		ExamplePath: f.ExamplePath,
	}

	raw := bytes.TrimSpace(f.Parser)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &t.ParserFile); err != nil {
			return err
		}
	default:
		d, err := schema.ParseDescriptor(raw, "json")
		if err != nil {
			return err
		}
		t.ParserFormat = d
	}
	return nil
}

// Pattern returns the file name prefix for a task id. The id is zero padded
// to three digits, so id 1 matches Task001 but never Task010.
func Pattern(id int) string {
	return fmt.Sprintf("Task%03d", id)
}

// Find locates the single task file for id in dir.
func Find(dir string, id int) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("task directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("task directory %s is not a directory", dir)
	}

	prefix := Pattern(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read task directory: %w", err)
	}

	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		if !strings.HasPrefix(stem, prefix) {
			continue
		}
		// Task0012 is a different task, not a suffix of Task001.
		if rest := stem[len(prefix):]; rest != "" && rest[0] >= '0' && rest[0] <= '9' {
			continue
		}
		matches = append(matches, filepath.Join(dir, name))
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no file matching %s*.json in %s", ErrTaskNotFound, prefix, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrMultipleTasks, strings.Join(matches, ", "))
	}
}

// Load reads the task file at path.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	t := &Task{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return t, nil
}

// FindAndLoad combines Find and Load.
func FindAndLoad(dir string, id int) (*Task, error) {
	path, err := Find(dir, id)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Validate checks the fields every run needs.
func (t *Task) Validate() error {
	if t.DataPath == "" {
		return fmt.Errorf("task %s: Data_Path is required", t.Name)
	}
	if t.InputField == "" {
		return fmt.Errorf("task %s: Input_Field is required", t.Name)
	}
	return nil
}

// Descriptor returns the output descriptor, reading ParserFile from the
// parsers directory next to the task file when needed. It returns nil when
// the task declares neither.
func (t *Task) Descriptor() (*schema.Descriptor, error) {
	if t.ParserFormat != nil {
		return t.ParserFormat, nil
	}
	if t.ParserFile == "" {
		return nil, nil
	}
	path := t.ParserFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(t.Path), ParsersDirName, path)
	}
	return schema.LoadDescriptor(path)
}

// Schema resolves the task's output schema.
func (t *Task) Schema() (*schema.Spec, error) {
	d, err := t.Descriptor()
	if err != nil {
		return nil, err
	}
	return schema.ForTask(t.Type, d)
}

// DatasetPath resolves Data_Path against dataDir.
func (t *Task) DatasetPath(dataDir string) string {
	if filepath.IsAbs(t.DataPath) {
		return t.DataPath
	}
	return filepath.Join(dataDir, t.DataPath)
}
