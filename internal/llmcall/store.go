package llmcall

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Store reads calls back from a JSON Lines trace file.
type Store struct {
	path string
}

// NewStore creates a new LLMCall store over the trace file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// QueryFilter specifies filters for listing LLM calls.
type QueryFilter struct {
	RunID     string
	Task      string
	PromptKey string
	Provider  string
	Model     string
	After     *time.Time
	Before    *time.Time
	Success   *bool
	Limit     int
	Offset    int
}

func (f QueryFilter) match(c *Call) bool {
	switch {
	case f.RunID != "" && c.RunID != f.RunID:
		return false
	case f.Task != "" && c.Task != f.Task:
		return false
	case f.PromptKey != "" && c.PromptKey != f.PromptKey:
		return false
	case f.Provider != "" && c.Provider != f.Provider:
		return false
	case f.Model != "" && c.Model != f.Model:
		return false
	case f.Success != nil && c.Success != *f.Success:
		return false
	case f.After != nil && !c.Timestamp.After(*f.After):
		return false
	case f.Before != nil && !c.Timestamp.Before(*f.Before):
		return false
	}
	return true
}

// Get retrieves a single LLM call by ID. It returns nil when absent.
func (s *Store) Get(id string) (*Call, error) {
	var found *Call
	err := s.scan(func(c *Call) bool {
		if c.ID == id {
			found = c
			return false
		}
		return true
	})
	return found, err
}

// List retrieves LLM calls matching the filter, in file order.
func (s *Store) List(filter QueryFilter) ([]Call, error) {
	var calls []Call
	skipped := 0
	err := s.scan(func(c *Call) bool {
		if !filter.match(c) {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}
		calls = append(calls, *c)
		return filter.Limit <= 0 || len(calls) < filter.Limit
	})
	return calls, err
}

// CountByPromptKey returns call counts grouped by prompt key.
func (s *Store) CountByPromptKey(runID string) (map[string]int, error) {
	calls, err := s.List(QueryFilter{RunID: runID})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, c := range calls {
		counts[c.PromptKey]++
	}
	return counts, nil
}

// scan decodes each line and calls fn until it returns false.
func (s *Store) scan(fn func(*Call) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var c Call
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			return fmt.Errorf("trace line %d: %w", line, err)
		}
		if !fn(&c) {
			return nil
		}
	}
	return sc.Err()
}
