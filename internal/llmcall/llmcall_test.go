package llmcall

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/sift/internal/providers"
)

func TestFromChatResult(t *testing.T) {
	if FromChatResult(nil, RecordOptions{}) != nil {
		t.Fatal("nil result should produce nil call")
	}

	temp := 0.0
	call := FromChatResult(&providers.ChatResult{
		Content:          `{"a":1}`,
		PromptTokens:     10,
		CompletionTokens: 3,
		ExecutionTime:    1500 * time.Millisecond,
		Provider:         "ollama",
		ModelUsed:        "phi3",
		Attempts:         2,
		Success:          false,
		ErrorMessage:     "boom",
	}, RecordOptions{RunID: "r1", Task: "Task001", Item: 4, Round: 2, PromptKey: "extraction.repair_user", Temperature: &temp})

	if call.ID == "" {
		t.Fatal("ID not set")
	}
	if call.LatencyMs != 1500 || call.InputTokens != 10 || call.OutputTokens != 3 || call.Attempts != 2 {
		t.Fatalf("metrics not copied: %+v", call)
	}
	if call.Error != "boom" || call.Success {
		t.Fatalf("error not copied: %+v", call)
	}
	if call.Item != 4 || call.Round != 2 || call.Task != "Task001" {
		t.Fatalf("context not copied: %+v", call)
	}
	if call.Temperature == nil || *call.Temperature != 0 {
		t.Fatalf("temperature = %v", call.Temperature)
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(&providers.ChatResult{Provider: "mock", Success: true}, RecordOptions{Item: i, PromptKey: "extraction.user"})
		}(i)
	}
	wg.Wait()

	if r.Count() != 20 {
		t.Fatalf("Count() = %d, want 20", r.Count())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		var c Call
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("line %q is not a call: %v", line, err)
		}
	}

	var nilRecorder *Recorder
	nilRecorder.Record(&providers.ChatResult{}, RecordOptions{})
	if nilRecorder.Count() != 0 || nilRecorder.Close() != nil {
		t.Fatal("nil recorder should be a no-op")
	}
}

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "calls.jsonl")
	r, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := []*Call{
		{ID: "a", RunID: "run1", PromptKey: "extraction.user", Provider: "ollama", Success: true, Timestamp: base},
		{ID: "b", RunID: "run1", PromptKey: "extraction.repair_user", Provider: "ollama", Success: false, Timestamp: base.Add(time.Minute)},
		{ID: "c", RunID: "run1", PromptKey: "extraction.user", Provider: "ollama", Success: true, Timestamp: base.Add(2 * time.Minute)},
		{ID: "d", RunID: "run2", PromptKey: "extraction.user", Provider: "openai", Success: true, Timestamp: base.Add(3 * time.Minute)},
	}
	for _, c := range calls {
		r.RecordCall(c)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s := NewStore(path)

	got, err := s.Get("c")
	if err != nil || got == nil || got.ID != "c" {
		t.Fatalf("Get(c) = %+v, %v", got, err)
	}
	if got, err := s.Get("zzz"); err != nil || got != nil {
		t.Fatalf("Get(zzz) = %+v, %v", got, err)
	}

	failed := false
	after := base.Add(30 * time.Second)
	tests := []struct {
		name   string
		filter QueryFilter
		want   []string
	}{
		{"all", QueryFilter{}, []string{"a", "b", "c", "d"}},
		{"run", QueryFilter{RunID: "run1"}, []string{"a", "b", "c"}},
		{"failed", QueryFilter{Success: &failed}, []string{"b"}},
		{"after", QueryFilter{After: &after}, []string{"b", "c", "d"}},
		{"provider", QueryFilter{Provider: "openai"}, []string{"d"}},
		{"paged", QueryFilter{Offset: 1, Limit: 2}, []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.List(tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var ids []string
			for _, c := range list {
				ids = append(ids, c.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("List() = %v, want %v", ids, tt.want)
			}
		})
	}

	counts, err := s.CountByPromptKey("run1")
	if err != nil {
		t.Fatalf("CountByPromptKey() error = %v", err)
	}
	if counts["extraction.user"] != 2 || counts["extraction.repair_user"] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	if _, err := NewStore(filepath.Join(t.TempDir(), "missing.jsonl")).List(QueryFilter{}); err == nil {
		t.Fatal("expected error for missing trace file")
	}
}
