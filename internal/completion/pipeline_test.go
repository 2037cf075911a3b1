package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/repair"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/validate"
)

const labelSchema = `{
  "label": {"type": "enum", "literals": ["yes", "no"]},
  "reasoning": {"type": "str"}
}`

func mustCompile(t *testing.T, raw string) *schema.Spec {
	t.Helper()
	d, err := schema.ParseDescriptor([]byte(raw), "json")
	if err != nil {
		t.Fatalf("ParseDescriptor() error = %v", err)
	}
	s, err := schema.Compile("Label", d)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newPipeline(t *testing.T, client providers.LLMClient, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Client:      client,
		Task:        "Label the sentence",
		Description: "Answer yes when the sentence is a question.",
		Concurrency: 3,
		RetryDelay:  time.Millisecond,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func userText(req *providers.ChatRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

func isRepair(req *providers.ChatRequest) bool {
	return strings.Contains(req.Messages[0].Content, "correct malformed structured output")
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestCompletePreservesOrder(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Respond = func(req *providers.ChatRequest) (string, error) {
		in := strings.TrimSpace(userText(req))
		// Later inputs answer first.
		n := 0
		_, _ = fmt.Sscanf(in, "item-%d", &n)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return `{"echo":"` + in + `"}`, nil
	}
	p := newPipeline(t, mock, nil)

	inputs := make([]string, 10)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("item-%d", i)
	}
	replies, err := p.Complete(context.Background(), mustCompile(t, labelSchema), inputs)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(replies) != len(inputs) {
		t.Fatalf("got %d replies, want %d", len(replies), len(inputs))
	}
	for i, r := range replies {
		want := `{"echo":"` + inputs[i] + `"}`
		if r.Err != nil || r.Text != want {
			t.Errorf("reply %d = %+v, want %s", i, r, want)
		}
	}
}

func TestCompletePrompt(t *testing.T) {
	spec := mustCompile(t, labelSchema)

	tests := []struct {
		name       string
		opts       Options
		wantFormat string
	}{
		{"json mode", Options{}, providers.FormatJSONObject},
		{"schema mode", Options{SchemaFormat: true}, providers.FormatJSONSchema},
		{"reasoning disables format", Options{Reasoning: true, SchemaFormat: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockClient()
			seed := 3
			tt.opts.Model = "phi3"
			tt.opts.Seed = &seed
			tt.opts.ContextLength = 4096
			p := newPipeline(t, mock, func(c *Config) { c.Options = tt.opts })

			if _, err := p.Complete(context.Background(), spec, []string{"Is it raining?"}); err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			reqs := mock.Requests()
			if len(reqs) != 1 {
				t.Fatalf("got %d requests, want 1", len(reqs))
			}
			req := reqs[0]

			system := req.Messages[0].Content
			for _, want := range []string{"Task: Label the sentence", "Answer yes when", `"label"`, "JSON schema"} {
				if !strings.Contains(system, want) {
					t.Errorf("system prompt missing %q:\n%s", want, system)
				}
			}
			if strings.Contains(system, "{format_instructions}") {
				t.Error("placeholder left in system prompt")
			}
			if got := strings.TrimSpace(userText(req)); got != "Is it raining?" {
				t.Errorf("user prompt = %q", got)
			}
			if req.Model != "phi3" || req.Seed == nil || *req.Seed != 3 || req.ContextLength != 4096 {
				t.Errorf("options not forwarded: %+v", req)
			}

			switch {
			case tt.wantFormat == "" && req.ResponseFormat != nil:
				t.Errorf("ResponseFormat = %+v, want nil", req.ResponseFormat)
			case tt.wantFormat != "" && (req.ResponseFormat == nil || req.ResponseFormat.Type != tt.wantFormat):
				t.Errorf("ResponseFormat = %+v, want %s", req.ResponseFormat, tt.wantFormat)
			}
			if tt.wantFormat == providers.FormatJSONSchema {
				if req.ResponseFormat.Name != "Label" || !json.Valid(req.ResponseFormat.JSONSchema) {
					t.Errorf("schema format = %+v", req.ResponseFormat)
				}
			}
		})
	}
}

func TestCompleteRetriesAndPerItemErrors(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	mock := providers.NewMockClient()
	mock.Respond = func(req *providers.ChatRequest) (string, error) {
		in := strings.TrimSpace(userText(req))
		mu.Lock()
		seen[in]++
		n := seen[in]
		mu.Unlock()

		switch {
		case in == "flaky" && n == 1:
			return "", errors.New("connection reset")
		case in == "broken":
			return "", errors.New("model crashed")
		}
		return `{"ok":true}`, nil
	}
	p := newPipeline(t, mock, func(c *Config) { c.Attempts = 3 })

	replies, err := p.Complete(context.Background(), mustCompile(t, labelSchema), []string{"fine", "flaky", "broken"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if replies[0].Err != nil || replies[1].Err != nil {
		t.Fatalf("unexpected errors: %+v", replies)
	}
	if replies[2].Err == nil || !strings.Contains(replies[2].Err.Error(), "model crashed") {
		t.Fatalf("reply 2 = %+v, want model crashed", replies[2])
	}
	if seen["flaky"] != 2 {
		t.Errorf("flaky attempts = %d, want 2", seen["flaky"])
	}
	if seen["broken"] != 3 {
		t.Errorf("broken attempts = %d, want 3", seen["broken"])
	}
}

func TestCompleteSendsOneRequestPerAttempt(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	for _, typ := range []string{providers.OllamaName, providers.OpenAIName} {
		t.Run(typ, func(t *testing.T) {
			requests.Store(0)
			reg := providers.NewRegistryFromConfig(providers.RegistryConfig{
				LLMProviders: map[string]providers.LLMProviderConfig{
					"local": {Type: typ, Model: "m", APIKey: "k", BaseURL: server.URL, Enabled: true},
				},
			})
			client, err := reg.GetLLM("local")
			if err != nil {
				t.Fatalf("GetLLM() error = %v", err)
			}
			p := newPipeline(t, client, func(c *Config) { c.Attempts = 3 })

			replies, err := p.Complete(context.Background(), mustCompile(t, labelSchema), []string{"one"})
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if replies[0].Err == nil {
				t.Fatal("expected a per-item error")
			}
			if got := requests.Load(); got != 3 {
				t.Fatalf("HTTP requests = %d, want 3 (one per attempt)", got)
			}
		})
	}
}

func TestExtractRepairsInvalidItems(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Respond = func(req *providers.ChatRequest) (string, error) {
		if isRepair(req) {
			return `{"label":"no","reasoning":"fixed"}`, nil
		}
		switch strings.TrimSpace(userText(req)) {
		case "first":
			return `Sure! {"label":"yes","reasoning":"ok"}`, nil
		default:
			return `{"label":"maybe","reasoning":"ok"}`, nil
		}
	}
	p := newPipeline(t, mock, func(c *Config) { c.Repair.MaxAttempts = 2 })

	records, err := p.Extract(context.Background(), mustCompile(t, labelSchema), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Status != repair.StatusSuccess || records[0].RetryCount != 0 {
		t.Errorf("record 0 = %+v, want success/0", records[0])
	}
	if records[1].Status != repair.StatusRepaired || records[1].RetryCount != 1 {
		t.Errorf("record 1 = %+v, want repaired/1", records[1])
	}
	if records[1].Fields["reasoning"] != "fixed" {
		t.Errorf("record 1 fields = %v", records[1].Fields)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3", mock.RequestCount())
	}

	var repairReq *providers.ChatRequest
	for _, req := range mock.Requests() {
		if isRepair(req) {
			repairReq = req
		}
	}
	if repairReq == nil {
		t.Fatal("no repair request issued")
	}
	user := userText(repairReq)
	if !strings.Contains(user, `"maybe"`) || !strings.Contains(user, "label: value") {
		t.Errorf("repair prompt missing output or issues:\n%s", user)
	}
}

func TestExtractDefaultsAfterExhaustion(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = "I cannot help with that."

	var trace bytes.Buffer
	p := newPipeline(t, mock, func(c *Config) {
		c.Repair.MaxAttempts = 2
		c.Repair.Rand = fixedSource(1)
		c.Recorder = llmcall.NewRecorder(&trace, quietLogger())
		c.RunID = "run-1"
	})

	spec := mustCompile(t, labelSchema)
	records, err := p.Extract(context.Background(), spec, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	for i, r := range records {
		if r.Status != repair.StatusFailed || r.RetryCount != 2 {
			t.Errorf("record %d = %+v, want failed/2", i, r)
		}
		if r.Fields["label"] != "no" || r.Fields["reasoning"] != "" {
			t.Errorf("record %d fields = %v, want defaults", i, r.Fields)
		}
		if res := validate.Validate(spec, r.Fields); !res.OK() {
			t.Errorf("record %d defaults do not validate: %v", i, res.Err())
		}
	}
	// 2 extraction calls, then 2 rounds of 2 repair calls.
	if mock.RequestCount() != 6 {
		t.Errorf("RequestCount = %d, want 6", mock.RequestCount())
	}

	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("trace has %d lines, want 6", len(lines))
	}
	rounds := map[int]int{}
	for _, line := range lines {
		var c llmcall.Call
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("bad trace line: %v", err)
		}
		if c.RunID != "run-1" || c.Task != "Label the sentence" {
			t.Errorf("trace context = %+v", c)
		}
		rounds[c.Round]++
	}
	if rounds[0] != 2 || rounds[1] != 2 || rounds[2] != 2 {
		t.Errorf("calls per round = %v", rounds)
	}
}

func TestExtractCancelledContext(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = `{"label":"yes","reasoning":"ok"}`
	p := newPipeline(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, err := p.Extract(ctx, mustCompile(t, labelSchema), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.Status != repair.StatusFailed {
			t.Errorf("record %d status = %s, want failed", i, r.Status)
		}
	}
}

func TestFormatIssuesAndTruncate(t *testing.T) {
	if got := formatIssues(nil); !strings.Contains(got, "not a valid JSON object") {
		t.Errorf("formatIssues(nil) = %q", got)
	}
	got := formatIssues([]validate.Issue{{Path: "a", Message: "required field is missing"}, {Path: "b[0]", Message: "expected integer, got string"}})
	if strings.Count(got, "\n") != 1 || !strings.HasPrefix(got, "- a") {
		t.Errorf("formatIssues() = %q", got)
	}

	long := strings.Repeat("x", 20)
	if got := truncate("  "+long+"  ", 10); got != "xxxxxxxxxx\n...[truncated]" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	// "é" is two bytes; a cut at byte 3 would split the second one.
	if got := truncate("ééé", 3); got != "é\n...[truncated]" || !utf8.ValidString(got) {
		t.Errorf("truncate() = %q, want cut on a rune boundary", got)
	}
}

type fixedSource int

func (f fixedSource) IntN(n int) int { return int(f) % n }
