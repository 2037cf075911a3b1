package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestOllama(t *testing.T, baseURL, model string) *OllamaClient {
	t.Helper()
	client, err := NewOllamaClient(OllamaConfig{BaseURL: baseURL, DefaultModel: model})
	if err != nil {
		t.Fatalf("NewOllamaClient() error = %v", err)
	}
	return client
}

func TestOllamaChatSuccess(t *testing.T) {
	var payload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"phi3","message":{"role":"assistant","content":"{\"a\":1}"},"done":true,"prompt_eval_count":12,"eval_count":5}`))
	}))
	defer server.Close()

	client := newTestOllama(t, server.URL+"/", "phi3")

	seed := 42
	topP := 0.9
	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages:       SystemUser("sys", "extract"),
		Temperature:    0,
		MaxTokens:      256,
		Seed:           &seed,
		TopK:           40,
		TopP:           &topP,
		ContextLength:  8192,
		ResponseFormat: &ResponseFormat{Type: FormatJSONObject},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !result.Success || result.Content != `{"a":1}` {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.PromptTokens != 12 || result.CompletionTokens != 5 || result.TotalTokens != 17 {
		t.Fatalf("unexpected token counts: %+v", result)
	}
	if result.Attempts != 1 || result.RequestID == "" {
		t.Fatalf("attempts=%d request_id=%q", result.Attempts, result.RequestID)
	}

	if got, _ := payload["model"].(string); got != "phi3" {
		t.Fatalf("expected model phi3, got %q", got)
	}
	if got, _ := payload["stream"].(bool); got {
		t.Fatal("expected stream=false")
	}
	if got, _ := payload["format"].(string); got != "json" {
		t.Fatalf("expected format json, got %v", payload["format"])
	}
	opts, _ := payload["options"].(map[string]any)
	want := map[string]float64{
		"temperature": 0,
		"num_predict": 256,
		"num_ctx":     8192,
		"seed":        42,
		"top_k":       40,
		"top_p":       0.9,
	}
	for k, v := range want {
		got, ok := opts[k].(float64)
		if !ok || got != v {
			t.Fatalf("options[%s] = %v, want %v", k, opts[k], v)
		}
	}
	if msgs, _ := payload["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", payload["messages"])
	}
}

func TestOllamaChatSchemaFormat(t *testing.T) {
	var format json.RawMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Format  json.RawMessage `json:"format"`
			Options map[string]any  `json:"options"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		format = body.Format
		if _, ok := body.Options["num_ctx"]; ok {
			t.Errorf("num_ctx should be omitted when unset")
		}
		_, _ = w.Write([]byte(`{"message":{"content":"{}"},"done":true}`))
	}))
	defer server.Close()

	client := newTestOllama(t, server.URL, "")
	schema := json.RawMessage(`{"type":"object"}`)
	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages:       SystemUser("", "x"),
		ResponseFormat: &ResponseFormat{Type: FormatJSONSchema, JSONSchema: schema},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if string(format) != `{"type":"object"}` {
		t.Fatalf("format = %s, want schema object", format)
	}
	if result.ModelUsed != "mistral-nemo" {
		t.Fatalf("ModelUsed = %q, want default model", result.ModelUsed)
	}
}

func TestOllamaChatErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       string
		wantErrorType string
		wantRateLimit bool
	}{
		{"server error", http.StatusServiceUnavailable, `{"error":"model loading"}`, "model loading", "request_failed", false},
		{"model missing", http.StatusNotFound, `{"error":"model \"nope\" not found"}`, "not found", "request_failed", false},
		{"rate limited", http.StatusTooManyRequests, `{}`, "rate limited", "rate_limited", true},
		{"error in body", http.StatusOK, `{"error":"context window exceeded"}`, "context window exceeded", "request_failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestOllama(t, server.URL, "")
			result, err := client.Chat(context.Background(), &ChatRequest{Model: "nope", Messages: SystemUser("", "x")})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Chat() error = %v, want %q", err, tt.wantErr)
			}
			if _, ok := IsRateLimitError(err); ok != tt.wantRateLimit {
				t.Fatalf("IsRateLimitError = %v, want %v (%T)", ok, tt.wantRateLimit, err)
			}
			if result.Success || result.ErrorType != tt.wantErrorType {
				t.Fatalf("unexpected result: %+v", result)
			}
			if calls.Load() != 1 {
				t.Fatalf("HTTP requests = %d, want 1 per Chat call", calls.Load())
			}
		})
	}
}

func TestNewOllamaClientInvalidURL(t *testing.T) {
	if _, err := NewOllamaClient(OllamaConfig{BaseURL: "http://[::1"}); err == nil {
		t.Fatal("expected error for malformed base url")
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"model present", http.StatusOK, `{"models":[{"name":"phi3:latest","model":"phi3:latest"}]}`, ""},
		{"model missing", http.StatusOK, `{"models":[{"name":"llama3:8b"}]}`, "not available"},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/tags" || r.Method != http.MethodGet {
					t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestOllama(t, server.URL, "phi3")
			err := CheckHealth(context.Background(), client)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("HealthCheck() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("HealthCheck() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
