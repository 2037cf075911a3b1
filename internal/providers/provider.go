// Package providers holds the language-model clients used for extraction
// and repair calls, plus the registry that builds them from configuration.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the interface every model backend implements.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "ollama").
	Name() string
}

// HealthChecker is implemented by clients that can probe their backend
// without spending a completion.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth probes client when it implements HealthChecker. Other
// clients are assumed healthy.
func CheckHealth(ctx context.Context, client LLMClient) error {
	if hc, ok := client.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Response format types.
const (
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ResponseFormat requests structured output from backends that support it.
type ResponseFormat struct {
	Type       string          `json:"type"`           // FormatJSONObject or FormatJSONSchema
	Name       string          `json:"name,omitempty"` // schema name (json_schema only)
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters. Temperature is always sent; zero means greedy.
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	ContextLength int      `json:"context_length,omitempty"` // Ollama num_ctx
	Timeout       time.Duration

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	// Response content
	Content string `json:"content"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Timing
	ExecutionTime time.Duration `json:"execution_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	// Success/error
	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SystemUser builds the usual two-message conversation.
func SystemUser(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: user})
}
