// Package llmcall provides LLM call recording and querying for traceability.
// Every model call made during extraction or repair is recorded with its
// prompt key, response, and metrics.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/sift/internal/providers"
)

// Call represents a recorded LLM API call.
type Call struct {
	// Unique identifier
	ID string `json:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Context references
	RunID string `json:"run_id,omitempty"`
	Task  string `json:"task,omitempty"`
	Item  int    `json:"item"`
	Round int    `json:"round"` // 0 for extraction, N for repair round N

	// Prompt traceability
	PromptKey  string `json:"prompt_key"`
	PromptHash string `json:"prompt_hash,omitempty"`

	// Model info
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Token usage
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Attempts     int `json:"attempts,omitempty"`

	// Response
	Response string `json:"response"`

	// Status
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	// Context references (all optional)
	RunID string
	Task  string
	Item  int
	Round int

	// Prompt identification (required for traceability)
	PromptKey  string
	PromptHash string

	// Request parameters (pointer to distinguish "not set" from "set to 0")
	Temperature *float64
}

// FromChatResult creates a Call from a ChatResult.
// Returns nil if result is nil.
func FromChatResult(result *providers.ChatResult, opts RecordOptions) *Call {
	if result == nil {
		return nil
	}

	call := &Call{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		LatencyMs:    int(result.ExecutionTime.Milliseconds()),
		RunID:        opts.RunID,
		Task:         opts.Task,
		Item:         opts.Item,
		Round:        opts.Round,
		PromptKey:    opts.PromptKey,
		PromptHash:   opts.PromptHash,
		Provider:     result.Provider,
		Model:        result.ModelUsed,
		Temperature:  opts.Temperature,
		InputTokens:  result.PromptTokens,
		OutputTokens: result.CompletionTokens,
		Attempts:     result.Attempts,
		Response:     result.Content,
		Success:      result.Success,
	}

	if !result.Success {
		call.Error = result.ErrorMessage
	}

	return call
}
