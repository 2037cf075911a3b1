package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	ollama "github.com/ollama/ollama/api"
)

const (
	OllamaName    = "ollama"
	OllamaBaseURL = "http://localhost:11434"
)

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client // Optional (tests)
}

// OllamaClient implements LLMClient against Ollama's native chat endpoint,
// which exposes num_ctx and the other sampling options the OpenAI-compatible
// endpoint hides. It makes exactly one request per Chat call; retries belong
// to the caller.
type OllamaClient struct {
	defaultModel string
	client       *ollama.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OllamaBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "mistral-nemo"
	}
	if cfg.Timeout == 0 {
		// Local models can take minutes on long inputs.
		cfg.Timeout = 10 * time.Minute
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OllamaClient{
		defaultModel: cfg.DefaultModel,
		client:       ollama.NewClient(base, httpClient),
	}, nil
}

// Name returns the client identifier.
func (c *OllamaClient) Name() string {
	return OllamaName
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	stream := false
	body := &ollama.ChatRequest{
		Model:    model,
		Messages: make([]ollama.Message, len(req.Messages)),
		Stream:   &stream,
		Options:  ollamaOptions(req),
	}
	for i, m := range req.Messages {
		body.Messages[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	if rf := req.ResponseFormat; rf != nil {
		switch {
		case rf.Type == FormatJSONSchema && len(rf.JSONSchema) > 0:
			body.Format = rf.JSONSchema
		default:
			body.Format = json.RawMessage(`"json"`)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result := &ChatResult{
		Provider:  OllamaName,
		ModelUsed: model,
		RequestID: requestID,
		Attempts:  1,
	}

	var resp ollama.ChatResponse
	err := c.client.Chat(ctx, body, func(r ollama.ChatResponse) error {
		resp = r
		return nil
	})
	result.ExecutionTime = time.Since(start)
	if err != nil {
		err = ollamaError(err)
		result.ErrorType = "request_failed"
		if _, ok := IsRateLimitError(err); ok {
			result.ErrorType = "rate_limited"
		}
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	result.Content = resp.Message.Content
	result.PromptTokens = resp.PromptEvalCount
	result.CompletionTokens = resp.EvalCount
	result.TotalTokens = resp.PromptEvalCount + resp.EvalCount
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	return result, nil
}

// ollamaOptions maps the sampling settings onto Ollama's options map. Unset
// values are left out so the model's own defaults apply.
func ollamaOptions(req *ChatRequest) map[string]any {
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.ContextLength > 0 {
		opts["num_ctx"] = req.ContextLength
	}
	if req.Seed != nil {
		opts["seed"] = *req.Seed
	}
	if req.TopK > 0 {
		opts["top_k"] = req.TopK
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	return opts
}

// ollamaError turns a 429 from the server into a RateLimitError so callers
// can back off.
func ollamaError(err error) error {
	var se ollama.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Message:    fmt.Sprintf("Ollama rate limited: %s", se.Error()),
			StatusCode: se.StatusCode,
		}
	}
	return fmt.Errorf("ollama chat: %w", err)
}

// HealthCheck lists the local models. It fails when the server is down or
// the default model has not been pulled.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	list, err := c.client.List(ctx)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	for _, m := range list.Models {
		if m.Name == c.defaultModel || m.Model == c.defaultModel ||
			strings.TrimSuffix(m.Name, ":latest") == c.defaultModel {
			return nil
		}
	}
	return fmt.Errorf("model %q not available in Ollama; pull it first", c.defaultModel)
}

// Verify interface
var _ LLMClient = (*OllamaClient)(nil)
