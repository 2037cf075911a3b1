package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	OpenAIName        = "openai"
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIConfig holds configuration for OpenAI-compatible chat backends.
type OpenAIConfig struct {
	Name         string // reported provider name (default "openai")
	APIKey       string
	DefaultModel string
	MaxRetries   int           // SDK retry attempts (0 = 3, negative = none)
	Timeout      time.Duration // HTTP timeout
	BaseURL      string        // OpenRouter, vLLM, llama.cpp, tests
	HTTPClient   *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK. It also
// serves any server speaking the same chat completions protocol.
type OpenAIClient struct {
	name         string
	defaultModel string
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI-compatible chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = OpenAIName
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 3
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return c.name
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	result := &ChatResult{
		Provider:  c.name,
		ModelUsed: model,
		RequestID: requestID,
		Attempts:  1,
	}

	params, opts := c.buildParams(model, req)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		err = mapOpenAIError(c.name, err)
		result.ErrorType = "request_failed"
		if _, ok := IsRateLimitError(err); ok {
			result.ErrorType = "rate_limited"
		}
		result.ErrorMessage = err.Error()
		return result, err
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%s returned no choices", c.name)
		result.ErrorType = "empty_response"
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	result.Content = resp.Choices[0].Message.Content
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	return result, nil
}

func (c *OpenAIClient) buildParams(model string, req *ChatRequest) (openai.ChatCompletionNewParams, []option.RequestOption) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Seed != nil {
		params.Seed = openai.Int(int64(*req.Seed))
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	if rf := req.ResponseFormat; rf != nil {
		switch {
		case rf.Type == FormatJSONSchema && len(rf.JSONSchema) > 0:
			name := rf.Name
			if name == "" {
				name = "output"
			}
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   name,
						Schema: rf.JSONSchema,
						Strict: openai.Bool(false),
					},
				},
			}
		default:
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}

	var opts []option.RequestOption
	// top_k is not part of the OpenAI schema but OpenRouter and most
	// self-hosted servers accept it.
	if req.TopK > 0 {
		opts = append(opts, option.WithJSONSet("top_k", req.TopK))
	}
	return params, opts
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func mapOpenAIError(name string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("%s rate limited: %s", name, apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s error (status %d): %s", name, apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s error (status %d)", name, apiErr.StatusCode)
	}
	return err
}

var _ LLMClient = (*OpenAIClient)(nil)
