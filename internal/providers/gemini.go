package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const GeminiName = "gemini"

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// GeminiClient implements LLMClient using the Gemini SDK.
type GeminiClient struct {
	apiKey       string
	defaultModel string
	timeout      time.Duration
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-1.5-flash"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &GeminiClient{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.Timeout,
	}
}

// Name returns the client identifier.
func (c *GeminiClient) Name() string {
	return GeminiName
}

// Chat sends a generate-content request. System messages become the system
// instruction; the remaining messages are sent as user text in order.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
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
		Provider:  GeminiName,
		ModelUsed: model,
		RequestID: requestID,
		Attempts:  1,
	}
	fail := func(errType string, err error) (*ChatResult, error) {
		result.ErrorType = errType
		result.ErrorMessage = err.Error()
		result.ExecutionTime = time.Since(start)
		return result, err
	}

	if c.apiKey == "" {
		return fail("config", errors.New("gemini: API key is empty"))
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return fail("request_failed", fmt.Errorf("gemini: create client: %w", err))
	}
	defer cl.Close()

	m := cl.GenerativeModel(model)
	m.GenerationConfig = geminiGenerationConfig(req)

	system, parts := splitGeminiMessages(req.Messages)
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{Parts: system}
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		err = mapGeminiError(err)
		if _, ok := IsRateLimitError(err); ok {
			return fail("rate_limited", err)
		}
		return fail("request_failed", err)
	}

	txt := firstText(resp)
	if txt == "" {
		return fail("empty_response", errors.New("gemini: empty response"))
	}

	result.Success = true
	result.Content = txt
	result.ExecutionTime = time.Since(start)
	if u := resp.UsageMetadata; u != nil {
		result.PromptTokens = int(u.PromptTokenCount)
		result.CompletionTokens = int(u.CandidatesTokenCount)
		result.TotalTokens = int(u.TotalTokenCount)
	}
	return result, nil
}

func geminiGenerationConfig(req *ChatRequest) genai.GenerationConfig {
	cfg := genai.GenerationConfig{
		Temperature: ptrFloat32(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = ptrInt32(int32(req.MaxTokens))
	}
	if req.TopK > 0 {
		cfg.TopK = ptrInt32(int32(req.TopK))
	}
	if req.TopP != nil {
		cfg.TopP = ptrFloat32(float32(*req.TopP))
	}
	if req.ResponseFormat != nil {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func splitGeminiMessages(msgs []Message) (system, user []genai.Part) {
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, genai.Text(m.Content))
			continue
		}
		user = append(user, genai.Text(m.Content))
	}
	return system, user
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

// mapGeminiError turns quota errors into RateLimitError.
func mapGeminiError(err error) error {
	var coded interface{ HTTPCode() int }
	if errors.As(err, &coded) && coded.HTTPCode() == http.StatusTooManyRequests {
		return &RateLimitError{
			Message:    fmt.Sprintf("gemini rate limited: %v", err),
			StatusCode: http.StatusTooManyRequests,
		}
	}
	return fmt.Errorf("gemini: %w", err)
}

func ptrFloat32(v float32) *float32 { return &v }
func ptrInt32(v int32) *int32       { return &v }

var _ LLMClient = (*GeminiClient)(nil)
