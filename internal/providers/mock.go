package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string

	// Respond, when set, computes the reply from the request and overrides
	// ResponseText. A returned error fails the call.
	Respond func(req *ChatRequest) (string, error)

	// HealthErr is returned by HealthCheck.
	HealthErr error

	// State
	requestCount atomic.Int64
	mu           sync.Mutex
	requests     []*ChatRequest
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: `{}`,
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Chat sends a mock chat request.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	result := &ChatResult{
		RequestID: fmt.Sprintf("mock-%d", count),
		Provider:  MockClientName,
		ModelUsed: req.Model,
		Attempts:  1,
	}

	fail := func(errType string, err error) (*ChatResult, error) {
		result.Success = false
		result.ErrorType = errType
		result.ErrorMessage = err.Error()
		result.ExecutionTime = time.Since(start)
		return result, err
	}

	// Check if we should fail
	if c.ShouldFail {
		return fail("mock_failure", fmt.Errorf("mock client configured to fail"))
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		return fail("mock_failure", fmt.Errorf("mock client failed after %d requests", c.FailAfter))
	}

	// Simulate latency
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return fail("context_cancelled", ctx.Err())
		}
	}

	content := c.ResponseText
	if c.Respond != nil {
		text, err := c.Respond(req)
		if err != nil {
			return fail("mock_failure", err)
		}
		content = text
	}

	result.Success = true
	result.Content = content
	result.ExecutionTime = time.Since(start)

	// Simulate token counting
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(m.Content) / 4 // Rough estimate
	}
	result.PromptTokens = promptTokens
	result.CompletionTokens = len(content) / 4
	result.TotalTokens = result.PromptTokens + result.CompletionTokens

	return result, nil
}

// HealthCheck returns HealthErr.
func (c *MockClient) HealthCheck(ctx context.Context) error {
	return c.HealthErr
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Requests returns every request received so far.
func (c *MockClient) Requests() []*ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChatRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Reset resets the request counter and history.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
	c.mu.Lock()
	c.requests = nil
	c.mu.Unlock()
}

// Verify interface
var _ LLMClient = (*MockClient)(nil)
