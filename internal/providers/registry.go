package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds references to LLM clients.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu         sync.RWMutex
	llmClients map[string]LLMClient
	configs    map[string]LLMProviderConfig
	logger     *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		llmClients: make(map[string]LLMClient),
		configs:    make(map[string]LLMProviderConfig),
		logger:     slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// RegisterLLM registers an LLM client by name.
func (r *Registry) RegisterLLM(name string, client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmClients[name] = client
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("registered LLM client", "name", name)
	}
}

// UnregisterLLM removes an LLM client by name.
func (r *Registry) UnregisterLLM(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.llmClients, name)
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("unregistered LLM client", "name", name)
	}
}

// GetLLM returns an LLM client by name.
func (r *Registry) GetLLM(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.llmClients[name]
	if !ok {
		return nil, fmt.Errorf("LLM client not found: %s", name)
	}
	return client, nil
}

// ListLLM returns all registered LLM client names, sorted.
func (r *Registry) ListLLM() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llmClients))
	for name := range r.llmClients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasLLM checks if an LLM client is registered.
func (r *Registry) HasLLM(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.llmClients[name]
	return ok
}

// RegistryConfig defines the providers to instantiate from config.
// This mirrors the config.Config structure for provider setup.
type RegistryConfig struct {
	// LLMProviders maps provider names to their config
	LLMProviders map[string]LLMProviderConfig
}

// LLMProviderConfig matches config.LLMProviderCfg with resolved API key.
type LLMProviderConfig struct {
	Type      string  // "ollama", "openai", "openrouter", "gemini", "mock"
	Model     string  // Default model name
	APIKey    string  // Resolved API key
	BaseURL   string  // Optional endpoint override
	RateLimit float64 // Requests per second (0 = unlimited)
	Enabled   bool
}

// usable reports whether a provider config should produce a client. Local
// backends run without credentials.
func (c LLMProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	switch c.Type {
	case OllamaName, MockClientName:
		return true
	default:
		return c.APIKey != ""
	}
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with valid credentials will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered.
// Providers with changed settings will be re-registered.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)

	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.usable() {
			continue
		}
		want[name] = true

		_, hasExisting := r.llmClients[name]
		if hasExisting && r.configs[name] == provCfg {
			continue
		}
		client, err := createLLMClient(provCfg)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping LLM provider", "name", name, "type", provCfg.Type, "error", err)
			}
			delete(want, name)
			continue
		}
		r.llmClients[name] = client
		r.configs[name] = provCfg
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated LLM client", "name", name, "type", provCfg.Type)
			} else {
				r.logger.Info("registered LLM client", "name", name, "type", provCfg.Type)
			}
		}
	}

	// Remove providers that are no longer configured
	for name := range r.llmClients {
		if !want[name] {
			delete(r.llmClients, name)
			delete(r.configs, name)
			if r.logger != nil {
				r.logger.Info("unregistered LLM client", "name", name)
			}
		}
	}
}

// createLLMClient creates an LLM client based on provider type. Clients are
// built without transport-level retries: the completion pipeline retries
// each call itself.
func createLLMClient(cfg LLMProviderConfig) (LLMClient, error) {
	var client LLMClient
	switch cfg.Type {
	case OllamaName:
		oc, err := NewOllamaClient(OllamaConfig{
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		client = oc
	case OpenAIName:
		client = NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   -1,
		})
	case OpenRouterName:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		client = NewOpenAIClient(OpenAIConfig{
			Name:         OpenRouterName,
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
			BaseURL:      baseURL,
			MaxRetries:   -1,
		})
	case GeminiName:
		client = NewGeminiClient(GeminiConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
		})
	case MockClientName:
		client = NewMockClient()
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	return WithRateLimit(client, NewRateLimiter(cfg.RateLimit)), nil
}

// limitedClient gates Chat calls through a RateLimiter.
type limitedClient struct {
	LLMClient
	limiter *RateLimiter
}

// WithRateLimit wraps client so every Chat call waits on limiter. A 429
// reported by the backend drains the bucket. A nil limiter returns client
// unchanged.
func WithRateLimit(client LLMClient, limiter *RateLimiter) LLMClient {
	if limiter == nil {
		return client
	}
	return &limitedClient{LLMClient: client, limiter: limiter}
}

func (c *limitedClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.LLMClient.Chat(ctx, req)
	if rle, ok := IsRateLimitError(err); ok {
		c.limiter.Record429(rle.RetryAfter)
	}
	return result, err
}

func (c *limitedClient) HealthCheck(ctx context.Context) error {
	return CheckHealth(ctx, c.LLMClient)
}
