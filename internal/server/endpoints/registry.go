package endpoints

import "github.com/jackzampolin/sift/internal/api"

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Extraction endpoints
		&SchemaEndpoint{},
		&ExtractEndpoint{},

		// LLM call history endpoints
		&ListLLMCallsEndpoint{},
		&GetLLMCallEndpoint{},
		&LLMCallCountsEndpoint{},

		// Prompt endpoints
		&ListPromptsEndpoint{},
		&GetPromptEndpoint{},
	}
}
