// Package extraction holds the default extraction and repair prompts.
package extraction

import (
	_ "embed"

	"github.com/jackzampolin/sift/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPrompt string

//go:embed repair_system.tmpl
var repairSystemPrompt string

//go:embed repair_user.tmpl
var repairUserPrompt string

// Prompt keys
const (
	SystemPromptKey       = "extraction.system"
	UserPromptKey         = "extraction.user"
	RepairSystemPromptKey = "extraction.repair_system"
	RepairUserPromptKey   = "extraction.repair_user"
)

// RegisterPrompts registers the extraction prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Extraction system prompt - task, description and format instructions",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPrompt,
		Description: "Extraction user prompt - the input text",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         RepairSystemPromptKey,
		Text:        repairSystemPrompt,
		Description: "Repair system prompt - format instructions for fixing malformed output",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         RepairUserPromptKey,
		Text:        repairUserPrompt,
		Description: "Repair user prompt - previous output and validation issues",
	})
}

// NewResolver returns a resolver with the extraction prompts registered and
// overrides read from dir (which may be empty).
func NewResolver(dir string) *prompts.Resolver {
	r := prompts.NewResolver(prompts.NewStore(dir), nil)
	RegisterPrompts(r)
	return r
}

// Keys returns the extraction prompt keys in the order they are used.
func Keys() []string {
	return []string{SystemPromptKey, UserPromptKey, RepairSystemPromptKey, RepairUserPromptKey}
}
