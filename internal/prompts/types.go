// Package prompts provides prompt management with embedded defaults and
// file-based overrides.
//
// The package supports a hybrid model where:
//   - Embedded .tmpl files in code are the source of truth for defaults
//   - A prompt directory may hold <key>.tmpl files that replace a default
//
// Templates use single-brace placeholders such as {input} and
// {format_instructions}. Rendering is plain substitution, so literal JSON
// braces in a template are left alone.
package prompts

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: extraction.system
	Text        string   // The prompt text
	Description string   // Human-readable description
	Variables   []string // Extracted placeholders
	Hash        string   // SHA256 hash of the text for change detection
}

// Override is a prompt text read from the override directory.
type Override struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	Path string `json:"path"`
}

// ResolvedPrompt is the result of resolving a prompt key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	IsOverride bool     `json:"is_override"`
	Hash       string   `json:"hash"` // links recorded LLM calls to the exact prompt text
}
