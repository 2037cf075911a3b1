package config

import (
	"time"

	"github.com/jackzampolin/sift/internal/completion"
	"github.com/jackzampolin/sift/internal/repair"
)

// ModelFor returns the model used with provider: defaults.model when set,
// otherwise the provider's own model.
func (c *Config) ModelFor(provider string) string {
	if c.Defaults.Model != "" {
		return c.Defaults.Model
	}
	if p, ok := c.LLMProviders[provider]; ok {
		return p.Model
	}
	return ""
}

// CompletionOptions maps the defaults section onto per-call model options
// for provider.
func (c *Config) CompletionOptions(provider string) completion.Options {
	d := c.Defaults
	return completion.Options{
		Model:         c.ModelFor(provider),
		Temperature:   d.Temperature,
		MaxTokens:     d.NumPredict,
		Seed:          d.Seed,
		TopK:          d.TopK,
		TopP:          d.TopP,
		ContextLength: d.MaxContextLen,
		Timeout:       time.Duration(d.TimeoutSeconds) * time.Second,
		Reasoning:     d.ReasoningModel,
		SchemaFormat:  d.SchemaFormat,
	}
}

// RepairConfig maps max_repair_attempts onto the repair loop. Zero in the
// config file means no repair rounds.
func (d DefaultsCfg) RepairConfig() repair.Config {
	attempts := d.MaxRepairAttempts
	if attempts == 0 {
		attempts = -1
	}
	return repair.Config{MaxAttempts: attempts}
}
