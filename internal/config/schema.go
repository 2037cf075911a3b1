package config

import (
	"fmt"
	"path/filepath"
)

// Config holds sift configuration.
// Stored at: {home}/config.yaml or ./config.yaml
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Run          RunCfg                    `mapstructure:"run" yaml:"run"`
	Postgres     PostgresCfg               `mapstructure:"postgres" yaml:"postgres"`
	Server       ServerCfg                 `mapstructure:"server" yaml:"server"`
}

// LLMProviderCfg configures an LLM provider.
type LLMProviderCfg struct {
	Type      string  `mapstructure:"type" yaml:"type"`             // "ollama", "openai", "openrouter", "gemini", "mock"
	Model     string  `mapstructure:"model" yaml:"model"`           // Model name
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	BaseURL   string  `mapstructure:"base_url" yaml:"base_url"`     // Optional endpoint override
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second, 0 = unlimited
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg holds model and sampling defaults.
type DefaultsCfg struct {
	LLMProvider string  `mapstructure:"llm_provider" yaml:"llm_provider"`
	Model       string  `mapstructure:"model" yaml:"model"` // Overrides the provider's model when set
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	NumPredict  int     `mapstructure:"num_predict" yaml:"num_predict"`

	// MaxContextLen is the context window passed to the model; 0 keeps the
	// server default.
	MaxContextLen int      `mapstructure:"max_context_len" yaml:"max_context_len"`
	Seed          *int     `mapstructure:"seed" yaml:"seed,omitempty"`
	TopK          int      `mapstructure:"top_k" yaml:"top_k"`
	TopP          *float64 `mapstructure:"top_p" yaml:"top_p,omitempty"`

	MaxRepairAttempts int  `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts"`
	Concurrency       int  `mapstructure:"concurrency" yaml:"concurrency"`
	TimeoutSeconds    int  `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	ReasoningModel    bool `mapstructure:"reasoning_model" yaml:"reasoning_model"`
	SchemaFormat      bool `mapstructure:"schema_format" yaml:"schema_format"`
}

// RunCfg controls batch runs.
type RunCfg struct {
	Runs      int    `mapstructure:"runs" yaml:"runs"`
	RunName   string `mapstructure:"run_name" yaml:"run_name"`
	ChunkSize int    `mapstructure:"chunk_size" yaml:"chunk_size"` // 0 = whole dataset at once
	Overwrite bool   `mapstructure:"overwrite" yaml:"overwrite"`
	Translate bool   `mapstructure:"translate" yaml:"translate"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose"`
	Trace     bool   `mapstructure:"trace" yaml:"trace"` // Write llm_calls.jsonl per run

	OutputDir      string `mapstructure:"output_dir" yaml:"output_dir"`
	TaskDir        string `mapstructure:"task_dir" yaml:"task_dir"`
	DataDir        string `mapstructure:"data_dir" yaml:"data_dir"`
	LogDir         string `mapstructure:"log_dir" yaml:"log_dir"` // Empty = <output_dir>/logs
	TranslationDir string `mapstructure:"translation_dir" yaml:"translation_dir"`
	PromptDir      string `mapstructure:"prompt_dir" yaml:"prompt_dir"` // Prompt overrides, empty = <home>/prompts
}

// PostgresCfg configures the optional record sink.
type PostgresCfg struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"` // Supports ${ENV_VAR} syntax
	Table   string `mapstructure:"table" yaml:"table"`
}

// ServerCfg configures sift serve.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"ollama": {
				Type:    "ollama",
				Model:   "mistral-nemo",
				Enabled: true,
			},
			"openai": {
				Type:      "openai",
				Model:     "gpt-4o-mini",
				APIKey:    "${OPENAI_API_KEY}",
				RateLimit: 5.0,
				Enabled:   true,
			},
			"openrouter": {
				Type:      "openrouter",
				Model:     "mistralai/mistral-nemo",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 2.0,
				Enabled:   true,
			},
			"gemini": {
				Type:      "gemini",
				Model:     "gemini-1.5-flash",
				APIKey:    "${GEMINI_API_KEY}",
				RateLimit: 1.0,
				Enabled:   true,
			},
		},
		Defaults: DefaultsCfg{
			LLMProvider:       "ollama",
			Temperature:       0.0,
			NumPredict:        512,
			MaxRepairAttempts: 3,
			Concurrency:       4,
			TimeoutSeconds:    600,
		},
		Run: RunCfg{
			Runs:           5,
			RunName:        "run",
			OutputDir:      "output",
			TaskDir:        "tasks",
			DataDir:        "data",
			TranslationDir: "translations",
		},
		Postgres: PostgresCfg{
			DSN:   "${SIFT_POSTGRES_DSN}",
			Table: "sift_records",
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	d := c.Defaults
	if d.Temperature < 0 {
		return fmt.Errorf("defaults.temperature must be non-negative, got %v", d.Temperature)
	}
	if d.MaxContextLen < 0 {
		return fmt.Errorf("defaults.max_context_len must not be negative, got %d", d.MaxContextLen)
	}
	if d.TopP != nil && (*d.TopP < 0 || *d.TopP > 1) {
		return fmt.Errorf("defaults.top_p must be between 0 and 1, got %v", *d.TopP)
	}
	if d.MaxRepairAttempts < 0 {
		return fmt.Errorf("defaults.max_repair_attempts must not be negative, got %d", d.MaxRepairAttempts)
	}
	if c.Run.Runs < 1 {
		return fmt.Errorf("run.runs must be at least 1, got %d", c.Run.Runs)
	}
	if c.Run.ChunkSize < 0 {
		return fmt.Errorf("run.chunk_size must not be negative, got %d", c.Run.ChunkSize)
	}
	return nil
}

// GetLLMProvider returns the named provider config.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	p, ok := c.LLMProviders[name]
	return p, ok
}

// LogDirOrDefault returns the log directory, defaulting to <output_dir>/logs.
func (r RunCfg) LogDirOrDefault() string {
	if r.LogDir != "" {
		return r.LogDir
	}
	return filepath.Join(r.OutputDir, "logs")
}
