package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/sift/internal/providers"
)

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml and then $HOME/.sift/config.yaml.
func NewManager(cfgFile string) (*Manager, error) {
	return NewManagerWithPaths(cfgFile, ".", "$HOME/.sift")
}

// NewManagerWithPaths is NewManager with explicit search paths for
// config.yaml. The paths are ignored when cfgFile is set.
func NewManagerWithPaths(cfgFile string, paths ...string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, paths); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string, paths []string) error {
	v := cm.v
	setDefaults(v, DefaultConfig())

	// Environment variables with SIFT_ prefix, e.g. SIFT_DEFAULTS_MODEL
	v.SetEnvPrefix("SIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Optional keys have no default, so bind them for env lookup.
	_ = v.BindEnv("defaults.seed")
	_ = v.BindEnv("defaults.top_p")

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf key so that env overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("llm_providers", d.LLMProviders)

	v.SetDefault("defaults.llm_provider", d.Defaults.LLMProvider)
	v.SetDefault("defaults.model", d.Defaults.Model)
	v.SetDefault("defaults.temperature", d.Defaults.Temperature)
	v.SetDefault("defaults.num_predict", d.Defaults.NumPredict)
	v.SetDefault("defaults.max_context_len", d.Defaults.MaxContextLen)
	v.SetDefault("defaults.top_k", d.Defaults.TopK)
	v.SetDefault("defaults.max_repair_attempts", d.Defaults.MaxRepairAttempts)
	v.SetDefault("defaults.concurrency", d.Defaults.Concurrency)
	v.SetDefault("defaults.timeout_seconds", d.Defaults.TimeoutSeconds)
	v.SetDefault("defaults.reasoning_model", d.Defaults.ReasoningModel)
	v.SetDefault("defaults.schema_format", d.Defaults.SchemaFormat)

	v.SetDefault("run.runs", d.Run.Runs)
	v.SetDefault("run.run_name", d.Run.RunName)
	v.SetDefault("run.chunk_size", d.Run.ChunkSize)
	v.SetDefault("run.overwrite", d.Run.Overwrite)
	v.SetDefault("run.translate", d.Run.Translate)
	v.SetDefault("run.verbose", d.Run.Verbose)
	v.SetDefault("run.trace", d.Run.Trace)
	v.SetDefault("run.output_dir", d.Run.OutputDir)
	v.SetDefault("run.task_dir", d.Run.TaskDir)
	v.SetDefault("run.data_dir", d.Run.DataDir)
	v.SetDefault("run.log_dir", d.Run.LogDir)
	v.SetDefault("run.translation_dir", d.Run.TranslationDir)
	v.SetDefault("run.prompt_dir", d.Run.PromptDir)

	v.SetDefault("postgres.enabled", d.Postgres.Enabled)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.table", d.Postgres.Table)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the path of the loaded config file, or "" when running
// on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Value returns the raw value for a dotted key such as "defaults.model".
func (cm *Manager) Value(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !cm.v.IsSet(key) {
		return nil, fmt.Errorf("%w: %s is not set", ErrInvalidKey, key)
	}
	return cm.v.Get(key), nil
}

// Keys returns every known config key, sorted.
func (cm *Manager) Keys() []string {
	return cm.v.AllKeys()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. Invalid edits are
// ignored and the previous config stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ValidateKey checks that a config key is made of lowercase letters, digits,
// underscores and dots.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' && r != '.' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRefPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys and base URLs.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		LLMProviders: make(map[string]providers.LLMProviderConfig),
	}

	for name, llm := range c.LLMProviders {
		cfg.LLMProviders[name] = providers.LLMProviderConfig{
			Type:      llm.Type,
			Model:     llm.Model,
			APIKey:    ResolveEnvVars(llm.APIKey),
			BaseURL:   ResolveEnvVars(llm.BaseURL),
			RateLimit: llm.RateLimit,
			Enabled:   llm.Enabled,
		}
	}

	return cfg
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# sift configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx OPENROUTER_API_KEY=xxx GEMINI_API_KEY=xxx
# Any key can be overridden from the environment: SIFT_DEFAULTS_MODEL=phi4

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
