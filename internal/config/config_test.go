package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Defaults.LLMProvider != "ollama" {
		t.Errorf("expected ollama default provider, got %s", cfg.Defaults.LLMProvider)
	}
	if _, ok := cfg.GetLLMProvider(cfg.Defaults.LLMProvider); !ok {
		t.Error("default provider missing from llm_providers")
	}
	if cfg.LLMProviders["openai"].APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected openai API key placeholder")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	badTopP := 1.5
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative temperature", func(c *Config) { c.Defaults.Temperature = -0.1 }},
		{"negative context", func(c *Config) { c.Defaults.MaxContextLen = -1 }},
		{"top_p out of range", func(c *Config) { c.Defaults.TopP = &badTopP }},
		{"negative repair attempts", func(c *Config) { c.Defaults.MaxRepairAttempts = -2 }},
		{"zero runs", func(c *Config) { c.Run.Runs = 0 }},
		{"negative chunk size", func(c *Config) { c.Run.ChunkSize = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})

	t.Run("expands inside a larger string", func(t *testing.T) {
		t.Setenv("TEST_HOST", "db.local")

		result := ResolveEnvVars("postgres://${TEST_HOST}:5432/sift")
		if result != "postgres://db.local:5432/sift" {
			t.Errorf("unexpected expansion: %s", result)
		}
	})
}

func TestToProviderRegistryConfig(t *testing.T) {
	t.Setenv("TEST_OPENROUTER_KEY", "or-key-123")

	cfg := &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"router": {Type: "openrouter", Model: "x/y", APIKey: "${TEST_OPENROUTER_KEY}", RateLimit: 2, Enabled: true},
			"local":  {Type: "ollama", BaseURL: "http://gpu-box:11434", Enabled: true},
		},
	}

	reg := cfg.ToProviderRegistryConfig()
	if got := reg.LLMProviders["router"].APIKey; got != "or-key-123" {
		t.Errorf("expected resolved key, got %s", got)
	}
	if got := reg.LLMProviders["router"].RateLimit; got != 2 {
		t.Errorf("expected rate limit 2, got %v", got)
	}
	if got := reg.LLMProviders["local"].BaseURL; got != "http://gpu-box:11434" {
		t.Errorf("expected base URL carried over, got %s", got)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"defaults.model", "run.chunk_size", "llm_providers.ollama.base_url"}
	for _, k := range valid {
		if err := ValidateKey(k); err != nil {
			t.Errorf("ValidateKey(%q) = %v", k, err)
		}
	}

	invalid := []string{"", ".defaults", "defaults.", "Defaults.Model", "run name"}
	for _, k := range invalid {
		if err := ValidateKey(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
llm_providers:
  local:
    type: ollama
    model: phi3
    enabled: true
defaults:
  llm_provider: local
  temperature: 0.3
  seed: 42
run:
  runs: 2
  chunk_size: 100
`)

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.LLMProviders["local"].Model != "phi3" {
			t.Errorf("expected phi3, got %s", cfg.LLMProviders["local"].Model)
		}
		if cfg.Defaults.LLMProvider != "local" || cfg.Defaults.Temperature != 0.3 {
			t.Errorf("unexpected defaults: %+v", cfg.Defaults)
		}
		if cfg.Defaults.Seed == nil || *cfg.Defaults.Seed != 42 {
			t.Errorf("expected seed 42, got %v", cfg.Defaults.Seed)
		}
		if cfg.Run.Runs != 2 || cfg.Run.ChunkSize != 100 {
			t.Errorf("unexpected run config: %+v", cfg.Run)
		}
		// Keys absent from the file keep their defaults.
		if cfg.Defaults.NumPredict != 512 || cfg.Run.RunName != "run" {
			t.Errorf("defaults not applied: %+v %+v", cfg.Defaults, cfg.Run)
		}
		if mgr.ConfigFile() != configFile {
			t.Errorf("ConfigFile() = %s", mgr.ConfigFile())
		}
	})

	t.Run("runs on defaults without a file", func(t *testing.T) {
		mgr, err := NewManagerWithPaths("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Run.Runs != 5 || cfg.Defaults.MaxRepairAttempts != 3 {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
		if cfg.Defaults.Seed != nil || cfg.Defaults.TopP != nil {
			t.Error("optional sampling values should be unset")
		}
		if mgr.ConfigFile() != "" {
			t.Errorf("ConfigFile() = %s, want empty", mgr.ConfigFile())
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("SIFT_DEFAULTS_MODEL", "phi4")
		t.Setenv("SIFT_RUN_OVERWRITE", "true")
		configFile := writeConfig(t, "defaults:\n  model: mistral-nemo\n")

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Defaults.Model != "phi4" {
			t.Errorf("expected env model phi4, got %s", cfg.Defaults.Model)
		}
		if !cfg.Run.Overwrite {
			t.Error("expected env overwrite=true")
		}
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		configFile := writeConfig(t, "defaults:\n  temperature: -1\n")
		if _, err := NewManager(configFile); err == nil {
			t.Fatal("expected error for negative temperature")
		}
	})

	t.Run("rejects unreadable file", func(t *testing.T) {
		configFile := writeConfig(t, "defaults: [unclosed\n")
		if _, err := NewManager(configFile); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestManager_Value(t *testing.T) {
	configFile := writeConfig(t, "server:\n  port: 9090\n")
	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	v, err := mgr.Value("server.port")
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if v != 9090 {
		t.Errorf("expected 9090, got %v (%T)", v, v)
	}

	if _, err := mgr.Value("server.nope"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for unknown key, got %v", err)
	}
	if _, err := mgr.Value("Server.Port"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for bad key, got %v", err)
	}

	found := false
	for _, k := range mgr.Keys() {
		if k == "run.run_name" {
			found = true
		}
	}
	if !found {
		t.Error("Keys() missing run.run_name")
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "run:\n  runs: 1\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "run:\n  runs: 1\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Call Get concurrently to verify no race conditions
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Run.Runs
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, `
llm_providers:
  local:
    type: ollama
    model: initial
    enabled: true
`)

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if got := mgr.Get().LLMProviders["local"].Model; got != "initial" {
		t.Errorf("initial value mismatch: expected initial, got %s", got)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Value

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(cfg.LLMProviders["local"].Model)
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	newContent := `
llm_providers:
  local:
    type: ollama
    model: updated
    enabled: true
`
	if err := os.WriteFile(configFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	// Wait for the watcher to detect the change (fsnotify is async)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := lastValue.Load().(string); v == "updated" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().LLMProviders["local"].Model; got != "updated" {
		t.Errorf("config not updated: expected updated, got %s", got)
	}
	if v := lastValue.Load(); v != "updated" {
		t.Errorf("callback received wrong value: expected updated, got %v", v)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("written config is not YAML: %v", err)
	}
	if parsed.Defaults.NumPredict != 512 || parsed.LLMProviders["ollama"].Type != "ollama" {
		t.Errorf("unexpected round trip: %+v", parsed)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if mgr.Get().Server.Port != 8080 {
		t.Errorf("unexpected server port: %d", mgr.Get().Server.Port)
	}
}

func TestCompletionOptions(t *testing.T) {
	cfg := DefaultConfig()
	seed := 7
	cfg.Defaults.Seed = &seed
	cfg.Defaults.MaxContextLen = 8192
	cfg.Defaults.TimeoutSeconds = 30

	opts := cfg.CompletionOptions("openai")
	if opts.Model != "gpt-4o-mini" {
		t.Errorf("Model = %s, want provider model", opts.Model)
	}
	if opts.MaxTokens != 512 || opts.ContextLength != 8192 || opts.Timeout != 30*time.Second {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.Seed == nil || *opts.Seed != 7 {
		t.Errorf("Seed = %v, want 7", opts.Seed)
	}

	cfg.Defaults.Model = "override"
	if got := cfg.CompletionOptions("openai").Model; got != "override" {
		t.Errorf("Model = %s, want override", got)
	}
	if got := cfg.ModelFor("unknown"); got != "override" {
		t.Errorf("ModelFor(unknown) = %s", got)
	}
}

func TestRepairConfig(t *testing.T) {
	tests := []struct {
		attempts int
		want     int
	}{
		{0, -1},
		{1, 1},
		{3, 3},
	}
	for _, tt := range tests {
		got := DefaultsCfg{MaxRepairAttempts: tt.attempts}.RepairConfig()
		if got.MaxAttempts != tt.want {
			t.Errorf("RepairConfig(%d).MaxAttempts = %d, want %d", tt.attempts, got.MaxAttempts, tt.want)
		}
	}
}
