// Package config loads and validates Atlas configuration.
// Config is read from .atlas/config.yaml (or a JSON equivalent), with
// environment variables overriding file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Atlas configuration.
type Config struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// LLM provider mappings: provider name -> settings.
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	// DefaultProvider selects which provider to use when several have keys.
	DefaultProvider string `yaml:"default_provider" json:"default_provider"`

	Planner  PlannerConfig  `yaml:"planner" json:"planner"`
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Verify   VerifyConfig   `yaml:"verify" json:"verify"`
	Regen    RegenConfig    `yaml:"regen" json:"regen"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ProviderConfig configures a single LLM provider endpoint.
type ProviderConfig struct {
	Model   string   `yaml:"model" json:"model"`
	BaseURL string   `yaml:"base_url" json:"base_url"`
	APIKeys []string `yaml:"api_keys" json:"api_keys"` // rotated round-robin
	Timeout string   `yaml:"timeout" json:"timeout"`
}

// TimeoutDuration parses the provider timeout, defaulting to 120s.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// PlannerConfig bounds goal decomposition.
type PlannerConfig struct {
	MaxDepth    int `yaml:"max_depth" json:"max_depth"`
	MaxFanOut   int `yaml:"max_fan_out" json:"max_fan_out"`
	MaxSubtasks int `yaml:"max_subtasks" json:"max_subtasks"`
}

// ExecutorConfig bounds plan execution.
type ExecutorConfig struct {
	MaxWorkers  int    `yaml:"max_workers" json:"max_workers"`
	MaxAPISlots int    `yaml:"max_api_slots" json:"max_api_slots"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff string `yaml:"base_backoff" json:"base_backoff"`

	// Strategies maps a task category to its ordered strategy ladder.
	// Empty categories fall back to DefaultStrategyLadder.
	Strategies map[string][]string `yaml:"strategies" json:"strategies"`
}

// BackoffDuration parses the base backoff, defaulting to 1s.
func (e ExecutorConfig) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(e.BaseBackoff)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// VerifyConfig bounds the verification loop.
type VerifyConfig struct {
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	UseLLMJudge   bool    `yaml:"use_llm_judge" json:"use_llm_judge"`
}

// RegenConfig controls sandboxed tool regeneration.
type RegenConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ToolDir     string `yaml:"tool_dir" json:"tool_dir"`
	ExecTimeout string `yaml:"exec_timeout" json:"exec_timeout"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
}

// ExecTimeoutDuration parses the sandbox timeout, defaulting to 10s.
func (r RegenConfig) ExecTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.ExecTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// LoggingConfig configures the logging package.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// DefaultStrategyLadder is used for categories without a configured ladder.
var DefaultStrategyLadder = []string{"direct_tool", "llm_compose", "decompose_further", "regenerate_tool"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "Atlas",
		Version: "1.0.0",

		Providers: map[string]ProviderConfig{
			"openai": {
				Model:   "gpt-4o",
				BaseURL: "https://api.openai.com/v1",
				Timeout: "120s",
			},
			"anthropic": {
				Model:   "claude-sonnet-4-20250514",
				BaseURL: "https://api.anthropic.com/v1",
				Timeout: "120s",
			},
			"gemini": {
				Model:   "gemini-2.0-flash",
				Timeout: "120s",
			},
			"groq": {
				Model:   "llama-3.3-70b-versatile",
				BaseURL: "https://api.groq.com/openai/v1",
				Timeout: "60s",
			},
			"mistral": {
				Model:   "mistral-large-latest",
				BaseURL: "https://api.mistral.ai/v1",
				Timeout: "60s",
			},
		},

		Planner: PlannerConfig{
			MaxDepth:    3,
			MaxFanOut:   6,
			MaxSubtasks: 24,
		},

		Executor: ExecutorConfig{
			MaxWorkers:  4,
			MaxAPISlots: 2,
			MaxAttempts: 3,
			BaseBackoff: "1s",
			Strategies: map[string][]string{
				"research":      {"direct_tool", "llm_compose", "decompose_further"},
				"automation":    {"direct_tool", "regenerate_tool", "llm_compose"},
				"communication": {"direct_tool", "llm_compose"},
				"analysis":      {"llm_compose", "direct_tool", "decompose_further"},
				"general":       DefaultStrategyLadder,
			},
		},

		Verify: VerifyConfig{
			MaxRetries:    3,
			MinConfidence: 0.6,
			UseLLMJudge:   true,
		},

		Regen: RegenConfig{
			Enabled:     true,
			ToolDir:     ".atlas/tools",
			ExecTimeout: "10s",
			MaxAttempts: 2,
		},

		Store: StoreConfig{
			DatabasePath: ".atlas/atlas.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".atlas", "config.yaml")
}

// Load reads config from the given path, layering file values over defaults
// and environment overrides over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyVars maps provider names to the env var carrying their API key.
var envKeyVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"groq":      "GROQ_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
}

// applyEnvOverrides layers environment variables over file values.
// An env API key is prepended so it wins rotation order.
func (c *Config) applyEnvOverrides() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for provider, envVar := range envKeyVars {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		pc := c.Providers[provider]
		if !containsKey(pc.APIKeys, key) {
			pc.APIKeys = append([]string{key}, pc.APIKeys...)
		}
		c.Providers[provider] = pc
	}

	if p := os.Getenv("ATLAS_PROVIDER"); p != "" {
		c.DefaultProvider = p
	}
	if path := os.Getenv("ATLAS_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if os.Getenv("ATLAS_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// ActiveProvider returns the provider to use and its config.
// Priority: explicit default_provider (if it has a key) > first provider with
// a key in fixed precedence order. Providers without keys are skipped, which
// is how a missing API key disables a provider.
func (c *Config) ActiveProvider() (string, ProviderConfig, error) {
	if c.DefaultProvider != "" {
		if pc, ok := c.Providers[c.DefaultProvider]; ok && len(pc.APIKeys) > 0 {
			return c.DefaultProvider, pc, nil
		}
	}

	// Fixed precedence so selection is deterministic.
	for _, name := range []string{"anthropic", "openai", "gemini", "groq", "mistral"} {
		if pc, ok := c.Providers[name]; ok && len(pc.APIKeys) > 0 {
			return name, pc, nil
		}
	}

	return "", ProviderConfig{}, fmt.Errorf(
		"no API key found; configure %s or set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, GROQ_API_KEY, MISTRAL_API_KEY",
		DefaultPath("."))
}

// EnabledProviders returns the names of providers that have at least one key.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range []string{"anthropic", "openai", "gemini", "groq", "mistral"} {
		if pc, ok := c.Providers[name]; ok && len(pc.APIKeys) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks limits for sanity.
func (c *Config) Validate() error {
	if c.Planner.MaxDepth < 1 {
		return fmt.Errorf("planner.max_depth must be >= 1, got %d", c.Planner.MaxDepth)
	}
	if c.Planner.MaxFanOut < 1 {
		return fmt.Errorf("planner.max_fan_out must be >= 1, got %d", c.Planner.MaxFanOut)
	}
	if c.Executor.MaxWorkers < 1 {
		return fmt.Errorf("executor.max_workers must be >= 1, got %d", c.Executor.MaxWorkers)
	}
	if c.Executor.MaxAPISlots < 1 {
		return fmt.Errorf("executor.max_api_slots must be >= 1, got %d", c.Executor.MaxAPISlots)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be >= 1, got %d", c.Executor.MaxAttempts)
	}
	if c.Verify.MinConfidence < 0 || c.Verify.MinConfidence > 1 {
		return fmt.Errorf("verify.min_confidence must be in [0,1], got %f", c.Verify.MinConfidence)
	}
	return nil
}

// Save writes the config as YAML to the given path, creating directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// StrategyLadder returns the configured ladder for a category, falling back
// to the default ladder.
func (c *Config) StrategyLadder(category string) []string {
	if ladder, ok := c.Executor.Strategies[category]; ok && len(ladder) > 0 {
		return ladder
	}
	return DefaultStrategyLadder
}
