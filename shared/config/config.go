package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderNames are the providers the config recognizes, in registration
// order.
var ProviderNames = []string{"anthropic", "openai", "grok", "groq", "google"}

type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the vendor's default endpoint, for gateways and
	// proxies. Empty uses the built-in URL.
	BaseURL string `yaml:"base_url"`
}

// Config is the application configuration. Every provider's API key can be
// overridden by a RIDGELINE_<PROVIDER>_API_KEY environment variable, which
// takes precedence over the file.
type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	DefaultModel    string                    `yaml:"default_model"`
	DangerousMode   bool                      `yaml:"dangerous_mode"`
	WorkingDir      string                    `yaml:"working_dir"`
	SystemPrompt    string                    `yaml:"system_prompt"`
	MaxTurns        int                       `yaml:"max_turns"`
	ContextBudget   int                       `yaml:"context_budget"`
	AllowedPaths    []string                  `yaml:"allowed_paths"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

func Default() *Config {
	return &Config{
		Providers: make(map[string]ProviderConfig),
	}
}

// Load reads the YAML config at path and applies environment overrides. A
// missing file is not an error; the result is then defaults plus whatever
// the environment provides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
	}

	cfg.applyEnv()

	if cfg.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDir = wd
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for _, name := range ProviderNames {
		key := os.Getenv("RIDGELINE_" + strings.ToUpper(name) + "_API_KEY")
		if key == "" {
			continue
		}
		pc := c.Providers[name]
		pc.APIKey = key
		c.Providers[name] = pc
	}
	if p := os.Getenv("RIDGELINE_DEFAULT_PROVIDER"); p != "" {
		c.DefaultProvider = p
	}
}

// APIKey returns the configured key for a provider, empty when absent.
func (c *Config) APIKey(provider string) string {
	return c.Providers[provider].APIKey
}

// ConfiguredProviders lists the providers that have a key, preserving
// ProviderNames order.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	for _, name := range ProviderNames {
		if c.Providers[name].APIKey != "" {
			out = append(out, name)
		}
	}
	return out
}
