package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ridgetop/ridgeline/shared/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
default_provider: anthropic
default_model: claude-sonnet-4
dangerous_mode: true
max_turns: 10
context_budget: 100000
system_prompt: "be brief"
providers:
  anthropic:
    api_key: file-key
  openai:
    api_key: other-key
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider = %q", cfg.DefaultProvider)
	}
	if cfg.DefaultModel != "claude-sonnet-4" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if !cfg.DangerousMode {
		t.Error("DangerousMode should be true")
	}
	if cfg.MaxTurns != 10 || cfg.ContextBudget != 100000 {
		t.Errorf("MaxTurns = %d, ContextBudget = %d", cfg.MaxTurns, cfg.ContextBudget)
	}
	if cfg.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
	}
	if got := cfg.APIKey("anthropic"); got != "file-key" {
		t.Errorf("APIKey(anthropic) = %q", got)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if cfg.Providers == nil {
		t.Error("Providers map should be initialized")
	}
	if cfg.WorkingDir == "" {
		t.Error("WorkingDir should default to the current directory")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "providers: [not a map")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
default_provider: openai
providers:
  anthropic:
    api_key: file-key
`)
	t.Setenv("RIDGELINE_ANTHROPIC_API_KEY", "env-key")
	t.Setenv("RIDGELINE_DEFAULT_PROVIDER", "anthropic")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.APIKey("anthropic"); got != "env-key" {
		t.Errorf("APIKey(anthropic) = %q, want env override", got)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider = %q, want anthropic", cfg.DefaultProvider)
	}
}

func TestEnvProvidesKeyWithoutFile(t *testing.T) {
	t.Setenv("RIDGELINE_GROQ_API_KEY", "gk")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.APIKey("groq"); got != "gk" {
		t.Errorf("APIKey(groq) = %q", got)
	}
}

func TestConfiguredProvidersOrder(t *testing.T) {
	path := writeConfig(t, `
providers:
  google:
    api_key: g
  anthropic:
    api_key: a
  grok:
    api_key: x
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"anthropic", "grok", "google"}
	if diff := cmp.Diff(want, cfg.ConfiguredProviders()); diff != "" {
		t.Errorf("ConfiguredProviders mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBaseURLAndAllowedPaths(t *testing.T) {
	path := writeConfig(t, `
allowed_paths:
  - /srv/projects/
providers:
  openai:
    api_key: k
    base_url: http://proxy.internal/v1/chat/completions
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Providers["openai"].BaseURL; got != "http://proxy.internal/v1/chat/completions" {
		t.Errorf("BaseURL = %q", got)
	}
	if diff := cmp.Diff([]string{"/srv/projects/"}, cfg.AllowedPaths); diff != "" {
		t.Errorf("AllowedPaths mismatch (-want +got):\n%s", diff)
	}
}

func TestAPIKeyUnknownProvider(t *testing.T) {
	cfg := config.Default()
	if got := cfg.APIKey("nope"); got != "" {
		t.Errorf("APIKey(nope) = %q, want empty", got)
	}
}
