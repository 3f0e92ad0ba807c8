package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Agent.MaxSteps != 100 || cfg.Agent.CompressThreshold != 0.70 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Scheduler.Timezone != "Europe/Warsaw" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("workers = %d", cfg.Workers.Count)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "famulus.toml")
	content := `
[llm]
provider = "openrouter"
model = "deepseek-chat"
api_key = "sk-test"

[database]
driver = "postgres"
dsn = "postgres://localhost/famulus"

[workers]
count = 2

[observer]
enabled = true

[observer.pricing.deepseek-chat]
input = 0.30
output = 1.20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := Load(path)
	if cfg.LLM.Provider != "openrouter" || cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN == "" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Workers.Count != 2 {
		t.Errorf("workers = %d", cfg.Workers.Count)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
	if p, ok := cfg.Observer.Pricing["deepseek-chat"]; !ok || p.Input != 0.30 {
		t.Errorf("pricing = %+v", cfg.Observer.Pricing)
	}
	// Unset sections keep their defaults.
	if cfg.Agent.MaxSteps != 100 {
		t.Errorf("max steps = %d", cfg.Agent.MaxSteps)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "famulus.toml")
	if err := os.WriteFile(path, []byte("[llm]\nmodel = \"from-file\"\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("FAMULUS_LLM_MODEL", "from-env")
	t.Setenv("FAMULUS_WORKERS", "8")
	t.Setenv("FAMULUS_TIMEZONE", "Asia/Tokyo")

	cfg := Load(path)
	if cfg.LLM.Model != "from-env" {
		t.Errorf("model = %q, want env override", cfg.LLM.Model)
	}
	if cfg.Workers.Count != 8 {
		t.Errorf("workers = %d", cfg.Workers.Count)
	}
	if cfg.Scheduler.Timezone != "Asia/Tokyo" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
}

func TestDSNEnvFlipsDriver(t *testing.T) {
	t.Setenv("FAMULUS_DB_DSN", "postgres://localhost/test")
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres when a DSN is set", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "postgres://localhost/test" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
}

func TestAuxiliaryTiersInheritCredentials(t *testing.T) {
	t.Setenv("FAMULUS_LLM_API_KEY", "sk-main")
	t.Setenv("FAMULUS_LLM_BASE_URL", "https://api.example.com/v1")
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))

	if cfg.Cheap.APIKey != "sk-main" || cfg.Routing.APIKey != "sk-main" {
		t.Errorf("api keys = %q/%q", cfg.Cheap.APIKey, cfg.Routing.APIKey)
	}
	if cfg.Cheap.BaseURL != cfg.LLM.BaseURL {
		t.Errorf("base url = %q", cfg.Cheap.BaseURL)
	}
	// Models stay tier-specific.
	if cfg.Cheap.Model != "gpt-4.1-mini" || cfg.Routing.Model != "gpt-4.1-nano" {
		t.Errorf("models = %q/%q", cfg.Cheap.Model, cfg.Routing.Model)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.LLM.Provider != "openai" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
}
