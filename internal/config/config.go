// Package config loads runtime configuration from famulus.toml with
// FAMULUS_* env overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Cheap     ModelConfig     `toml:"cheap"`
	Routing   ModelConfig     `toml:"routing"`
	Database  DatabaseConfig  `toml:"database"`
	Agent     AgentConfig     `toml:"agent"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Workers   WorkersConfig   `toml:"workers"`
	Observer  ObserverConfig  `toml:"observer"`
	Server    ServerConfig    `toml:"server"`
}

// LLMConfig names the main model. RPM/TPM of 0 disables rate limiting.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	RPM      int    `toml:"rpm"`
	TPM      int    `toml:"tpm"`
}

// ModelConfig names an auxiliary model (cheap summarization/routing tiers).
// Empty fields fall back to the main LLM config.
type ModelConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	Path   string `toml:"path"` // sqlite file
	DSN    string `toml:"dsn"`  // postgres connection string
}

type AgentConfig struct {
	WorkspacePath      string  `toml:"workspace_path"`
	SkillsDir          string  `toml:"skills_dir"`
	UserInstructions   string  `toml:"user_instructions"`
	MaxSteps           int     `toml:"max_steps"`
	ReflectionInterval int     `toml:"reflection_interval"`
	ThinkingBudget     int     `toml:"thinking_budget"`
	ContextWindow      int     `toml:"context_window"`
	CompressThreshold  float64 `toml:"compress_threshold"`
}

type SchedulerConfig struct {
	Timezone    string `toml:"timezone"`
	PollSeconds int    `toml:"poll_seconds"`
	FilesRoot   string `toml:"files_root"`
}

type WorkersConfig struct {
	Count             int `toml:"count"`
	MaxRuntimeSeconds int `toml:"max_runtime_seconds"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input      float64 `toml:"input"`
	Output     float64 `toml:"output"`
	CacheRead  float64 `toml:"cache_read"`
	CacheWrite float64 `toml:"cache_write"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4.1"},
		Cheap:    ModelConfig{Model: "gpt-4.1-mini"},
		Routing:  ModelConfig{Model: "gpt-4.1-nano"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "famulus.db"},
		Agent: AgentConfig{
			WorkspacePath:      filepath.Join(home, "famulus-workspace"),
			SkillsDir:          filepath.Join(home, "famulus-workspace", "skills"),
			MaxSteps:           100,
			ReflectionInterval: 5,
			ThinkingBudget:     4096,
			ContextWindow:      200_000,
			CompressThreshold:  0.70,
		},
		Scheduler: SchedulerConfig{
			Timezone:    "Europe/Warsaw",
			PollSeconds: 30,
			FilesRoot:   filepath.Join(home, "famulus-workspace", "scheduled"),
		},
		Workers: WorkersConfig{Count: 4, MaxRuntimeSeconds: 1800},
		Server:  ServerConfig{Addr: "127.0.0.1:8321"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "famulus.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("FAMULUS_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("FAMULUS_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("FAMULUS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FAMULUS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("FAMULUS_CHEAP_MODEL"); v != "" {
		cfg.Cheap.Model = v
	}
	if v := os.Getenv("FAMULUS_ROUTING_MODEL"); v != "" {
		cfg.Routing.Model = v
	}
	if v := os.Getenv("FAMULUS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FAMULUS_DB_DSN"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FAMULUS_WORKSPACE"); v != "" {
		cfg.Agent.WorkspacePath = v
	}
	if v := os.Getenv("FAMULUS_SKILLS_DIR"); v != "" {
		cfg.Agent.SkillsDir = v
	}
	if v := os.Getenv("FAMULUS_TIMEZONE"); v != "" {
		cfg.Scheduler.Timezone = v
	}
	if v := os.Getenv("FAMULUS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("FAMULUS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FAMULUS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks: auxiliary tiers inherit the main provider credentials.
	fillModel(&cfg.Cheap, cfg.LLM)
	fillModel(&cfg.Routing, cfg.LLM)

	return cfg
}

func fillModel(m *ModelConfig, main LLMConfig) {
	if m.Provider == "" {
		m.Provider = main.Provider
	}
	if m.Model == "" {
		m.Model = main.Model
	}
	if m.APIKey == "" {
		m.APIKey = main.APIKey
	}
	if m.BaseURL == "" {
		m.BaseURL = main.BaseURL
	}
}
