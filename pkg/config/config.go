// Package config loads the service configuration: a YAML file with
// {{.ENV_VAR}} template expansion, merged over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
}

// BudgetConfig sets the process-wide token budget.
type BudgetConfig struct {
	TotalTokens      int     `yaml:"total_tokens"`
	WarningRatio     float64 `yaml:"warning_ratio"`
	AgentTokenBudget int     `yaml:"agent_token_budget"`
}

// OrchestratorConfig tunes the pipeline.
type OrchestratorConfig struct {
	RequireApproval      bool          `yaml:"require_approval"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	ReserveAnalyze       int           `yaml:"reserve_analyze"`
	ReservePlan          int           `yaml:"reserve_plan"`
	ReserveGenerate      int           `yaml:"reserve_generate"`
	CostPerMillionTokens float64       `yaml:"cost_per_million_tokens"`
	MaxRetries           int           `yaml:"max_retries"`
}

// GateConfig tunes the release gate. A negative coverage threshold
// selects the gate's built-in default.
type GateConfig struct {
	CoverageThreshold float64  `yaml:"coverage_threshold"`
	SkipChecks        []string `yaml:"skip_checks"`
}

// SignerConfig locates the signing key material.
type SignerConfig struct {
	KeyDir string `yaml:"key_dir"`
}

// StoreConfig locates the task store.
type StoreConfig struct {
	Dir           string        `yaml:"dir"`
	CleanupMaxAge time.Duration `yaml:"cleanup_max_age"`
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // "gemini" or "stub"
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
	Temperature     float32 `yaml:"temperature"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// Config is the umbrella configuration object.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Budget       BudgetConfig       `yaml:"budget"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gate         GateConfig         `yaml:"gate"`
	Signer       SignerConfig       `yaml:"signer"`
	Store        StoreConfig        `yaml:"store"`
	LLM          LLMConfig          `yaml:"llm"`
	Events       EventsConfig       `yaml:"events"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			WSWriteTimeout:  5 * time.Second,
		},
		Budget: BudgetConfig{
			TotalTokens:  2_000_000,
			WarningRatio: 0.8,
		},
		Orchestrator: OrchestratorConfig{
			RequireApproval: true,
			ApprovalTimeout: 5 * time.Minute,
		},
		Gate: GateConfig{
			CoverageThreshold: -1,
		},
		Signer: SignerConfig{KeyDir: "data/keys"},
		Store: StoreConfig{
			Dir:           "data/tasks",
			CleanupMaxAge: 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
		},
		Events: EventsConfig{MaxHistory: 1000},
	}
}

// Load reads the YAML file at path, expands {{.ENV_VAR}} references, and
// merges it over the defaults. An empty path returns the defaults with
// environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}

		// Unmarshalling into the pre-populated struct keeps defaults for
		// absent fields while letting the file set explicit false/zero.
		if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the most commonly overridden settings come from
// the environment without a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FORGE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("FORGE_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Budget.TotalTokens <= 0 {
		problems = append(problems, "budget.total_tokens must be positive")
	}
	if c.Budget.WarningRatio < 0 || c.Budget.WarningRatio > 1 {
		problems = append(problems, "budget.warning_ratio must be within [0, 1]")
	}
	switch c.LLM.Provider {
	case "gemini", "stub":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q unknown", c.LLM.Provider))
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		problems = append(problems, "llm.api_key required for the gemini provider")
	}
	if c.Signer.KeyDir == "" {
		problems = append(problems, "signer.key_dir must not be empty")
	}
	if c.Store.Dir == "" {
		problems = append(problems, "store.dir must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
