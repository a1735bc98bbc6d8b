// Package config loads the controller's configuration: a controller.json
// file for structural defaults, overlaid with environment variables (§6.7)
// that always win when set.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// Config is the controller's fully resolved configuration. Fields carry
// both a json tag (for controller.json) and an envconfig tag (for the §6.7
// environment overlay); envconfig.Process only touches a field when the
// corresponding variable is actually set, so calling it after the JSON
// load naturally gives env vars the last word.
type Config struct {
	Port                         int    `json:"port" envconfig:"PORT"`
	LLMProvider                  string `json:"llm_provider" envconfig:"LLM_PROVIDER"`
	AnthropicAPIKey              string `json:"-" envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey                 string `json:"-" envconfig:"OPENAI_API_KEY"`
	AgentHeartbeatTimeoutSeconds int    `json:"agent_heartbeat_timeout_seconds" envconfig:"AGENT_HEARTBEAT_TIMEOUT_SECONDS"`
	TaskRetentionHours           int    `json:"task_retention_hours" envconfig:"TASK_RETENTION_HOURS"`
	LogLevel                     string `json:"log_level" envconfig:"LOG_LEVEL"`
	DataRoot                     string `json:"data_root" envconfig:"DATA_ROOT"`
}

// Defaults matching §6.7's stated defaults.
const (
	DefaultPort                         = 8080
	DefaultAgentHeartbeatTimeoutSeconds = 60
	DefaultTaskRetentionHours           = 168
	DefaultLogLevel                     = "info"
	DefaultDataRoot                     = "./data"
)

// GenerateDefault returns a Config with every §6.7 default applied.
func GenerateDefault() *Config {
	return &Config{
		Port:                         DefaultPort,
		LLMProvider:                  "stub",
		AgentHeartbeatTimeoutSeconds: DefaultAgentHeartbeatTimeoutSeconds,
		TaskRetentionHours:           DefaultTaskRetentionHours,
		LogLevel:                     DefaultLogLevel,
		DataRoot:                     DefaultDataRoot,
	}
}

// LoadFromFile loads a controller.json file over GenerateDefault(). A
// missing file is not an error: LoadFromFile returns the defaults unchanged,
// and callers apply the environment overlay regardless.
func LoadFromFile(path string) (*Config, error) {
	cfg := GenerateDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays §6.7's environment variables onto cfg; env wins over
// whatever the file (or the defaults) set, since envconfig.Process leaves a
// field untouched when its variable is unset.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("config: reading environment: %w", err)
	}
	return nil
}

// Load reads controller.json (if present) and applies the environment
// overlay, the merge order §6.7 and the AMBIENT STACK config section
// specify.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.AgentHeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("config: agent_heartbeat_timeout_seconds must be positive, got %d", c.AgentHeartbeatTimeoutSeconds)
	}
	if c.TaskRetentionHours <= 0 {
		return fmt.Errorf("config: task_retention_hours must be positive, got %d", c.TaskRetentionHours)
	}
	switch c.LLMProvider {
	case "stub", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm_provider %q (want stub, anthropic, or openai)", c.LLMProvider)
	}
	if c.LLMProvider == "anthropic" && c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: llm_provider=anthropic requires ANTHROPIC_API_KEY")
	}
	if c.LLMProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: llm_provider=openai requires OPENAI_API_KEY")
	}
	return nil
}

// SaveToFile writes cfg to path as indented JSON with 0600 permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
