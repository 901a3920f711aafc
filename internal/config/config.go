// Package config loads the controller's settings from environment
// variables and an optional YAML file, following the teacher's
// viper-backed Load/applyDefaults/Validate shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentium/controller/internal/planner"
	"github.com/spf13/viper"
)

// LLMConfig names the provider/model/credentials for the live planner.
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	BaseURL      string `mapstructure:"base_url"`
	AnthropicKey string `mapstructure:"anthropic_api_key"`
	OpenAIKey    string `mapstructure:"openai_api_key"`
}

// CloudConfig names the optional GCP project backing internal/obslog and
// internal/secretstore. Empty Project means both fall back to stdout
// logging and env-var secrets respectively.
type CloudConfig struct {
	Project string `mapstructure:"project"`
}

// Config is the controller's full runtime configuration.
type Config struct {
	Port                         int                `mapstructure:"port"`
	LLM                          LLMConfig          `mapstructure:"llm"`
	Cloud                        CloudConfig        `mapstructure:"cloud"`
	Routing                      planner.Routing    `mapstructure:"routing"`
	AgentHeartbeatTimeoutSeconds int                `mapstructure:"agent_heartbeat_timeout_seconds"`
	TaskRetentionHours           int                `mapstructure:"task_retention_hours"`
	AuditDir                     string             `mapstructure:"audit_dir"`
	LogLevel                     string             `mapstructure:"log_level"`
	RateLimit                    RateLimitConfig    `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the REST API's per-client submission limiter
// (internal/security.RateLimiter, kept from the teacher unmodified).
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// Load reads configuration from environment variables (prefixed
// AGENTIUM_) and an optional config file, mirroring the teacher's
// viper.Unmarshal + applyDefaults pattern.
func Load() (*Config, error) {
	viper.SetEnvPrefix("agentium")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindLegacyEnvNames()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalizeRoutingKeys(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// bindLegacyEnvNames binds the bare variable names spec.md section 6.7
// names directly (PORT, LLM_PROVIDER, ...) alongside the viper-prefixed
// AGENTIUM_* forms AutomaticEnv would otherwise require.
func bindLegacyEnvNames() {
	_ = viper.BindEnv("port", "PORT")
	_ = viper.BindEnv("llm.provider", "LLM_PROVIDER")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = viper.BindEnv("llm.anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = viper.BindEnv("llm.openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("cloud.project", "GCP_PROJECT")
	_ = viper.BindEnv("agent_heartbeat_timeout_seconds", "AGENT_HEARTBEAT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("task_retention_hours", "TASK_RETENTION_HOURS")
	_ = viper.BindEnv("audit_dir", "AUDIT_DIR")
	_ = viper.BindEnv("log_level", "LOG_LEVEL")
}

// normalizeRoutingKeys lower-cases routing override keys the same way the
// teacher's config normalized phase names, so a key reads the same whether
// it came from viper's mapstructure decoding (which lowercases map keys)
// or was set directly.
func normalizeRoutingKeys(cfg *Config) {
	if len(cfg.Routing.Overrides) == 0 {
		return
	}
	normalized := make(map[string]planner.ModelOverride, len(cfg.Routing.Overrides))
	for key, val := range cfg.Routing.Overrides {
		normalized[strings.ToLower(key)] = val
	}
	cfg.Routing.Overrides = normalized
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.AgentHeartbeatTimeoutSeconds == 0 {
		cfg.AgentHeartbeatTimeoutSeconds = 60
	}
	if cfg.TaskRetentionHours == 0 {
		cfg.TaskRetentionHours = 168
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = "logs/audit"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

// HeartbeatTimeout returns AgentHeartbeatTimeoutSeconds as a Duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.AgentHeartbeatTimeoutSeconds) * time.Second
}

// TaskRetention returns TaskRetentionHours as a Duration.
func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionHours) * time.Hour
}

// Validate checks invariants Load cannot enforce via defaults alone.
func (c *Config) Validate() error {
	validProviders := map[string]bool{"anthropic": true, "openai": true, "ollama": true}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm provider: %s (must be anthropic, openai, or ollama)", c.LLM.Provider)
	}
	if c.LLM.Provider == "anthropic" && c.LLM.AnthropicKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when llm provider is anthropic")
	}
	if c.LLM.Provider == "openai" && c.LLM.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when llm provider is openai")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.AgentHeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("agent_heartbeat_timeout_seconds must be positive")
	}
	if c.TaskRetentionHours <= 0 {
		return fmt.Errorf("task_retention_hours must be positive")
	}
	return nil
}
