package config

import (
	"time"

	"github.com/aegisproxy/aegis/internal/policy"
	"github.com/aegisproxy/aegis/internal/upstream"
)

// Config is the top-level Aegis configuration.
type Config struct {
	Environment string `yaml:"environment"` // development, production
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`

	Server        ServerConfig                   `yaml:"server"`
	Servers       map[string]upstream.LaunchSpec `yaml:"mcpServers"`
	Policies      []PolicyConfig                 `yaml:"policies"`
	LLM           LLMConfig                      `yaml:"llm"`
	Cache         CacheConfig                    `yaml:"cache"`
	Security      SecurityConfig                 `yaml:"security"`
	Audit         AuditConfig                    `yaml:"audit"`
	Notifications NotificationsConfig            `yaml:"notifications"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORS            bool          `yaml:"cors"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	SessionIdle     time.Duration `yaml:"session_idle"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, anthropic, mock
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PolicyConfig seeds one catalog entry at startup. The id makes reloads
// idempotent; entries without one get a generated id on every load.
type PolicyConfig struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Body       string             `yaml:"body"`
	Priority   int                `yaml:"priority"`
	Tags       []string           `yaml:"tags"`
	Status     string             `yaml:"status"`
	Conditions *policy.Conditions `yaml:"conditions"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

type SecurityConfig struct {
	SecretKey        string              `yaml:"secret_key"`
	AIThreshold      float64             `yaml:"ai_threshold"`
	ConflictStrategy string              `yaml:"conflict_strategy"` // priority, strict, permissive, consensus
	GeoRegions       map[string][]string `yaml:"geo_regions"`       // region name -> CIDRs
}

type AuditConfig struct {
	LearningStream bool `yaml:"learning_stream"`
}

type NotificationsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup (stdio transport, mock-free but keyless LLM, local data dir).
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		DataDir:     "./data",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            3000,
			DecisionTimeout: 30 * time.Second,
			SessionIdle:     time.Hour,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Temperature: 0.3,
			MaxTokens:   4096,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1000,
			TTL:     5 * time.Minute,
		},
		Security: SecurityConfig{
			AIThreshold:      0.8,
			ConflictStrategy: "priority",
		},
	}
}
