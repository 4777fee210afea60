// Package config defines the typed configuration tree for the miniclaw
// runtime and its YAML loader. Every section has a DefaultX constructor so a
// missing file or section still yields a runnable configuration.
package config

// Config is the root configuration structure.
type Config struct {
	Workspace   string            `yaml:"workspace"`
	Agent       AgentConfig       `yaml:"agent"`
	Queue       QueueConfig       `yaml:"queue"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Tools       ToolsConfig       `yaml:"tools"`
	Hooks       HooksConfig       `yaml:"hooks"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	RunHistory  RunHistoryConfig  `yaml:"run_history"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Distributed DistributedConfig `yaml:"distributed"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Usage       UsageConfig       `yaml:"usage"`
	Compliance  ComplianceConfig  `yaml:"compliance"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the full default configuration tree.
func Default() *Config {
	return &Config{
		Agent:       DefaultAgentConfig(),
		Queue:       DefaultQueueConfig(),
		Providers:   DefaultProvidersConfig(),
		Tools:       DefaultToolsConfig(),
		Hooks:       DefaultHooksConfig(),
		Sessions:    DefaultSessionsConfig(),
		RunHistory:  DefaultRunHistoryConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		Secrets:     DefaultSecretsConfig(),
		Distributed: DefaultDistributedConfig(),
		Alerts:      DefaultAlertsConfig(),
		Usage:       DefaultUsageConfig(),
		Compliance:  DefaultComplianceConfig(),
		Webhook:     DefaultWebhookConfig(),
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}
