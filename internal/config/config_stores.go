package config

// SessionsConfig controls the JSONL session store.
type SessionsConfig struct {
	// Dir is the global sessions directory. Empty resolves to
	// <state_dir>/sessions at startup.
	Dir string `yaml:"dir"`
}

func DefaultSessionsConfig() SessionsConfig { return SessionsConfig{} }

// RunHistoryConfig controls the append-only run archive.
type RunHistoryConfig struct {
	Path       string `yaml:"path"`
	MaxRecords int    `yaml:"max_records"`
}

func DefaultRunHistoryConfig() RunHistoryConfig {
	return RunHistoryConfig{MaxRecords: 500}
}

// RateLimitConfig configures the per-user token buckets.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	MessageCapacity int     `yaml:"message_capacity"`
	MessageRefill   float64 `yaml:"message_refill_per_sec"`

	ToolCapacity int     `yaml:"tool_capacity"`
	ToolRefill   float64 `yaml:"tool_refill_per_sec"`

	// PersistPath saves bucket state across restarts (flock-protected).
	PersistPath string `yaml:"persist_path"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessageCapacity: 20,
		MessageRefill:   0.5,
		ToolCapacity:    60,
		ToolRefill:      2,
	}
}

// SecretsConfig selects the secret-store backend.
type SecretsConfig struct {
	// Backend is "auto", "keychain", or "file". Auto tries the OS keychain
	// and falls back to the encrypted file.
	Backend string `yaml:"backend"`
	// FilePath is the encrypted secret file. Empty resolves to
	// <state_dir>/secrets.enc.
	FilePath string `yaml:"file_path"`
	// KeyFilePath is the per-install master key file used when the
	// MINICLAW_SECRETS_MASTER_KEY env var is unset.
	KeyFilePath string `yaml:"key_file_path"`
}

func DefaultSecretsConfig() SecretsConfig { return SecretsConfig{Backend: "auto"} }

// DistributedConfig configures the file-locked node/task store.
type DistributedConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StatePath string `yaml:"state_path"`

	NodeID       string   `yaml:"node_id"`
	Capabilities []string `yaml:"capabilities"`
	Address      string   `yaml:"address"`

	// AllowedPeers lists node ids accepted by register_node besides the
	// local node.
	AllowedPeers []string `yaml:"allowed_peers"`

	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`
	MaxTasks                int `yaml:"max_tasks"`
}

func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		HeartbeatTimeoutSeconds: 30,
		MaxTasks:                1000,
	}
}

// AlertsConfig configures alert emission.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`

	// DedupWindowSeconds suppresses repeat alerts for the same
	// (kind, subject).
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`

	// ErrorBurstThreshold fires an alert when this many run errors land
	// within ErrorBurstWindowSeconds.
	ErrorBurstThreshold     int `yaml:"error_burst_threshold"`
	ErrorBurstWindowSeconds int `yaml:"error_burst_window_seconds"`

	// HealthPollCron schedules provider health polls (cron syntax).
	HealthPollCron string `yaml:"health_poll_cron"`
}

func DefaultAlertsConfig() AlertsConfig {
	return AlertsConfig{
		DedupWindowSeconds:      300,
		ErrorBurstThreshold:     5,
		ErrorBurstWindowSeconds: 120,
	}
}

// UsageConfig configures the token/cost ledger.
type UsageConfig struct {
	Path string `yaml:"path"`
	// Costs maps model-name prefixes to per-million-token USD prices.
	Costs map[string]ModelCost `yaml:"costs"`
}

// ModelCost is the per-million-token price pair for one model family.
type ModelCost struct {
	PromptUSD     float64 `yaml:"prompt_usd"`
	CompletionUSD float64 `yaml:"completion_usd"`
}

func DefaultUsageConfig() UsageConfig { return UsageConfig{} }

// ComplianceConfig controls retention, export, and purge.
type ComplianceConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

func DefaultComplianceConfig() ComplianceConfig { return ComplianceConfig{} }

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
	// Headers lists accepted signature header names.
	Headers             []string `yaml:"headers"`
	ReplayWindowSeconds int      `yaml:"replay_window_seconds"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Headers:             []string{"X-Miniclaw-Signature", "X-Hub-Signature-256"},
		ReplayWindowSeconds: 300,
	}
}
