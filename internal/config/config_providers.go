package config

// ProvidersConfig declares the ordered provider candidates and the failover
// policy applied across them.
type ProvidersConfig struct {
	// Model is the default model requested when the inbound message carries
	// no override.
	Model string `yaml:"model"`

	// Candidates are tried in order by the failover wrapper.
	Candidates []ProviderCandidate `yaml:"candidates"`

	Failover FailoverConfig `yaml:"failover"`
}

// ProviderCandidate is one entry in the failover order.
type ProviderCandidate struct {
	Name string `yaml:"name"`
	// Type selects the client: "openai" (any OpenAI-compatible endpoint) or
	// "anthropic".
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RetryPolicy is one backoff schedule.
type RetryPolicy struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
}

// FailoverConfig layers retry policies: Default applies unless a per-provider
// or per-model override matches (model overrides win).
type FailoverConfig struct {
	Default     RetryPolicy            `yaml:"default"`
	PerProvider map[string]RetryPolicy `yaml:"per_provider"`
	PerModel    map[string]RetryPolicy `yaml:"per_model"`
}

func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Model: "claude-sonnet-4-5",
		Failover: FailoverConfig{
			Default: RetryPolicy{
				MaxAttempts:   3,
				BaseBackoffMS: 500,
				MaxBackoffMS:  8000,
			},
		},
	}
}
