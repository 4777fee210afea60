package config

// AgentConfig controls the dialog loop and run lifecycle.
type AgentConfig struct {
	// TimeoutSeconds caps one entire run.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxIterations caps provider-call/tool-dispatch rounds per run.
	MaxIterations int `yaml:"max_iterations"`

	// IdleResetMinutes clears a session that has been idle longer than this.
	// Zero disables idle reset.
	IdleResetMinutes int `yaml:"idle_reset_minutes"`

	// ContextWindow is the model context size used for the 85% compaction
	// trigger.
	ContextWindow int `yaml:"context_window"`

	// CompactAfterMessages triggers compaction when history exceeds it.
	CompactAfterMessages int `yaml:"compact_after_messages"`

	// NoReplyToken is stripped from replies; a reply that was only this
	// token is suppressed entirely.
	NoReplyToken string `yaml:"no_reply_token"`

	// StreamEvents enables provider streaming and assistant_delta events.
	StreamEvents bool `yaml:"stream_events"`

	// DeltaChunkSize is the post-hoc chunk size when the provider did not
	// stream.
	DeltaChunkSize int `yaml:"delta_chunk_size"`

	// Thinking is the default thinking mode (off, low, medium, high).
	Thinking string `yaml:"thinking"`

	// BulkResetCron, when set, schedules a bulk session reset (cron syntax).
	BulkResetCron string `yaml:"bulk_reset_cron"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		TimeoutSeconds:       300,
		MaxIterations:        20,
		ContextWindow:        200000,
		CompactAfterMessages: 40,
		NoReplyToken:         "NO_REPLY",
		StreamEvents:         true,
		DeltaChunkSize:       220,
		Thinking:             "off",
	}
}

// QueueMode selects how a new inbound message interacts with in-flight and
// queued runs on the same session.
type QueueMode string

const (
	QueueModeQueue        QueueMode = "queue"
	QueueModeCollect      QueueMode = "collect"
	QueueModeSteer        QueueMode = "steer"
	QueueModeFollowup     QueueMode = "followup"
	QueueModeSteerBacklog QueueMode = "steer_backlog"
)

// QueueConfig controls per-session queueing.
type QueueConfig struct {
	Mode            QueueMode `yaml:"mode"`
	Global          bool      `yaml:"global"`
	MaxConcurrency  int       `yaml:"max_concurrency"`
	CollectWindowMS int       `yaml:"collect_window_ms"`
	MaxBacklog      int       `yaml:"max_backlog"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Mode:            QueueModeQueue,
		MaxConcurrency:  4,
		CollectWindowMS: 2000,
		MaxBacklog:      10,
	}
}
