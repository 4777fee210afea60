package models

import "time"

// EventKind groups bus event types into families consumers can route on.
type EventKind string

const (
	KindLifecycle  EventKind = "lifecycle"
	KindAssistant  EventKind = "assistant"
	KindTool       EventKind = "tool"
	KindHook       EventKind = "hook"
	KindCompaction EventKind = "compaction"
	KindQueue      EventKind = "queue"
	KindSession    EventKind = "session"
)

// EventType identifies a single bus event.
type EventType string

const (
	// Run lifecycle.
	EventRunStart     EventType = "run_start"
	EventRunEnd       EventType = "run_end"
	EventRunError     EventType = "run_error"
	EventRunCancelled EventType = "run_cancelled"

	// Assistant streaming.
	EventAssistantDelta EventType = "assistant_delta"

	// Tool execution.
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"

	// Hook execution.
	EventHookStart EventType = "hook_start"
	EventHookEnd   EventType = "hook_end"

	// Compaction.
	EventCompactionStart EventType = "compaction_start"
	EventCompactionEnd   EventType = "compaction_end"
	EventCompactionError EventType = "compaction_error"

	// Queue control.
	EventQueueUpdate      EventType = "queue_update"
	EventRunSteer         EventType = "run_steer"
	EventRunSteerApplied  EventType = "run_steer_applied"
	EventApprovalRequired EventType = "approval_required"

	// Session maintenance.
	EventSessionReset EventType = "session_reset"
)

// Event is the unified bus event. Every event carries the discriminator pair
// (Type, Kind) plus run/session identity; type-specific fields are optional
// and forward-compatible (add fields, never rename).
type Event struct {
	Type       EventType `json:"type"`
	Kind       EventKind `json:"kind"`
	RunID      string    `json:"run_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	TS         time.Time `json:"ts"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq,omitempty"`

	// Lifecycle fields.
	Channel     string `json:"channel,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	HasResponse *bool  `json:"has_response,omitempty"`
	Error       string `json:"error,omitempty"`

	// Assistant fields.
	Delta string `json:"delta,omitempty"`
	Index int    `json:"index,omitempty"`

	// Tool fields. Params and Result are sanitized before publication.
	ToolName      string         `json:"tool_name,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	OK            *bool          `json:"ok,omitempty"`
	Result        string         `json:"result,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	BlockedByHook bool           `json:"blocked_by_hook,omitempty"`
	RateLimited   bool           `json:"rate_limited,omitempty"`

	// Hook fields.
	HookEvent string `json:"hook_event,omitempty"`

	// Queue / steer fields.
	Reason             string `json:"reason,omitempty"`
	Mode               string `json:"mode,omitempty"`
	InstructionPreview string `json:"instruction_preview,omitempty"`
	Pending            int    `json:"pending,omitempty"`
	Count              int    `json:"count,omitempty"`

	// Compaction fields.
	SummaryLength int `json:"summary_length,omitempty"`
}

// Terminal reports whether this event closes a run's lifecycle.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventRunEnd, EventRunError, EventRunCancelled:
		return true
	}
	return false
}
