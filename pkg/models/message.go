// Package models provides the shared domain types of the miniclaw agent core:
// inbound/outbound messages, session records, run states, tool calls, and the
// unified bus event family.
package models

import (
	"strings"
	"time"
)

// InboundMessage is an immutable request arriving from a channel adapter.
type InboundMessage struct {
	// Channel is the source channel tag ("telegram", "cli", "webhook", ...).
	Channel string `json:"channel"`

	// SenderID identifies the individual sender (preserved in group chats).
	SenderID string `json:"sender_id"`

	// ChatID identifies the conversation on the channel.
	ChatID string `json:"chat_id"`

	// Content is the message text.
	Content string `json:"content"`

	// Media holds local file paths of attachments.
	Media []string `json:"media,omitempty"`

	// Metadata carries free-form channel hints. Recognized keys:
	// "session_key" (session override), "message_id", "model_override".
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is when the message was received.
	Timestamp time.Time `json:"timestamp"`
}

// SessionKey returns the session key for this message: the metadata override
// when present, otherwise "channel:chat_id".
func (m *InboundMessage) SessionKey() string {
	if m.Metadata != nil {
		if key := strings.TrimSpace(m.Metadata["session_key"]); key != "" {
			return key
		}
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`

	// ReplyTo optionally names the inbound message id this replies to.
	ReplyTo string `json:"reply_to,omitempty"`

	// Control carries out-of-band channel directives such as "typing_start"
	// and "typing_stop" instead of user-visible content.
	Control string `json:"control,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Control directive values for OutboundMessage.Control.
const (
	ControlTypingStart = "typing_start"
	ControlTypingStop  = "typing_stop"
)

// Role identifies the author of a session message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one record on a session timeline.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage accumulates token counts across the provider calls of a run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
