// Package sessions implements the JSONL-backed conversation store.
//
// Each session lives in one file named <workspace_scope>__<safe_key>.jsonl in
// a global sessions directory; the scope is a short hash of the workspace
// path so multiple workspaces share the directory without collisions. The
// first line of a file is a metadata record, followed by one message record
// per line. Writes are atomic (temp file, fsync, rename) with a .bak of the
// previous generation kept for crash recovery.
package sessions

import (
	"time"

	"github.com/miniclaw/miniclaw/pkg/models"
)

// Session is one conversation thread.
type Session struct {
	SessionKey string           `json:"session_key"`
	Messages   []models.Message `json:"-"`

	// Summary holds compaction output and is prepended to later prompts.
	Summary string `json:"summary,omitempty"`

	// Metadata carries thinking mode, last-run snapshots, and reset markers.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns an empty session for key.
func NewSession(key string) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionKey: key,
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddMessage appends a message and bumps UpdatedAt.
func (s *Session) AddMessage(role models.Role, content string) {
	s.Messages = append(s.Messages, models.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// AddAssistantToolCalls appends an assistant message carrying tool calls.
func (s *Session) AddAssistantToolCalls(content string, calls []models.ToolCall) {
	s.Messages = append(s.Messages, models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// AddToolResult appends a tool-role message answering call id.
func (s *Session) AddToolResult(callID, content string) {
	s.Messages = append(s.Messages, models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: callID,
		Timestamp:  time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// Clear wipes history, summary, and metadata, stamping the given markers.
func (s *Session) Clear(markers map[string]any) {
	s.Messages = nil
	s.Summary = ""
	s.Metadata = map[string]any{}
	for k, v := range markers {
		s.Metadata[k] = v
	}
	s.UpdatedAt = time.Now().UTC()
}

// IdleExpired reports whether the session has been idle longer than the
// given number of minutes. Zero disables idle expiry.
func (s *Session) IdleExpired(idleMinutes int, now time.Time) bool {
	if idleMinutes <= 0 {
		return false
	}
	return now.Sub(s.UpdatedAt) > time.Duration(idleMinutes)*time.Minute
}

// SetLastRun stores a snapshot of the most recent run on the session.
func (s *Session) SetLastRun(snapshot map[string]any) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["last_run"] = snapshot
	s.UpdatedAt = time.Now().UTC()
}

// ThinkingMode returns the persisted thinking mode, if any.
func (s *Session) ThinkingMode() string {
	if v, ok := s.Metadata["thinking"].(string); ok {
		return v
	}
	return ""
}

// SetThinkingMode persists the thinking mode on session metadata.
func (s *Session) SetThinkingMode(mode string) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["thinking"] = mode
	s.UpdatedAt = time.Now().UTC()
}
