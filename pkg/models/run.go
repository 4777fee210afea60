package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunError:
		return true
	}
	return false
}

// RunState is one in-flight (or archived) unit of work: a single end-to-end
// processing of one inbound message through the dialog loop.
type RunState struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     RunStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Usage Usage  `json:"usage"`
	Error string `json:"error,omitempty"`
}

// NewRunID returns a fresh 12-hex run identifier.
func NewRunID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived id rather than panicking in the scheduler.
		now := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(now >> (8 * i))
		}
	}
	return hex.EncodeToString(b[:])
}
