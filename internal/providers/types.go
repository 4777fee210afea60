// Package providers implements the LLM provider abstraction for miniclaw:
// a uniform chat/stream/embed interface, concrete clients for Anthropic and
// OpenAI-compatible APIs, and a failover wrapper that retries across an
// ordered candidate list.
//
// Providers never surface API failures as Go errors. A failed call returns a
// ChatResponse whose FinishReason is "error" or "overloaded" and whose
// content starts with "Error calling LLM:", so the dialog loop and the
// failover wrapper can react uniformly. Go errors are reserved for context
// cancellation and programming mistakes.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miniclaw/miniclaw/pkg/models"
)

// FinishReason classifies how a completion ended.
type FinishReason string

const (
	FinishStop       FinishReason = "stop"
	FinishToolCalls  FinishReason = "tool_calls"
	FinishLength     FinishReason = "length"
	FinishError      FinishReason = "error"
	FinishOverloaded FinishReason = "overloaded"
)

// errContentPrefix marks synthesized error content recognized by the
// failover retry check.
const errContentPrefix = "Error calling LLM:"

// Provider is the uniform LLM client interface.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Chat performs one non-streaming completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming completion, invoking onDelta for each
	// text fragment, and returns the assembled final response.
	ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error)

	// Embed returns one embedding vector per input.
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// ChatRequest is the input for Chat and ChatStream.
type ChatRequest struct {
	Model    string           `json:"model,omitempty"`
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`

	// Thinking is the extended-thinking mode: off, low, medium, high.
	Thinking string `json:"thinking,omitempty"`
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role    string `json:"role"`
	Content string `json:"content"`

	// Images holds data URLs for vision-capable models.
	Images []string `json:"images,omitempty"`

	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatResponse is the result of one completion.
type ChatResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason FinishReason      `json:"finish_reason"`
	Usage        models.Usage      `json:"usage"`
}

// Retryable reports whether this response should trigger failover: a
// transient finish reason or synthesized error content.
func (r *ChatResponse) Retryable() bool {
	if r == nil {
		return true
	}
	if r.FinishReason == FinishError || r.FinishReason == FinishOverloaded {
		return true
	}
	return len(r.Content) >= len(errContentPrefix) && r.Content[:len(errContentPrefix)] == errContentPrefix
}

// ErrorResponse synthesizes a response for a failed provider call.
func ErrorResponse(reason FinishReason, err error) *ChatResponse {
	return &ChatResponse{
		Content:      fmt.Sprintf("%s %v", errContentPrefix, err),
		FinishReason: reason,
	}
}

// ThinkingBudget maps a thinking mode to an extended-thinking token budget.
// Zero means thinking disabled.
func ThinkingBudget(mode string) int {
	switch mode {
	case "low":
		return 2048
	case "medium":
		return 8192
	case "high":
		return 32768
	default:
		return 0
	}
}
