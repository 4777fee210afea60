// Package tools implements the agent's tool surface: a registry that
// validates, gates, and audits tool calls, plus the built-in tools (shell
// exec, background processes, file access, patch application, web fetch,
// outbound messaging).
package tools

import (
	"context"
	"encoding/json"

	"github.com/miniclaw/miniclaw/pkg/models"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters is a JSON Schema describing the accepted arguments.
	Parameters() json.RawMessage
	Execute(ctx context.Context, call Call) (string, error)
}

// Call carries per-invocation context into a tool.
type Call struct {
	SessionKey string
	RunID      string
	Channel    string
	ChatID     string
	SenderID   string
	Workspace  string
	Params     map[string]any

	// SandboxExempt marks runs from the main session when sandbox mode is
	// non_main.
	SandboxExempt bool

	// Emit publishes a run-scoped event. May be nil.
	Emit func(ev models.Event)
}

func (c Call) emit(ev models.Event) {
	if c.Emit != nil {
		c.Emit(ev)
	}
}

// String returns a string parameter, empty when absent or mistyped.
func (c Call) String(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// Int returns an integer parameter. JSON numbers decode as float64.
func (c Call) Int(key string) (int, bool) {
	switch v := c.Params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Definitions converts registered tools into provider tool definitions.
func Definitions(tools []Tool) []ToolSpec {
	specs := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// ToolSpec is the provider-facing shape of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}
