package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/hooks"
	"github.com/miniclaw/miniclaw/internal/ratelimit"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// Registry owns the registered tools and the gate every call passes
// through: schema validation, approval, rate limiting, lifecycle hooks,
// sanitized events, and the audit trail. Execute never returns a Go error
// to the caller; failures become error strings so the LLM can react.
type Registry struct {
	cfg     config.ToolsConfig
	msgBus  *bus.MessageBus
	hooks   *hooks.Runner
	limiter *ratelimit.Limiter
	audit   *auditLogger
	logger  *slog.Logger

	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema

	now func() time.Time
}

// NewRegistry builds an empty registry. hooks and limiter may be nil.
func NewRegistry(cfg config.ToolsConfig, msgBus *bus.MessageBus, hookRunner *hooks.Runner, limiter *ratelimit.Limiter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		msgBus:  msgBus,
		hooks:   hookRunner,
		limiter: limiter,
		audit:   newAuditLogger(cfg.AuditLog, logger),
		logger:  logger,
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
		now:     time.Now,
	}
}

// Register adds a tool, compiling its parameter schema. Registering a bad
// schema is a programming error surfaced at startup.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	if raw := t.Parameters(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "tool://" + name + "/params.json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("tools: schema for %q: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tools: schema for %q: %w", name, err)
		}
		r.schemas[name] = schema
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Tools returns registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// approvalModeFor maps a tool name onto the approval table.
func (r *Registry) approvalModeFor(name string) config.ApprovalMode {
	a := r.cfg.Approval
	switch name {
	case "exec", "process":
		return a.Exec
	case "browser":
		return a.Browser
	case "web_fetch":
		return a.WebFetch
	case "write_file", "edit_file", "apply_patch":
		return a.WriteFile
	default:
		return config.ApprovalAlwaysAllow
	}
}

// Execute runs the full tool pipeline and returns the result string.
func (r *Registry) Execute(ctx context.Context, call Call, name string) string {
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: Unknown tool '%s'", name)
	}

	if schema, ok := r.schemas[name]; ok {
		if err := schema.Validate(normalizeJSON(call.Params)); err != nil {
			return fmt.Sprintf("Error: Invalid parameters for tool '%s': %v", name, compactValidationError(err))
		}
	}

	safeParams := SanitizeParams(call.Params)

	if r.limiter != nil && !r.limiter.AllowTool(call.SenderID) {
		call.emit(models.Event{
			Type: models.EventToolEnd, Kind: models.KindTool,
			ToolName: name, Params: safeParams, RateLimited: true,
		})
		return "Error: Rate limit exceeded for tool calls, try again shortly"
	}

	switch r.approvalModeFor(name) {
	case config.ApprovalAlwaysDeny:
		return fmt.Sprintf("Error: Tool '%s' is disabled by policy", name)
	case config.ApprovalAlwaysAsk:
		if !r.awaitApproval(ctx, call, name, safeParams) {
			return fmt.Sprintf("Error: Tool '%s' denied or approval timed out", name)
		}
	}

	if r.hooks != nil {
		results := r.hooks.Fire(ctx, hooks.PreToolUse, hooks.Context{
			SessionKey: call.SessionKey,
			RunID:      call.RunID,
			ToolName:   name,
			ToolParams: safeParams,
		})
		if hooks.Blocks(results) {
			call.emit(models.Event{
				Type: models.EventToolEnd, Kind: models.KindTool,
				ToolName: name, Params: safeParams, BlockedByHook: true,
			})
			return fmt.Sprintf("Error: Tool '%s' blocked by PreToolUse hook", name)
		}
	}

	call.emit(models.Event{
		Type: models.EventToolStart, Kind: models.KindTool,
		ToolName: name, Params: safeParams,
	})

	start := r.now()
	result, err := tool.Execute(ctx, call)
	duration := r.now().Sub(start)
	ok2 := err == nil
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
	}
	if max := r.cfg.MaxResultBytes; max > 0 {
		result = Truncate(result, max)
	}

	safeResult := Truncate(SanitizeString(result), 2000)
	call.emit(models.Event{
		Type: models.EventToolEnd, Kind: models.KindTool,
		ToolName: name, Params: safeParams, OK: &ok2,
		Result: safeResult, DurationMS: duration.Milliseconds(),
	})

	if r.hooks != nil {
		r.hooks.Fire(ctx, hooks.PostToolUse, hooks.Context{
			SessionKey: call.SessionKey,
			RunID:      call.RunID,
			ToolName:   name,
			ToolParams: safeParams,
		})
	}

	r.audit.record(auditRecord{
		TS:         nowRFC3339(),
		SessionKey: call.SessionKey,
		RunID:      call.RunID,
		Tool:       name,
		Params:     safeParams,
		OK:         ok2,
		DurationMS: duration.Milliseconds(),
		Result:     safeResult,
	})
	return result
}

// awaitApproval prompts the user over the outbound bus and waits for the
// session's approval response.
func (r *Registry) awaitApproval(ctx context.Context, call Call, name string, safeParams map[string]any) bool {
	timeout := time.Duration(r.cfg.Approval.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	call.emit(models.Event{
		Type: models.EventApprovalRequired, Kind: models.KindTool,
		ToolName: name, Params: safeParams,
	})
	if r.msgBus != nil {
		r.msgBus.PublishOutbound(models.OutboundMessage{
			Channel: call.Channel,
			ChatID:  call.ChatID,
			Content: fmt.Sprintf("Tool '%s' wants to run. Reply 'approve' or 'deny' within %d seconds.", name, int(timeout.Seconds())),
		})
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	answer, ok := r.msgBus.AwaitApproval(wctx, call.SessionKey)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "approve", "approved", "yes", "y":
		return true
	}
	return false
}

// normalizeJSON coerces Go-native values into what the schema validator
// expects (ints become float64, nested maps stay generic).
func normalizeJSON(v map[string]any) any {
	if v == nil {
		return map[string]any{}
	}
	return normalizeValue(v)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// compactValidationError flattens the validator's multi-line error into one
// line for the LLM.
func compactValidationError(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message)
	}
	return err.Error()
}
