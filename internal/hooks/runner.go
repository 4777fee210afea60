// Package hooks runs workspace-configured shell commands at agent lifecycle
// points. Hook context travels through environment variables so the commands
// stay plain shell with no wire protocol. PreToolUse is the only hook whose
// exit status matters: non-zero blocks the pending tool call.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

// Event names a lifecycle point.
type Event string

const (
	SessionStart Event = "SessionStart"
	SessionEnd   Event = "SessionEnd"
	PreToolUse   Event = "PreToolUse"
	PostToolUse  Event = "PostToolUse"
	PreCompact   Event = "PreCompact"
	Stop         Event = "Stop"
)

const defaultTimeout = 8 * time.Second

// Context is what a hook command sees, exported as MINICLAW_HOOK_* env vars.
type Context struct {
	SessionKey string
	RunID      string
	ToolName   string
	ToolParams map[string]any
}

// Result is the outcome of one hook invocation.
type Result struct {
	Event    Event
	Command  string
	ExitCode int
	Output   string
	Err      error
	Duration time.Duration
}

// Blocked reports whether a PreToolUse hook vetoed the call.
func (r Result) Blocked() bool {
	return r.Event == PreToolUse && (r.ExitCode != 0 || r.Err != nil)
}

// Runner executes configured hooks.
type Runner struct {
	cfg    config.HooksConfig
	logger *slog.Logger

	allow []*regexp.Regexp
	deny  []*regexp.Regexp

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, command string, env []string) (int, string, error)
}

// NewRunner compiles the command allow/deny patterns. Bad patterns are an
// error so a typo cannot silently open the gate.
func NewRunner(cfg config.HooksConfig, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{cfg: cfg, logger: logger}
	r.runCommand = runShell
	for _, p := range cfg.AllowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("hooks: bad allow pattern %q: %w", p, err)
		}
		r.allow = append(r.allow, re)
	}
	for _, p := range cfg.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("hooks: bad deny pattern %q: %w", p, err)
		}
		r.deny = append(r.deny, re)
	}
	return r, nil
}

// commandAllowed applies deny first, then allow (empty allow list permits
// everything not denied).
func (r *Runner) commandAllowed(command string) bool {
	for _, re := range r.deny {
		if re.MatchString(command) {
			return false
		}
	}
	if len(r.allow) == 0 {
		return true
	}
	for _, re := range r.allow {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Fire runs every hook registered for the event, in config order, and
// returns their results. For PreToolUse the caller must check Blocked() on
// each result; the first block wins but remaining hooks still run so their
// side effects are not order-dependent.
func (r *Runner) Fire(ctx context.Context, event Event, hctx Context) []Result {
	var results []Result
	for _, entry := range r.cfg.Entries {
		if Event(entry.Event) != event {
			continue
		}
		results = append(results, r.runOne(ctx, event, entry, hctx))
	}
	return results
}

// Blocks reports whether any PreToolUse hook for the event vetoed.
func Blocks(results []Result) bool {
	for _, res := range results {
		if res.Blocked() {
			return true
		}
	}
	return false
}

func (r *Runner) runOne(ctx context.Context, event Event, entry config.HookEntry, hctx Context) Result {
	res := Result{Event: event, Command: entry.Command}
	if !r.commandAllowed(entry.Command) {
		res.ExitCode = 1
		res.Err = fmt.Errorf("hook command not permitted by allow/deny patterns")
		r.logger.Warn("hook command rejected", "event", string(event), "command", entry.Command)
		return res
	}

	timeout := defaultTimeout
	if entry.TimeoutSeconds > 0 {
		timeout = time.Duration(entry.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := append(os.Environ(),
		"MINICLAW_HOOK_EVENT="+string(event),
		"MINICLAW_HOOK_SESSION_KEY="+hctx.SessionKey,
		"MINICLAW_HOOK_RUN_ID="+hctx.RunID,
		"MINICLAW_HOOK_TOOL_NAME="+hctx.ToolName,
	)
	if hctx.ToolParams != nil {
		if raw, err := json.Marshal(hctx.ToolParams); err == nil {
			env = append(env, "MINICLAW_HOOK_TOOL_PARAMS="+string(raw))
		}
	}

	start := time.Now()
	code, output, err := r.runCommand(cctx, entry.Command, env)
	res.Duration = time.Since(start)
	res.ExitCode = code
	res.Output = strings.TrimSpace(output)
	res.Err = err
	if err != nil || code != 0 {
		r.logger.Warn("hook command failed",
			"event", string(event), "command", entry.Command,
			"exit", code, "err", err)
	}
	return res
}

func runShell(ctx context.Context, command string, env []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = env
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	code := 0
	if err != nil {
		code = 1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
			err = nil
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return code, buf.String(), fmt.Errorf("hook timed out")
	}
	return code, buf.String(), err
}
