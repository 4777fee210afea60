package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

// ExecTool runs shell commands, either on the host or delegated to the
// Docker sandbox depending on configured mode and the caller's exemption.
type ExecTool struct {
	cfg     config.ShellConfig
	guard   *CommandGuard
	sandbox *Sandbox

	// runHost is swapped in tests.
	runHost func(ctx context.Context, command, dir string) (string, int, error)
}

func NewExecTool(cfg config.ShellConfig, guard *CommandGuard, sandbox *Sandbox) *ExecTool {
	return &ExecTool{cfg: cfg, guard: guard, sandbox: sandbox, runHost: runHostCommand}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command and return its combined output. Commands run in the workspace directory."
}

func (t *ExecTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"working_dir": {"type": "string", "description": "Directory relative to the workspace"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, call Call) (string, error) {
	command := call.String("command")
	if reason := t.guard.Check(command); reason != "" {
		return fmt.Sprintf("Error: Command blocked by safety guard (%s)", reason), nil
	}

	timeout := time.Duration(t.cfg.TimeoutSeconds) * time.Second
	if secs, ok := call.Int("timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	workdir := call.String("working_dir")

	var out string
	var code int
	var err error
	if t.sandbox != nil && t.sandbox.Enabled(call.SandboxExempt) {
		out, code, err = t.sandbox.Exec(ctx, call.SessionKey, command, workdir, timeout)
	} else {
		dir := call.Workspace
		if workdir != "" {
			dir, err = ResolveWorkspacePath(call.Workspace, workdir)
			if err != nil {
				return fmt.Sprintf("Error: %v", err), nil
			}
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, code, err = t.runHost(cctx, command, dir)
		cancel()
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("%s\ncommand timed out (exit code 124)", strings.TrimRight(out, "\n")), nil
		}
	}
	if err != nil {
		return "", err
	}

	out = strings.TrimRight(out, "\n")
	if code == 124 {
		return fmt.Sprintf("%s\ncommand timed out (exit code 124)", out), nil
	}
	if code != 0 {
		if out == "" {
			return fmt.Sprintf("(exit code %d)", code), nil
		}
		return fmt.Sprintf("%s\n(exit code %d)", out, code), nil
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

func runHostCommand(ctx context.Context, command, dir string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
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
	return buf.String(), code, err
}
