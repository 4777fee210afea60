package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miniclaw/miniclaw/internal/config"
)

// ProcessTool manages background shell processes: start returns a handle,
// poll reads accumulated output, kill terminates. Output buffers are capped
// so a chatty process cannot grow without bound.
type ProcessTool struct {
	cfg   config.ShellConfig
	guard *CommandGuard

	mu    sync.Mutex
	procs map[string]*bgProcess
}

type bgProcess struct {
	id      string
	command string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	started time.Time

	mu     sync.Mutex
	buf    bytes.Buffer
	done   bool
	exit   int
	runErr error
}

const bgOutputCap = 256 * 1024

func NewProcessTool(cfg config.ShellConfig, guard *CommandGuard) *ProcessTool {
	return &ProcessTool{cfg: cfg, guard: guard, procs: map[string]*bgProcess{}}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Description() string {
	return "Manage background processes. Actions: start (returns a process id), poll (read output so far), kill, list."
}

func (t *ProcessTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["start", "poll", "kill", "list"]},
			"command": {"type": "string", "description": "Command to start (action=start)"},
			"process_id": {"type": "string", "description": "Target process (poll/kill)"}
		},
		"required": ["action"]
	}`)
}

func (t *ProcessTool) Execute(ctx context.Context, call Call) (string, error) {
	switch call.String("action") {
	case "start":
		return t.start(call)
	case "poll":
		return t.poll(call.String("process_id"))
	case "kill":
		return t.kill(call.String("process_id"))
	case "list":
		return t.list()
	default:
		return "Error: unknown action", nil
	}
}

func (t *ProcessTool) start(call Call) (string, error) {
	command := call.String("command")
	if command == "" {
		return "Error: command required for action=start", nil
	}
	if reason := t.guard.Check(command); reason != "" {
		return fmt.Sprintf("Error: Command blocked by safety guard (%s)", reason), nil
	}

	// background processes outlive the run, so detach from the call context
	pctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pctx, "/bin/sh", "-c", command)
	cmd.Dir = call.Workspace

	p := &bgProcess{
		id:      uuid.NewString()[:8],
		command: command,
		cmd:     cmd,
		cancel:  cancel,
		started: time.Now(),
	}
	cmd.Stdout = capturedWriter{p}
	cmd.Stderr = capturedWriter{p}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Sprintf("Error: failed to start process: %v", err), nil
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.done = true
		if ee, ok := err.(*exec.ExitError); ok {
			p.exit = ee.ExitCode()
		} else if err != nil {
			p.runErr = err
			p.exit = -1
		}
		p.mu.Unlock()
	}()

	t.mu.Lock()
	t.procs[p.id] = p
	t.mu.Unlock()
	return fmt.Sprintf("Started process %s", p.id), nil
}

func (t *ProcessTool) poll(id string) (string, error) {
	p := t.get(id)
	if p == nil {
		return fmt.Sprintf("Error: no process %q", id), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := strings.TrimRight(p.buf.String(), "\n")
	status := "running"
	if p.done {
		status = fmt.Sprintf("exited (code %d)", p.exit)
		if p.runErr != nil {
			status = fmt.Sprintf("failed: %v", p.runErr)
		}
	}
	if out == "" {
		return fmt.Sprintf("Process %s: %s (no output)", id, status), nil
	}
	return fmt.Sprintf("Process %s: %s\n%s", id, status, out), nil
}

func (t *ProcessTool) kill(id string) (string, error) {
	p := t.get(id)
	if p == nil {
		return fmt.Sprintf("Error: no process %q", id), nil
	}
	p.cancel()
	t.mu.Lock()
	delete(t.procs, id)
	t.mu.Unlock()
	return fmt.Sprintf("Killed process %s", id), nil
}

func (t *ProcessTool) list() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.procs) == 0 {
		return "No background processes", nil
	}
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		p := t.procs[id]
		p.mu.Lock()
		status := "running"
		if p.done {
			status = "exited"
		}
		p.mu.Unlock()
		fmt.Fprintf(&b, "%s  %s  %s\n", id, status, Truncate(p.command, 80))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *ProcessTool) get(id string) *bgProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[id]
}

// Shutdown kills everything still running.
func (t *ProcessTool) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		p.cancel()
	}
	t.procs = map[string]*bgProcess{}
}

type capturedWriter struct{ p *bgProcess }

func (w capturedWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.buf.Len() < bgOutputCap {
		w.p.buf.Write(b)
	}
	return len(b), nil
}
