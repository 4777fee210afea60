package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

func newTestExecTool(t *testing.T, sandbox *Sandbox) *ExecTool {
	t.Helper()
	cfg := config.Default().Tools.Shell
	cfg.RestrictToWorkspace = false
	guard, err := NewCommandGuard(cfg, "/ws")
	if err != nil {
		t.Fatalf("NewCommandGuard: %v", err)
	}
	return NewExecTool(cfg, guard, sandbox)
}

func TestExecToolGuardBlocks(t *testing.T) {
	et := newTestExecTool(t, nil)
	ran := false
	et.runHost = func(context.Context, string, string) (string, int, error) {
		ran = true
		return "", 0, nil
	}

	out, err := et.Execute(context.Background(), Call{
		Workspace: "/ws",
		Params:    map[string]any{"command": "rm -rf /"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "Error: Command blocked by safety guard") {
		t.Errorf("out = %q", out)
	}
	if ran {
		t.Error("blocked command executed")
	}
}

func TestExecToolHostMode(t *testing.T) {
	et := newTestExecTool(t, nil)
	var gotCmd, gotDir string
	et.runHost = func(_ context.Context, command, dir string) (string, int, error) {
		gotCmd, gotDir = command, dir
		return "hello\n", 0, nil
	}

	out, err := et.Execute(context.Background(), Call{
		Workspace: "/ws",
		Params:    map[string]any{"command": "echo hello"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
	if gotCmd != "echo hello" || gotDir != "/ws" {
		t.Errorf("ran %q in %q", gotCmd, gotDir)
	}
}

func TestExecToolNonZeroExit(t *testing.T) {
	et := newTestExecTool(t, nil)
	et.runHost = func(context.Context, string, string) (string, int, error) {
		return "boom\n", 3, nil
	}

	out, err := et.Execute(context.Background(), Call{
		Workspace: "/ws",
		Params:    map[string]any{"command": "false"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "(exit code 3)") {
		t.Errorf("out = %q", out)
	}
}

func TestExecToolDelegatesToSandbox(t *testing.T) {
	fd := &fakeDocker{}
	sandbox := newTestSandbox(fd)
	et := newTestExecTool(t, sandbox)
	et.runHost = func(context.Context, string, string) (string, int, error) {
		t.Fatal("host runner used despite sandbox mode")
		return "", 0, nil
	}

	out, err := et.Execute(context.Background(), Call{
		Workspace:  "/ws",
		SessionKey: "cli:1",
		Params:     map[string]any{"command": "echo hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ok" {
		t.Errorf("out = %q", out)
	}
	if fd.countPrefix("exec", "-i") != 1 {
		t.Error("sandbox exec not invoked")
	}
}

func TestExecToolTimeoutOverride(t *testing.T) {
	et := newTestExecTool(t, nil)
	var deadlineSet bool
	et.runHost = func(ctx context.Context, _, _ string) (string, int, error) {
		dl, ok := ctx.Deadline()
		deadlineSet = ok && time.Until(dl) <= 2*time.Second
		return "", 0, nil
	}

	if _, err := et.Execute(context.Background(), Call{
		Workspace: "/ws",
		Params:    map[string]any{"command": "sleep 1", "timeout_seconds": 2},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !deadlineSet {
		t.Error("timeout_seconds not applied to context")
	}
}
