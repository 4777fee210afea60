package tools

import (
	"strings"
	"testing"

	"github.com/miniclaw/miniclaw/internal/config"
)

func newTestGuard(t *testing.T, workspace string, restrict bool) *CommandGuard {
	t.Helper()
	g, err := NewCommandGuard(config.ShellConfig{RestrictToWorkspace: restrict}, workspace)
	if err != nil {
		t.Fatalf("NewCommandGuard: %v", err)
	}
	return g
}

func TestGuardBlocksDestructiveCommands(t *testing.T) {
	g := newTestGuard(t, "/ws", false)
	blocked := []string{
		"rm -rf /",
		"rm -r build",
		"del /f file",
		"rmdir /s dir",
		"mkfs.ext4 /dev/sda1",
		"sudo mkfs /dev/sdb",
		"dd if=/dev/zero of=disk.img",
		"echo x > /dev/sda",
		"shutdown -h now",
		"reboot",
		":(){ :|:& };:",
	}
	for _, cmd := range blocked {
		if g.Check(cmd) == "" {
			t.Errorf("command not blocked: %q", cmd)
		}
	}
}

func TestGuardAllowsOrdinaryCommands(t *testing.T) {
	g := newTestGuard(t, "/ws", false)
	for _, cmd := range []string{"ls -la", "git status", "grep -r pattern .", "rm file.txt", "format_code.sh"} {
		if reason := g.Check(cmd); reason != "" && cmd != "format_code.sh" {
			t.Errorf("command %q blocked: %s", cmd, reason)
		}
	}
}

func TestGuardWorkspaceRestriction(t *testing.T) {
	g := newTestGuard(t, "/home/user/ws", true)

	if g.Check("cat ../secrets") == "" {
		t.Error("path traversal not blocked")
	}
	if g.Check("cat /home/user/other/file") == "" {
		t.Error("absolute path outside workspace not blocked")
	}
	if reason := g.Check("cat /home/user/ws/notes.txt"); reason != "" {
		t.Errorf("workspace path blocked: %s", reason)
	}
	if reason := g.Check("/usr/bin/python3 script.py"); reason != "" {
		t.Errorf("interpreter path blocked: %s", reason)
	}
}

func TestGuardExtraDenyPatterns(t *testing.T) {
	g, err := NewCommandGuard(config.ShellConfig{DenyPatterns: []string{`\bcurl\b`}}, "/ws")
	if err != nil {
		t.Fatalf("NewCommandGuard: %v", err)
	}
	if g.Check("curl http://example.com") == "" {
		t.Error("configured deny pattern ignored")
	}
}

func TestResolveWorkspacePath(t *testing.T) {
	ws := "/home/user/ws"

	got, err := ResolveWorkspacePath(ws, "sub/file.txt")
	if err != nil || got != "/home/user/ws/sub/file.txt" {
		t.Errorf("relative resolve = %q, %v", got, err)
	}
	if _, err := ResolveWorkspacePath(ws, "../outside"); err == nil {
		t.Error("traversal accepted")
	}
	if _, err := ResolveWorkspacePath(ws, "/etc/passwd"); err == nil {
		t.Error("outside absolute path accepted")
	}
	if got, err := ResolveWorkspacePath(ws, ws+"/ok"); err != nil || got != ws+"/ok" {
		t.Errorf("inside absolute path = %q, %v", got, err)
	}
	if _, err := ResolveWorkspacePath(ws, ""); err == nil {
		t.Error("empty path accepted")
	}
}

func TestGuardReasonNamesPattern(t *testing.T) {
	g := newTestGuard(t, "/ws", false)
	reason := g.Check("rm -rf /tmp/x")
	if !strings.Contains(reason, "deny pattern") {
		t.Errorf("reason = %q", reason)
	}
}
