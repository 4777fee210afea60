package hooks

import (
	"context"
	"strings"
	"testing"

	"github.com/miniclaw/miniclaw/internal/config"
)

func newTestRunner(t *testing.T, cfg config.HooksConfig) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestFireRunsMatchingEntriesInOrder(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries: []config.HookEntry{
			{Event: "SessionStart", Command: "first"},
			{Event: "PreToolUse", Command: "skip-me"},
			{Event: "SessionStart", Command: "second"},
		},
	})
	var ran []string
	r.runCommand = func(_ context.Context, command string, _ []string) (int, string, error) {
		ran = append(ran, command)
		return 0, "ok", nil
	}

	results := r.Fire(context.Background(), SessionStart, Context{SessionKey: "cli:1"})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if ran[0] != "first" || ran[1] != "second" {
		t.Errorf("ran = %v", ran)
	}
	if Blocks(results) {
		t.Error("SessionStart results reported blocking")
	}
}

func TestPreToolUseNonZeroExitBlocks(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries: []config.HookEntry{{Event: "PreToolUse", Command: "veto"}},
	})
	r.runCommand = func(_ context.Context, _ string, _ []string) (int, string, error) {
		return 2, "denied", nil
	}

	results := r.Fire(context.Background(), PreToolUse, Context{ToolName: "exec"})
	if !Blocks(results) {
		t.Error("non-zero PreToolUse exit did not block")
	}
}

func TestPostToolUseFailureDoesNotBlock(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries: []config.HookEntry{{Event: "PostToolUse", Command: "audit"}},
	})
	r.runCommand = func(_ context.Context, _ string, _ []string) (int, string, error) {
		return 1, "", nil
	}
	if Blocks(r.Fire(context.Background(), PostToolUse, Context{})) {
		t.Error("PostToolUse failure reported as blocking")
	}
}

func TestDenyPatternRejectsCommand(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries:      []config.HookEntry{{Event: "PreToolUse", Command: "curl http://evil"}},
		DenyPatterns: []string{`\bcurl\b`},
	})
	called := false
	r.runCommand = func(_ context.Context, _ string, _ []string) (int, string, error) {
		called = true
		return 0, "", nil
	}

	results := r.Fire(context.Background(), PreToolUse, Context{})
	if called {
		t.Error("denied command executed")
	}
	if !Blocks(results) {
		t.Error("rejected PreToolUse command did not block")
	}
}

func TestAllowListRestrictsCommands(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries: []config.HookEntry{
			{Event: "SessionStart", Command: "scripts/on-start.sh"},
			{Event: "SessionStart", Command: "rm -rf /"},
		},
		AllowPatterns: []string{`^scripts/`},
	})
	var ran []string
	r.runCommand = func(_ context.Context, command string, _ []string) (int, string, error) {
		ran = append(ran, command)
		return 0, "", nil
	}

	results := r.Fire(context.Background(), SessionStart, Context{})
	if len(ran) != 1 || ran[0] != "scripts/on-start.sh" {
		t.Errorf("ran = %v", ran)
	}
	if results[1].Err == nil {
		t.Error("disallowed command has no error result")
	}
}

func TestHookContextExportedAsEnv(t *testing.T) {
	r := newTestRunner(t, config.HooksConfig{
		Entries: []config.HookEntry{{Event: "PreToolUse", Command: "check"}},
	})
	var captured []string
	r.runCommand = func(_ context.Context, _ string, env []string) (int, string, error) {
		captured = env
		return 0, "", nil
	}

	r.Fire(context.Background(), PreToolUse, Context{
		SessionKey: "telegram:42",
		RunID:      "abc123",
		ToolName:   "exec",
		ToolParams: map[string]any{"command": "ls"},
	})

	want := map[string]string{
		"MINICLAW_HOOK_EVENT":       "PreToolUse",
		"MINICLAW_HOOK_SESSION_KEY": "telegram:42",
		"MINICLAW_HOOK_RUN_ID":      "abc123",
		"MINICLAW_HOOK_TOOL_NAME":   "exec",
	}
	for k, v := range want {
		found := false
		for _, kv := range captured {
			if kv == k+"="+v {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("env missing %s=%s", k, v)
		}
	}
	paramsSeen := false
	for _, kv := range captured {
		if strings.HasPrefix(kv, "MINICLAW_HOOK_TOOL_PARAMS=") && strings.Contains(kv, `"command":"ls"`) {
			paramsSeen = true
		}
	}
	if !paramsSeen {
		t.Error("tool params not exported")
	}
}

func TestBadPatternIsConstructionError(t *testing.T) {
	_, err := NewRunner(config.HooksConfig{DenyPatterns: []string{"("}}, nil)
	if err == nil {
		t.Error("invalid pattern accepted")
	}
}
