package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

type dockerCall struct {
	args []string
}

// fakeDocker scripts docker CLI behavior and records every invocation.
type fakeDocker struct {
	calls     []dockerCall
	execOut   func(call int) (string, string, int)
	execCount int
}

func (f *fakeDocker) run(_ context.Context, args ...string) (string, string, int, error) {
	f.calls = append(f.calls, dockerCall{args: args})
	if len(args) > 0 && args[0] == "exec" {
		f.execCount++
		if f.execOut != nil {
			o, e, c := f.execOut(f.execCount)
			return o, e, c, nil
		}
		return "ok", "", 0, nil
	}
	return "containerid", "", 0, nil
}

func (f *fakeDocker) countPrefix(prefix ...string) int {
	n := 0
	for _, c := range f.calls {
		if len(c.args) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if c.args[i] != p {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

func newTestSandbox(fd *fakeDocker) *Sandbox {
	cfg := config.Default().Tools.Sandbox
	cfg.Mode = config.SandboxAll
	cfg.Scope = config.ScopeShared
	s := NewSandbox(cfg, "/ws", "main", nil)
	s.docker = fd.run
	s.lookPath = func(string) (string, error) { return "/usr/bin/docker", nil }
	return s
}

func TestSandboxReusesContainerAcrossCalls(t *testing.T) {
	fd := &fakeDocker{}
	s := newTestSandbox(fd)

	for i := 0; i < 2; i++ {
		if _, code, err := s.Exec(context.Background(), "cli:1", "echo hi", "", time.Second); err != nil || code != 0 {
			t.Fatalf("exec %d: code=%d err=%v", i, code, err)
		}
	}

	if n := fd.countPrefix("run", "-d"); n != 1 {
		t.Errorf("docker run -d invoked %d times, want 1", n)
	}
	if n := fd.countPrefix("exec", "-i"); n != 2 {
		t.Errorf("docker exec -i invoked %d times, want 2", n)
	}
}

func TestSandboxExecPreludeLimits(t *testing.T) {
	fd := &fakeDocker{}
	s := newTestSandbox(fd)

	if _, _, err := s.Exec(context.Background(), "cli:1", "pwd", "", time.Second); err != nil {
		t.Fatalf("exec: %v", err)
	}

	var script string
	for _, c := range fd.calls {
		if c.args[0] == "exec" {
			script = c.args[len(c.args)-1]
		}
	}
	memKB := config.Default().Tools.Sandbox.MemoryMB * 1024
	if !strings.Contains(script, fmt.Sprintf("ulimit -v %d", memKB)) {
		t.Errorf("prelude missing memory ulimit: %s", script)
	}
	if !strings.Contains(script, "cd /workspace") {
		t.Errorf("prelude missing workspace cd: %s", script)
	}
}

func TestSandboxCreateHardening(t *testing.T) {
	fd := &fakeDocker{}
	s := newTestSandbox(fd)

	if _, _, err := s.Exec(context.Background(), "cli:1", "true", "", time.Second); err != nil {
		t.Fatalf("exec: %v", err)
	}

	var runArgs []string
	for _, c := range fd.calls {
		if c.args[0] == "run" {
			runArgs = c.args
		}
	}
	joined := strings.Join(runArgs, " ")
	for _, want := range []string{
		"--read-only",
		"--network none",
		"--cap-drop ALL",
		"--security-opt no-new-privileges:true",
		"--pids-limit",
		"--memory",
		"--tmpfs /tmp:rw,nosuid,nodev,noexec",
		"--tmpfs /run:rw,nosuid,nodev,noexec",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("run args missing %q: %s", want, joined)
		}
	}
}

func TestSandboxRecreatesGoneContainerOnce(t *testing.T) {
	fd := &fakeDocker{}
	fd.execOut = func(call int) (string, string, int) {
		if call == 1 {
			return "", "Error: No such container: miniclaw-sbx-shared", 1
		}
		return "recovered", "", 0
	}
	s := newTestSandbox(fd)

	out, code, err := s.Exec(context.Background(), "cli:1", "echo hi", "", time.Second)
	if err != nil || code != 0 {
		t.Fatalf("exec: code=%d err=%v", code, err)
	}
	if !strings.Contains(out, "recovered") {
		t.Errorf("out = %q", out)
	}
	if n := fd.countPrefix("run", "-d"); n != 2 {
		t.Errorf("docker run -d invoked %d times, want 2 (recreate)", n)
	}
}

func TestSandboxFailClosedWithoutDocker(t *testing.T) {
	fd := &fakeDocker{}
	s := newTestSandbox(fd)
	s.lookPath = func(string) (string, error) { return "", fmt.Errorf("not found") }

	if _, _, err := s.Exec(context.Background(), "cli:1", "ls", "", time.Second); err == nil {
		t.Error("exec succeeded without docker")
	}
	if len(fd.calls) != 0 {
		t.Errorf("docker invoked %d times despite missing binary", len(fd.calls))
	}
}

func TestSandboxScopeKeys(t *testing.T) {
	cfg := config.Default().Tools.Sandbox
	cfg.Scope = config.ScopeSession
	s := NewSandbox(cfg, "/ws", "main", nil)
	a := s.scopeKey("cli:1")
	b := s.scopeKey("cli:2")
	if a == b {
		t.Errorf("session scope keys collide: %q", a)
	}

	cfg.Scope = config.ScopeShared
	s = NewSandbox(cfg, "/ws", "main", nil)
	if s.scopeKey("cli:1") != s.scopeKey("cli:2") {
		t.Error("shared scope keys differ")
	}
}

func TestSandboxPruneRemovesIdleContainers(t *testing.T) {
	fd := &fakeDocker{}
	s := newTestSandbox(fd)
	base := time.Now()
	s.now = func() time.Time { return base }

	if _, _, err := s.Exec(context.Background(), "cli:1", "true", "", time.Second); err != nil {
		t.Fatalf("exec: %v", err)
	}

	s.now = func() time.Time {
		return base.Add(time.Duration(s.cfg.PruneIdleSeconds+1) * time.Second)
	}
	s.Prune(context.Background())

	if n := fd.countPrefix("rm", "-f"); n < 1 {
		t.Error("idle container not removed")
	}
	s.mu.Lock()
	remaining := len(s.containers)
	s.mu.Unlock()
	if remaining != 0 {
		t.Errorf("containers tracked after prune: %d", remaining)
	}
}
