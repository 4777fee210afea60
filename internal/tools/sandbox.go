package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

// Sandbox manages long-lived Docker containers that shell commands are
// delegated into. Containers are keyed by scope (shared, per-agent, or
// per-session) and reused across calls; dead containers are recreated once
// and idle ones pruned.
type Sandbox struct {
	cfg       config.SandboxConfig
	workspace string
	agentID   string
	logger    *slog.Logger

	mu         sync.Mutex
	containers map[string]*containerState

	// docker and lookPath are swapped in tests.
	docker   func(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)
	lookPath func(file string) (string, error)
	now      func() time.Time
}

type containerState struct {
	name      string
	createdAt time.Time
	lastUsed  time.Time
}

var containerKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// NewSandbox builds a manager; no container is created until first use.
func NewSandbox(cfg config.SandboxConfig, workspace, agentID string, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if agentID == "" {
		agentID = "main"
	}
	return &Sandbox{
		cfg:        cfg,
		workspace:  workspace,
		agentID:    agentID,
		logger:     logger,
		containers: map[string]*containerState{},
		docker:     runDocker,
		lookPath:   exec.LookPath,
		now:        time.Now,
	}
}

// Enabled reports whether this call must be sandboxed.
func (s *Sandbox) Enabled(exempt bool) bool {
	switch s.cfg.Mode {
	case config.SandboxAll:
		return true
	case config.SandboxNonMain:
		return !exempt
	default:
		return false
	}
}

// scopeKey selects which container a session's commands share.
func (s *Sandbox) scopeKey(sessionKey string) string {
	switch s.cfg.Scope {
	case config.ScopeAgent:
		return s.agentID
	case config.ScopeSession:
		return s.agentID + "__" + sessionKey
	default:
		return "shared"
	}
}

func (s *Sandbox) containerName(key string) string {
	safe := containerKeyRe.ReplaceAllString(key, "_")
	if len(safe) > 32 {
		safe = safe[:32]
	}
	sum := sha256.Sum256([]byte(key))
	return "miniclaw-sbx-" + safe + "-" + hex.EncodeToString(sum[:4])
}

// Exec runs a command inside the scope's container. Missing docker is a
// hard failure so sandbox policy cannot silently degrade to the host.
func (s *Sandbox) Exec(ctx context.Context, sessionKey, command, workdir string, timeout time.Duration) (string, int, error) {
	if _, err := s.lookPath("docker"); err != nil {
		return "", -1, fmt.Errorf("sandbox mode %q requires docker but it is not installed", s.cfg.Mode)
	}
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.CommandTimeoutSeconds) * time.Second
	}

	key := s.scopeKey(sessionKey)
	name, err := s.ensureContainer(ctx, key)
	if err != nil {
		return "", -1, err
	}

	out, code, execErr := s.execIn(ctx, name, command, workdir, timeout)
	if execErr == nil && containerGone(out, code) {
		s.logger.Info("sandbox container gone, recreating", "container", name)
		s.forget(key)
		name, err = s.ensureContainer(ctx, key)
		if err != nil {
			return "", -1, err
		}
		out, code, execErr = s.execIn(ctx, name, command, workdir, timeout)
	}
	s.touch(key)
	return out, code, execErr
}

func containerGone(stderr string, code int) bool {
	if code == 0 {
		return false
	}
	low := strings.ToLower(stderr)
	return strings.Contains(low, "no such container") || strings.Contains(low, "is not running")
}

func (s *Sandbox) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, key)
}

func (s *Sandbox) touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[key]; ok {
		c.lastUsed = s.now()
	}
}

func (s *Sandbox) ensureContainer(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if c, ok := s.containers[key]; ok {
		s.mu.Unlock()
		return c.name, nil
	}
	s.mu.Unlock()

	name := s.containerName(key)
	args := []string{
		"run", "-d", "--name", name,
		"--read-only",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--user", "1000:1000",
		"--pids-limit", fmt.Sprintf("%d", s.cfg.PidsLimit),
		"--memory", fmt.Sprintf("%dm", s.cfg.MemoryMB),
		"--tmpfs", "/tmp:rw,nosuid,nodev,noexec,size=64m",
		"--tmpfs", "/run:rw,nosuid,nodev,noexec,size=16m",
	}
	switch s.cfg.WorkspaceAccess {
	case "none":
		args = append(args, "--tmpfs", "/workspace:rw,nosuid,nodev,size=64m")
	case "ro":
		args = append(args, "-v", s.workspace+":/workspace:ro")
	default:
		args = append(args, "-v", s.workspace+":/workspace:rw")
	}
	args = append(args, s.cfg.Image, "sleep", "infinity")

	// old stopped container with the same name blocks creation
	s.docker(ctx, "rm", "-f", name)

	_, stderr, code, err := s.docker(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("sandbox create: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("sandbox create: %s", strings.TrimSpace(stderr))
	}

	s.mu.Lock()
	s.containers[key] = &containerState{name: name, createdAt: s.now(), lastUsed: s.now()}
	s.mu.Unlock()
	return name, nil
}

// execIn runs one command via docker exec with a resource-limit prelude.
func (s *Sandbox) execIn(ctx context.Context, name, command, workdir string, timeout time.Duration) (string, int, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := "/workspace"
	if workdir != "" && workdir != "." {
		dir = "/workspace/" + strings.TrimPrefix(workdir, "/")
	}
	prelude := fmt.Sprintf(
		"ulimit -t %d; ulimit -v %d; ulimit -f 524288; ulimit -u %d; cd %s",
		s.cfg.CPUSecs, s.cfg.MemoryMB*1024, s.cfg.PidsLimit, dir,
	)
	script := prelude + " && " + command

	stdout, stderr, code, err := s.docker(cctx, "exec", "-i", name, "sh", "-c", script)
	if cctx.Err() == context.DeadlineExceeded {
		return stdout + "\ncommand timed out", 124, nil
	}
	if err != nil {
		return "", -1, err
	}
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	if containerGone(stderr, code) {
		// surface stderr so the caller's recreate check can see it
		return stderr, code, nil
	}
	return out, code, nil
}

// Prune removes idle or aged-out containers.
func (s *Sandbox) Prune(ctx context.Context) {
	idle := time.Duration(s.cfg.PruneIdleSeconds) * time.Second
	maxAge := time.Duration(s.cfg.PruneMaxAgeSeconds) * time.Second
	now := s.now()

	s.mu.Lock()
	var doomed []string
	for key, c := range s.containers {
		if (idle > 0 && now.Sub(c.lastUsed) > idle) || (maxAge > 0 && now.Sub(c.createdAt) > maxAge) {
			doomed = append(doomed, key)
		}
	}
	names := make([]string, 0, len(doomed))
	for _, key := range doomed {
		names = append(names, s.containers[key].name)
		delete(s.containers, key)
	}
	s.mu.Unlock()

	for _, name := range names {
		if _, stderr, code, err := s.docker(ctx, "rm", "-f", name); err != nil || code != 0 {
			s.logger.Warn("sandbox prune", "container", name, "err", err, "stderr", stderr)
		} else {
			s.logger.Info("pruned sandbox container", "container", name)
		}
	}
}

// Shutdown force-removes every managed container.
func (s *Sandbox) Shutdown(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.containers))
	for _, c := range s.containers {
		names = append(names, c.name)
	}
	s.containers = map[string]*containerState{}
	s.mu.Unlock()

	for _, name := range names {
		s.docker(ctx, "rm", "-f", name)
	}
}

func runDocker(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		code = 1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
			err = nil
		}
	}
	return stdout.String(), stderr.String(), code, err
}
