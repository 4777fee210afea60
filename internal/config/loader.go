package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file on top of Default(). A missing file is not an
// error; the defaults are returned with paths resolved.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills derived paths and validates the loaded tree.
func (c *Config) resolve() error {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		c.Workspace = filepath.Join(home, "miniclaw")
	}
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	c.Workspace = abs

	state := c.StateDir()
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(state, "sessions")
	}
	if c.RunHistory.Path == "" {
		c.RunHistory.Path = filepath.Join(state, "runs.jsonl")
	}
	if c.RateLimit.PersistPath == "" {
		c.RateLimit.PersistPath = filepath.Join(state, "ratelimit.json")
	}
	if c.Secrets.FilePath == "" {
		c.Secrets.FilePath = filepath.Join(state, "secrets.enc")
	}
	if c.Secrets.KeyFilePath == "" {
		c.Secrets.KeyFilePath = filepath.Join(state, "secrets.key")
	}
	if c.Distributed.StatePath == "" {
		c.Distributed.StatePath = filepath.Join(state, "cluster.json")
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(state, "usage.jsonl")
	}

	switch c.Queue.Mode {
	case QueueModeQueue, QueueModeCollect, QueueModeSteer, QueueModeFollowup, QueueModeSteerBacklog:
	case "":
		c.Queue.Mode = QueueModeQueue
	default:
		return fmt.Errorf("unknown queue mode %q", c.Queue.Mode)
	}
	if c.Queue.MaxConcurrency <= 0 {
		c.Queue.MaxConcurrency = 1
	}

	switch c.Tools.Sandbox.Mode {
	case SandboxOff, SandboxNonMain, SandboxAll:
	case "":
		c.Tools.Sandbox.Mode = SandboxOff
	default:
		return fmt.Errorf("unknown sandbox mode %q", c.Tools.Sandbox.Mode)
	}
	switch c.Tools.Sandbox.Scope {
	case ScopeShared, ScopeAgent, ScopeSession:
	case "":
		c.Tools.Sandbox.Scope = ScopeShared
	default:
		return fmt.Errorf("unknown sandbox scope %q", c.Tools.Sandbox.Scope)
	}

	return nil
}

// StateDir is where miniclaw keeps its runtime state files.
func (c *Config) StateDir() string {
	return filepath.Join(c.Workspace, ".miniclaw")
}
