package config

// ApprovalMode is the gate applied before a tool executes.
type ApprovalMode string

const (
	ApprovalAlwaysAllow ApprovalMode = "always_allow"
	ApprovalAlwaysAsk   ApprovalMode = "always_ask"
	ApprovalAlwaysDeny  ApprovalMode = "always_deny"
)

// ToolApprovalConfig maps tool families to approval modes. Tool names resolve
// to a family: exec/process -> Exec, browser -> Browser, web_fetch ->
// WebFetch, write_file/edit_file/apply_patch -> WriteFile; anything else is
// always allowed.
type ToolApprovalConfig struct {
	Exec      ApprovalMode `yaml:"exec"`
	Browser   ApprovalMode `yaml:"browser"`
	WebFetch  ApprovalMode `yaml:"web_fetch"`
	WriteFile ApprovalMode `yaml:"write_file"`

	// TimeoutSeconds bounds the wait for an always_ask response.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SandboxMode selects which runs execute shell commands in Docker.
type SandboxMode string

const (
	SandboxOff     SandboxMode = "off"
	SandboxNonMain SandboxMode = "non_main"
	SandboxAll     SandboxMode = "all"
)

// SandboxScope keys the long-lived container a command runs in.
type SandboxScope string

const (
	ScopeShared  SandboxScope = "shared"
	ScopeAgent   SandboxScope = "agent"
	ScopeSession SandboxScope = "session"
)

// SandboxConfig controls the Docker execution backend.
type SandboxConfig struct {
	Mode  SandboxMode  `yaml:"mode"`
	Scope SandboxScope `yaml:"scope"`
	Image string       `yaml:"image"`

	// WorkspaceAccess is "none", "ro", or "rw".
	WorkspaceAccess string `yaml:"workspace_access"`

	MemoryMB  int `yaml:"memory_mb"`
	PidsLimit int `yaml:"pids_limit"`
	CPUSecs   int `yaml:"cpu_secs"`

	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	PruneIdleSeconds      int `yaml:"prune_idle_seconds"`
	PruneMaxAgeSeconds    int `yaml:"prune_max_age_seconds"`
}

// ShellConfig controls host-mode command execution.
type ShellConfig struct {
	RestrictToWorkspace bool `yaml:"restrict_to_workspace"`
	TimeoutSeconds      int  `yaml:"timeout_seconds"`
	// DenyPatterns extends the built-in command deny list.
	DenyPatterns []string `yaml:"deny_patterns"`
}

// ToolsConfig groups tool-layer settings.
type ToolsConfig struct {
	Approval ToolApprovalConfig `yaml:"approval"`
	Shell    ShellConfig        `yaml:"shell"`
	Sandbox  SandboxConfig      `yaml:"sandbox"`

	// MaxResultBytes truncates tool results before they reach the model.
	MaxResultBytes int `yaml:"max_result_bytes"`

	// AuditLog, when set, appends sanitized tool invocations as JSONL.
	AuditLog string `yaml:"audit_log"`
}

func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Approval: ToolApprovalConfig{
			Exec:           ApprovalAlwaysAllow,
			Browser:        ApprovalAlwaysAllow,
			WebFetch:       ApprovalAlwaysAllow,
			WriteFile:      ApprovalAlwaysAllow,
			TimeoutSeconds: 60,
		},
		Shell: ShellConfig{
			RestrictToWorkspace: true,
			TimeoutSeconds:      60,
		},
		Sandbox: SandboxConfig{
			Mode:                  SandboxOff,
			Scope:                 ScopeShared,
			Image:                 "debian:bookworm-slim",
			WorkspaceAccess:       "rw",
			MemoryMB:              512,
			PidsLimit:             128,
			CPUSecs:               60,
			CommandTimeoutSeconds: 60,
			PruneIdleSeconds:      1800,
			PruneMaxAgeSeconds:    86400,
		},
		MaxResultBytes: 30000,
	}
}

// HookEntry binds one lifecycle event to a shell command.
type HookEntry struct {
	Event   string `yaml:"event"`
	Command string `yaml:"command"`
	// TimeoutSeconds defaults to 8 when zero.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// HooksConfig configures lifecycle shell hooks.
type HooksConfig struct {
	Entries []HookEntry `yaml:"entries"`
	// AllowPatterns / DenyPatterns constrain which hook commands may run.
	AllowPatterns []string `yaml:"allow_patterns"`
	DenyPatterns  []string `yaml:"deny_patterns"`
}

func DefaultHooksConfig() HooksConfig { return HooksConfig{} }
