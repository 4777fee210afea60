package tools

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/miniclaw/miniclaw/internal/config"
)

// defaultDenyPatterns match destructive commands regardless of sandbox mode.
var defaultDenyPatterns = []string{
	`\brm\s+-[rf]{1,2}\b`,
	`\bdel\s+/[fq]\b`,
	`\brmdir\s+/s\b`,
	`\b(format|mkfs|diskpart)\b`,
	`\bdd\s+if=`,
	`>\s*/dev/sd`,
	`\b(shutdown|reboot|poweroff)\b`,
	`:\(\)\s*\{.*\};\s*:`,
}

// CommandGuard vets shell commands before execution.
type CommandGuard struct {
	deny                []*regexp.Regexp
	restrictToWorkspace bool
	workspace           string
}

// NewCommandGuard compiles the default deny list plus any configured extras.
func NewCommandGuard(cfg config.ShellConfig, workspace string) (*CommandGuard, error) {
	g := &CommandGuard{
		restrictToWorkspace: cfg.RestrictToWorkspace,
		workspace:           workspace,
	}
	patterns := append(append([]string{}, defaultDenyPatterns...), cfg.DenyPatterns...)
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("shell guard: bad deny pattern %q: %w", p, err)
		}
		g.deny = append(g.deny, re)
	}
	return g, nil
}

// Check returns a non-empty reason when the command must be blocked.
func (g *CommandGuard) Check(command string) string {
	for _, re := range g.deny {
		if re.MatchString(command) {
			return fmt.Sprintf("matched deny pattern %s", re.String())
		}
	}
	if g.restrictToWorkspace {
		if strings.Contains(command, "..") {
			return "path traversal outside workspace"
		}
		for _, tok := range strings.Fields(command) {
			tok = strings.Trim(tok, `"'`)
			if !strings.HasPrefix(tok, "/") {
				continue
			}
			if isSystemPath(tok) {
				continue
			}
			if !pathWithin(g.workspace, tok) {
				return fmt.Sprintf("absolute path %s outside workspace", tok)
			}
		}
	}
	return ""
}

// isSystemPath permits interpreter and device paths that commands
// legitimately reference without touching user data.
func isSystemPath(p string) bool {
	for _, prefix := range []string{"/bin/", "/usr/", "/dev/null", "/dev/stdin", "/dev/stdout", "/dev/stderr", "/etc/", "/opt/", "/proc/", "/sys/"} {
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// pathWithin reports whether target equals base or sits under it.
func pathWithin(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if target == base {
		return true
	}
	return strings.HasPrefix(target, base+string(filepath.Separator))
}

// ResolveWorkspacePath resolves p against the workspace and rejects escapes.
func ResolveWorkspacePath(workspace, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path required")
	}
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	if !pathWithin(workspace, resolved) {
		return "", fmt.Errorf("path %s is outside the workspace", p)
	}
	return resolved, nil
}
