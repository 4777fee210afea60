package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/pkg/models"
)

var thinkingModes = map[string]bool{"off": true, "low": true, "medium": true, "high": true}

// IsSessionCommand reports whether the content is a session-control command
// that bypasses queue transforms.
func IsSessionCommand(content string) bool {
	c := strings.TrimSpace(strings.ToLower(content))
	for _, prefix := range []string{"/cancel", "/status", "/reset", "/think"} {
		if c == prefix || strings.HasPrefix(c, prefix+" ") || strings.HasPrefix(c, prefix+":") {
			return true
		}
	}
	return false
}

// stripInlineThink handles the `/think:<mode>` prefix on ordinary messages:
// it returns the remaining content and the requested mode, if any.
func stripInlineThink(content string) (string, string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(strings.ToLower(trimmed), "/think:") {
		return content, ""
	}
	rest := trimmed[len("/think:"):]
	mode := rest
	remainder := ""
	if idx := strings.IndexAny(rest, " \t\n"); idx >= 0 {
		mode = rest[:idx]
		remainder = strings.TrimSpace(rest[idx:])
	}
	mode = strings.ToLower(mode)
	if !thinkingModes[mode] {
		return content, ""
	}
	return remainder, mode
}

// executeCommand produces the synthesized reply for a session-control
// command. /cancel is resolved earlier, before any locks.
func (a *Agent) executeCommand(sess *sessions.Session, content string) string {
	fields := strings.Fields(strings.TrimSpace(content))
	cmd := strings.ToLower(fields[0])
	if idx := strings.Index(cmd, ":"); idx > 0 {
		fields = append([]string{cmd[:idx], cmd[idx+1:]}, fields[1:]...)
		cmd = fields[0]
	}

	switch cmd {
	case "/status":
		return a.statusReport(sess)
	case "/reset":
		if err := a.sessions.Reset(sess.SessionKey, "user_command", "user"); err != nil {
			return fmt.Sprintf("Reset failed: %v", err)
		}
		return "Session reset. Starting fresh."
	case "/think":
		if len(fields) < 2 {
			return fmt.Sprintf("Thinking mode is %q. Use /think off|low|medium|high.", currentThinking(sess))
		}
		mode := strings.ToLower(fields[1])
		if !thinkingModes[mode] {
			return fmt.Sprintf("Unknown thinking mode %q. Use off, low, medium, or high.", fields[1])
		}
		sess.SetThinkingMode(mode)
		if err := a.sessions.Save(sess); err != nil {
			return fmt.Sprintf("Failed to persist thinking mode: %v", err)
		}
		return fmt.Sprintf("Thinking mode set to %s.", mode)
	default:
		return fmt.Sprintf("Unknown command %s.", fields[0])
	}
}

func currentThinking(sess *sessions.Session) string {
	if m := sess.ThinkingMode(); m != "" {
		return m
	}
	return "off"
}

func (a *Agent) statusReport(sess *sessions.Session) string {
	key := sess.SessionKey
	a.mu.Lock()
	running := a.running[key]
	pending := len(a.pending[key])
	a.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", key)
	fmt.Fprintf(&b, "Messages: %d", len(sess.Messages))
	if sess.Summary != "" {
		b.WriteString(" (compacted)")
	}
	b.WriteString("\n")
	if running != "" {
		fmt.Fprintf(&b, "Active run: %s\n", running)
	}
	fmt.Fprintf(&b, "Queued runs: %d\n", pending)
	fmt.Fprintf(&b, "Thinking: %s", currentThinking(sess))

	if a.usage != nil {
		if sum, err := a.usage.Window(24 * time.Hour); err == nil && sum.Records > 0 {
			fmt.Fprintf(&b, "\nLast 24h: %d runs, %d tokens", sum.Records, sum.Total)
			if sum.CostUSD > 0 {
				fmt.Fprintf(&b, ", $%.4f", sum.CostUSD)
			}
		}
	}
	return b.String()
}

// cancelReply resolves /cancel outside all locks: it cancels the session's
// running run (and clears the backlog) so the command can never deadlock
// behind the run it targets.
func (a *Agent) cancelReply(sessionKey string) string {
	cancelled := a.CancelSession(sessionKey)
	if cancelled == 0 {
		return "Nothing to cancel."
	}
	return fmt.Sprintf("Cancelled %d run(s).", cancelled)
}

func synthOutbound(msg models.InboundMessage, content string) models.OutboundMessage {
	return models.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	}
}
