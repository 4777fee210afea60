package agent

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/sessions"
)

// bootstrapFiles are loaded from the workspace into the static system
// prompt, in priority order.
var bootstrapFiles = []string{"BOOTSTRAP.md", "AGENTS.md", "MEMORY.md"}

const bootstrapMaxBytes = 32 * 1024

// ContextBuilder assembles the provider message list for one turn. The
// static system prompt stays byte-stable across turns so providers can
// cache it; everything volatile goes into a separate dynamic system
// message.
type ContextBuilder struct {
	workspace string
	logger    *slog.Logger

	now func() time.Time
}

func NewContextBuilder(workspace string, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{workspace: workspace, logger: logger, now: time.Now}
}

// StaticSystem renders the cacheable portion of the system prompt.
func (b *ContextBuilder) StaticSystem() string {
	var sb strings.Builder
	sb.WriteString("You are miniclaw, a personal assistant agent. ")
	sb.WriteString("You act on the user's behalf using the tools available to you. ")
	sb.WriteString("Reply with NO_REPLY when no visible answer is warranted.\n\n")
	fmt.Fprintf(&sb, "Workspace: %s\n", b.workspace)

	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		if len(data) > bootstrapMaxBytes {
			data = data[:bootstrapMaxBytes]
		}
		fmt.Fprintf(&sb, "\n## %s\n%s\n", name, strings.TrimSpace(string(data)))
	}
	return sb.String()
}

// dynamicSystem renders the per-turn volatile context.
func (b *ContextBuilder) dynamicSystem(channel, chatID string) string {
	return fmt.Sprintf("Current time: %s\nChannel: %s\nChat: %s",
		b.now().UTC().Format(time.RFC3339), channel, chatID)
}

// Build produces the full message list: dynamic system context, optional
// compaction summary, session history, then the current user content with
// any media attached as data URLs.
func (b *ContextBuilder) Build(sess *sessions.Session, content string, media []string, channel, chatID string) []providers.Message {
	msgs := []providers.Message{
		{Role: "system", Content: b.dynamicSystem(channel, chatID)},
	}
	if sess.Summary != "" {
		msgs = append(msgs, providers.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + sess.Summary,
		})
	}
	for _, m := range sess.Messages {
		msgs = append(msgs, providers.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	user := providers.Message{Role: "user", Content: content}
	for _, path := range media {
		url, err := b.mediaDataURL(path)
		if err != nil {
			b.logger.Warn("skipping media attachment", "path", path, "error", err)
			continue
		}
		user.Images = append(user.Images, url)
	}
	return append(msgs, user)
}

func (b *ContextBuilder) mediaDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := mimeForExt(filepath.Ext(path))
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
