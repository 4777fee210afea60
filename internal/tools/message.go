package tools

import (
	"context"
	"encoding/json"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// MessageTool lets the model send a message to the user mid-run, before the
// final reply. The reply shaper suppresses duplicate confirmations when this
// tool already delivered the visible output.
type MessageTool struct {
	msgBus *bus.MessageBus
}

func NewMessageTool(msgBus *bus.MessageBus) *MessageTool {
	return &MessageTool{msgBus: msgBus}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the turn finishes. Use for progress updates or delivering results mid-task."
}

func (t *MessageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Message text to deliver"}
		},
		"required": ["content"]
	}`)
}

func (t *MessageTool) Execute(ctx context.Context, call Call) (string, error) {
	content := call.String("content")
	if content == "" {
		return "Error: content required", nil
	}
	t.msgBus.PublishOutbound(models.OutboundMessage{
		Channel: call.Channel,
		ChatID:  call.ChatID,
		Content: content,
	})
	return "Message sent", nil
}
