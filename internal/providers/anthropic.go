package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/miniclaw/miniclaw/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicProvider builds a provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat performs one non-streaming Messages call.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return ErrorResponse(FinishError, err), nil
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResponse(p.classify(err), err), nil
	}
	return p.parseMessage(msg), nil
}

// ChatStream streams a Messages call, forwarding text deltas.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return ErrorResponse(FinishError, err), nil
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	resp := &ChatResponse{FinishReason: FinishStop}
	var content strings.Builder
	var currentTool *models.ToolCall
	var currentInput strings.Builder
	stopReason := ""

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if onDelta != nil {
						onDelta(delta.Text)
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				args := map[string]any{}
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						args = map[string]any{"_raw": raw}
					}
				}
				currentTool.Arguments = args
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			resp.Usage.CompletionTokens = int(md.Usage.OutputTokens)
			stopReason = string(md.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// No deltas may have been emitted yet; report transient so failover
		// can decide based on its commit rule.
		return ErrorResponse(p.classify(err), err), nil
	}

	resp.Content = content.String()
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	resp.FinishReason = finishFromStop(stopReason, len(resp.ToolCalls) > 0)
	return resp, nil
}

// Embed is not available on the Anthropic API.
func (p *AnthropicProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return nil, errors.New("anthropic: embeddings not supported")
}

func (p *AnthropicProvider) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	model := NormalizeModel(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if budget := ThinkingBudget(req.Thinking); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return params, nil
}

func convertAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		// System content travels in params.System.
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			mediaType, data, ok := splitDataURL(img)
			if !ok {
				continue
			}
			content = append(content, anthropic.NewImageBlockBase64(mediaType, data))
		}
		for _, call := range msg.ToolCalls {
			input := call.Arguments
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: no convertible messages")
	}
	return out, nil
}

func convertAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		out = append(out, tool)
	}
	return out, nil
}

func (p *AnthropicProvider) parseMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	var content strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = map[string]any{"_raw": string(b.Input)}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = content.String()
	resp.FinishReason = finishFromStop(string(msg.StopReason), len(resp.ToolCalls) > 0)
	return resp
}

func finishFromStop(stopReason string, hasTools bool) FinishReason {
	if hasTools {
		return FinishToolCalls
	}
	switch stopReason {
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

// classify maps an SDK error to a transient or permanent finish reason.
func (p *AnthropicProvider) classify(err error) FinishReason {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429, apiErr.StatusCode == 529, apiErr.StatusCode >= 500:
			return FinishOverloaded
		default:
			return FinishError
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "overloaded") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") {
		return FinishOverloaded
	}
	return FinishError
}

func splitDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}
