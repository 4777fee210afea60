package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/miniclaw/miniclaw/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements Provider on the OpenAI chat-completions API. With
// a BaseURL override it also serves any OpenAI-compatible gateway (OpenRouter,
// local inference servers, proxies).
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	// Name overrides the provider identifier for gateway deployments.
	Name string
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         name,
		defaultModel: model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Chat performs one non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResponse(p.classify(err), err), nil
	}
	if len(resp.Choices) == 0 {
		return ErrorResponse(FinishError, errors.New("openai: empty choices")), nil
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content: choice.Message.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toolCallFromOpenAI(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	out.FinishReason = finishFromOpenAI(string(choice.FinishReason), len(out.ToolCalls) > 0)
	return out, nil
}

// ChatStream streams a completion, forwarding text deltas.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResponse(p.classify(err), err), nil
	}
	defer stream.Close()

	out := &ChatResponse{}
	var content strings.Builder
	finish := ""

	// Tool calls arrive as indexed fragments across chunks.
	type partial struct {
		id, name string
		args     strings.Builder
	}
	partials := map[int]*partial{}
	maxIndex := -1

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return ErrorResponse(p.classify(err), err), nil
		}
		if chunk.Usage != nil {
			out.Usage = models.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			part := partials[index]
			if part == nil {
				part = &partial{}
				partials[index] = part
			}
			if index > maxIndex {
				maxIndex = index
			}
			if tc.ID != "" {
				part.id = tc.ID
			}
			if tc.Function.Name != "" {
				part.name = tc.Function.Name
			}
			part.args.WriteString(tc.Function.Arguments)
		}
	}

	for i := 0; i <= maxIndex; i++ {
		part := partials[i]
		if part == nil || part.name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, toolCallFromOpenAI(part.id, part.name, part.args.String()))
	}
	out.Content = content.String()
	out.FinishReason = finishFromOpenAI(finish, len(out.ToolCalls) > 0)
	return out, nil
}

// Embed returns embedding vectors via the embeddings endpoint.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: inputs,
		Model: openai.EmbeddingModel(NormalizeModel(model)),
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := NormalizeModel(req.Model)
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{Role: msg.Role}
		switch msg.Role {
		case "tool":
			m.Role = openai.ChatMessageRoleTool
			m.Content = msg.Content
			m.ToolCallID = msg.ToolCallID
		case "assistant":
			m.Content = msg.Content
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
		default:
			if len(msg.Images) > 0 {
				parts := []openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				}}
				for _, img := range msg.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: img, Detail: openai.ImageURLDetailAuto},
					})
				}
				m.MultiContent = parts
			} else {
				m.Content = msg.Content
			}
		}
		messages = append(messages, m)
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func toolCallFromOpenAI(id, name, rawArgs string) models.ToolCall {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			args = map[string]any{"_raw": rawArgs}
		}
	}
	return models.ToolCall{ID: id, Name: name, Arguments: args}
}

func finishFromOpenAI(reason string, hasTools bool) FinishReason {
	if hasTools {
		return FinishToolCalls
	}
	switch reason {
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

func (p *OpenAIProvider) classify(err error) FinishReason {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429, apiErr.HTTPStatusCode >= 500:
			return FinishOverloaded
		default:
			return FinishError
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "too many requests") {
		return FinishOverloaded
	}
	return FinishError
}
