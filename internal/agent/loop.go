package agent

import (
	"context"
	"fmt"

	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/tools"
	"github.com/miniclaw/miniclaw/pkg/models"
)

const nudgePrompt = "Please provide a brief visible reply to the user summarizing the outcome."

// runDialog drives the provider/tool loop for one run and returns the shaped
// final reply ("" means suppressed or nothing to say).
func (a *Agent) runDialog(ctx context.Context, pr *pendingRun, sess *sessions.Session, content, thinkingOverride string) (string, error) {
	run := pr.run
	emit := a.emitter.ForRun(run.RunID, run.SessionKey)

	model := run.Model
	thinking := a.cfg.Agent.Thinking
	if m := sess.ThinkingMode(); m != "" {
		thinking = m
	}
	if thinkingOverride != "" {
		thinking = thinkingOverride
	}

	if len(sess.Messages) > a.cfg.Agent.CompactAfterMessages {
		if err := a.compact(ctx, sess, model, "history_length", emit); err != nil {
			a.logger.Warn("pre-turn compaction failed", "session", sess.SessionKey, "error", err)
		}
	}

	static := a.builder.StaticSystem()
	msgs := a.builder.Build(sess, content, pr.media, run.Channel, run.ChatID)
	sess.AddMessage(models.RoleUser, content)

	registered := a.registry.Tools()
	defs := make([]providers.ToolDefinition, 0, len(registered))
	for _, spec := range tools.Definitions(registered) {
		defs = append(defs, providers.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}

	var (
		final         string
		suppressed    bool
		haveFinal     bool
		nudged        bool
		retriedOnLoad bool
		messageSent   bool
		deltaIndex    int
		totals        models.Usage
	)

	for iter := 0; iter < a.cfg.Agent.MaxIterations; iter++ {
		if err := a.checkCancelled(ctx, run.RunID); err != nil {
			return "", err
		}

		if entries := a.steer.Drain(run.RunID); len(entries) > 0 {
			injection := steerInjection(entries)
			msgs = append(msgs, providers.Message{Role: "user", Content: injection})
			sess.AddMessage(models.RoleUser, injection)
			emit(models.Event{
				Type: models.EventRunSteerApplied, Kind: models.KindQueue,
				Count: len(entries),
			})
		}

		req := providers.ChatRequest{
			Model:    model,
			System:   static,
			Messages: msgs,
			Tools:    defs,
			Thinking: thinking,
		}

		resp, err := a.chatOnce(ctx, run.RunID, req, emit, &deltaIndex)
		if err != nil {
			return "", err
		}
		totals.Add(resp.Usage)

		if resp.FinishReason == providers.FinishOverloaded {
			if retriedOnLoad {
				return "", fmt.Errorf("provider overloaded: %s", resp.Content)
			}
			retriedOnLoad = true
			if cerr := a.compact(ctx, sess, model, "overloaded_retry", emit); cerr != nil {
				return "", fmt.Errorf("compaction after overload failed: %w", cerr)
			}
			if err := a.sessions.Save(sess); err != nil {
				a.logger.Warn("session save after compaction failed", "error", err)
			}
			msgs = a.builder.Build(sess, content, pr.media, run.Channel, run.ChatID)
			continue
		}
		if resp.FinishReason == providers.FinishError {
			return "", fmt.Errorf("provider error: %s", resp.Content)
		}

		if len(resp.ToolCalls) > 0 {
			msgs = append(msgs, providers.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			sess.AddAssistantToolCalls(resp.Content, resp.ToolCalls)

			for _, call := range resp.ToolCalls {
				if err := a.checkCancelled(ctx, run.RunID); err != nil {
					return "", err
				}
				result := a.registry.Execute(ctx, tools.Call{
					SessionKey: run.SessionKey,
					RunID:      run.RunID,
					Channel:    run.Channel,
					ChatID:     run.ChatID,
					SenderID:   run.SenderID,
					Workspace:  a.cfg.Workspace,
					Params:     call.Arguments,
					Emit:       emit,
				}, call.Name)
				if call.Name == "message" && result == "Message sent" {
					messageSent = true
				}
				msgs = append(msgs, providers.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: call.ID,
				})
				sess.AddToolResult(call.ID, result)
			}
			continue
		}

		if resp.Content != "" {
			shaped, suppress := ShapeReply(resp.Content, a.cfg.Agent.NoReplyToken, messageSent)
			if suppress {
				sess.AddMessage(models.RoleAssistant, resp.Content)
				suppressed = true
				haveFinal = true
				break
			}
			if shaped == "" {
				if nudged {
					break
				}
				nudged = true
				msgs = append(msgs, providers.Message{Role: "user", Content: nudgePrompt})
				continue
			}
			final = shaped
			haveFinal = true
			sess.AddMessage(models.RoleAssistant, shaped)
			break
		}

		// Empty content, no tool calls: one nudge, then give up.
		if nudged {
			break
		}
		nudged = true
		msgs = append(msgs, providers.Message{Role: "user", Content: nudgePrompt})
	}

	// The loop exhausted its iterations mid-task: ask for a plain summary
	// without tools so the user gets something.
	if !haveFinal && !suppressed {
		resp, err := a.chatOnce(ctx, run.RunID, providers.ChatRequest{
			Model:  model,
			System: static,
			Messages: append(msgs, providers.Message{
				Role:    "user",
				Content: "Summarize what you have done so far in one short reply.",
			}),
		}, emit, &deltaIndex)
		if err == nil && !resp.Retryable() {
			shaped, suppress := ShapeReply(resp.Content, a.cfg.Agent.NoReplyToken, messageSent)
			totals.Add(resp.Usage)
			if !suppress && shaped != "" {
				final = shaped
				sess.AddMessage(models.RoleAssistant, shaped)
			}
		}
	}

	a.mu.Lock()
	run.Usage.Add(totals)
	a.mu.Unlock()

	if err := a.sessions.Save(sess); err != nil {
		a.logger.Warn("session save failed", "session", sess.SessionKey, "error", err)
	}

	if total := estimateTokens(msgs, static); total > a.cfg.Agent.ContextWindow*85/100 {
		if err := a.compact(ctx, sess, model, "context_pressure", emit); err == nil {
			if err := a.sessions.Save(sess); err != nil {
				a.logger.Warn("session save after compaction failed", "error", err)
			}
		}
	}
	return final, nil
}

// chatOnce performs one provider call, streaming deltas when enabled. When
// the provider answered in one piece, the content is re-chunked so event
// consumers see the same delta stream either way.
func (a *Agent) chatOnce(ctx context.Context, runID string, req providers.ChatRequest, emit func(models.Event), deltaIndex *int) (*providers.ChatResponse, error) {
	if err := a.checkCancelled(ctx, runID); err != nil {
		return nil, err
	}

	if a.cfg.Agent.StreamEvents {
		streamed := false
		resp, err := a.llm.ChatStream(ctx, req, func(delta string) {
			streamed = true
			emit(models.Event{
				Type: models.EventAssistantDelta, Kind: models.KindAssistant,
				Delta: delta, Index: *deltaIndex,
			})
			*deltaIndex++
		})
		if err != nil {
			return nil, err
		}
		if !streamed && resp.Content != "" && !resp.Retryable() {
			a.emitChunked(ctx, runID, resp.Content, emit, deltaIndex)
		}
		return resp, nil
	}

	resp, err := a.llm.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" && !resp.Retryable() {
		a.emitChunked(ctx, runID, resp.Content, emit, deltaIndex)
	}
	return resp, nil
}

// emitChunked replays a single response as fixed-size assistant deltas.
func (a *Agent) emitChunked(ctx context.Context, runID, content string, emit func(models.Event), deltaIndex *int) {
	size := a.cfg.Agent.DeltaChunkSize
	if size <= 0 {
		size = 220
	}
	for start := 0; start < len(content); start += size {
		if a.checkCancelled(ctx, runID) != nil {
			return
		}
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		emit(models.Event{
			Type: models.EventAssistantDelta, Kind: models.KindAssistant,
			Delta: content[start:end], Index: *deltaIndex,
		})
		*deltaIndex++
	}
}
