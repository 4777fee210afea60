package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/miniclaw/miniclaw/internal/hooks"
	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/pkg/models"
)

const (
	compactionKeepRecent = 10
	summarizerPrompt     = "You are a conversation summarizer. Be concise."
)

// compact summarizes everything older than the most recent messages into the
// session summary. The caller persists the session afterwards.
func (a *Agent) compact(ctx context.Context, sess *sessions.Session, model, reason string, emit func(models.Event)) error {
	emit(models.Event{Type: models.EventCompactionStart, Kind: models.KindCompaction, Reason: reason})

	if a.hooks != nil {
		a.hooks.Fire(ctx, hooks.PreCompact, hooks.Context{SessionKey: sess.SessionKey})
	}

	if len(sess.Messages) <= compactionKeepRecent {
		ok := true
		emit(models.Event{
			Type: models.EventCompactionEnd, Kind: models.KindCompaction,
			Reason: reason, OK: &ok, SummaryLength: len(sess.Summary),
		})
		return nil
	}

	older := sess.Messages[:len(sess.Messages)-compactionKeepRecent]
	var transcript strings.Builder
	if sess.Summary != "" {
		transcript.WriteString("Previous summary:\n" + sess.Summary + "\n\n")
	}
	transcript.WriteString("Conversation to summarize:\n")
	for _, m := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := a.llm.Chat(ctx, providers.ChatRequest{
		Model:     model,
		System:    summarizerPrompt,
		Messages:  []providers.Message{{Role: "user", Content: transcript.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		emit(models.Event{Type: models.EventCompactionError, Kind: models.KindCompaction, Reason: reason, Error: err.Error()})
		return err
	}
	if resp.FinishReason == providers.FinishError || resp.FinishReason == providers.FinishOverloaded {
		emit(models.Event{Type: models.EventCompactionError, Kind: models.KindCompaction, Reason: reason, Error: resp.Content})
		return fmt.Errorf("compaction summarizer failed: %s", resp.Content)
	}

	sess.Summary = strings.TrimSpace(resp.Content)
	sess.Messages = append([]models.Message{}, sess.Messages[len(sess.Messages)-compactionKeepRecent:]...)

	ok := true
	emit(models.Event{
		Type: models.EventCompactionEnd, Kind: models.KindCompaction,
		Reason: reason, OK: &ok, SummaryLength: len(sess.Summary),
	})
	return nil
}

// estimateTokens is the cheap context-pressure heuristic: four characters
// per token.
func estimateTokens(msgs []providers.Message, system string) int {
	chars := len(system)
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}
