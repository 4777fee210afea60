package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miniclaw/miniclaw/internal/hooks"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// executeRun drives one run from run_start through its terminal event. The
// session worker has already claimed the session, so nothing else runs on
// this timeline concurrently.
func (a *Agent) executeRun(pr *pendingRun) {
	run := pr.run

	ctx, cancel := context.WithCancel(a.root())
	a.mu.Lock()
	a.cancels[run.RunID] = cancel
	preCancelled := a.cancelSet[run.RunID]
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, run.RunID)
		delete(a.cancelSet, run.RunID)
		a.mu.Unlock()
	}()

	if preCancelled {
		a.finishRun(run, models.RunCancelled, "")
		a.archiveRun(run)
		return
	}

	a.startRun(run)
	a.typing(pr.msg, models.ControlTypingStart)
	if a.hooks != nil {
		a.hooks.Fire(ctx, hooks.SessionStart, hooks.Context{
			SessionKey: run.SessionKey, RunID: run.RunID,
		})
	}

	timeout := time.Duration(a.cfg.Agent.TimeoutSeconds) * time.Second
	rctx, rcancel := context.WithTimeout(ctx, timeout)
	reply, err := a.processMessage(rctx, pr)
	rcancel()

	switch {
	case errors.Is(err, errCancelled) || (err != nil && ctx.Err() != nil):
		a.finishRun(run, models.RunCancelled, "")
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("run timed out after %d seconds", a.cfg.Agent.TimeoutSeconds)
		a.finishRun(run, models.RunError, msg)
		a.msgBus.PublishOutbound(synthOutbound(pr.msg, fmt.Sprintf(
			"Sorry, this run timed out after %d seconds.", a.cfg.Agent.TimeoutSeconds)))
	case err != nil:
		a.finishRun(run, models.RunError, err.Error())
		a.msgBus.PublishOutbound(synthOutbound(pr.msg,
			"Sorry, something went wrong while processing your message."))
	default:
		a.finishRun(run, models.RunCompleted, "")
		if reply != "" {
			out := synthOutbound(pr.msg, reply)
			if pr.msg.Metadata != nil {
				out.ReplyTo = pr.msg.Metadata["message_id"]
			}
			a.msgBus.PublishOutbound(out)
		}
	}

	if a.hooks != nil {
		a.hooks.Fire(context.WithoutCancel(ctx), hooks.SessionEnd, hooks.Context{
			SessionKey: run.SessionKey, RunID: run.RunID,
		})
	}
	a.typing(pr.msg, models.ControlTypingStop)
	a.archiveRun(run)
}

// startRun transitions a run to running and emits run_start.
func (a *Agent) startRun(run *models.RunState) {
	now := a.now().UTC()
	a.mu.Lock()
	run.Status = models.RunRunning
	run.StartedAt = &now
	a.mu.Unlock()

	a.emitter.Emit(models.Event{
		Type: models.EventRunStart, Kind: models.KindLifecycle,
		RunID: run.RunID, SessionKey: run.SessionKey,
		Channel: run.Channel, ChatID: run.ChatID, SenderID: run.SenderID,
	})
}

// finishRun stamps the terminal status and emits the matching lifecycle
// event, then closes the run id so stragglers are dropped.
func (a *Agent) finishRun(run *models.RunState, status models.RunStatus, errMsg string) {
	now := a.now().UTC()
	a.mu.Lock()
	run.Status = status
	run.EndedAt = &now
	run.Error = errMsg
	a.mu.Unlock()

	ev := models.Event{
		Kind:  models.KindLifecycle,
		RunID: run.RunID, SessionKey: run.SessionKey,
		Channel: run.Channel, ChatID: run.ChatID, SenderID: run.SenderID,
	}
	switch status {
	case models.RunCancelled:
		ev.Type = models.EventRunCancelled
	case models.RunError:
		ev.Type = models.EventRunError
		ev.Error = errMsg
	default:
		ev.Type = models.EventRunEnd
	}
	a.emitter.Emit(ev)
	a.emitter.CloseRun(run.RunID)
}

// archiveRun moves a terminal run out of the active table, appends it to the
// run history store, snapshots it on the session, and records usage.
func (a *Agent) archiveRun(run *models.RunState) {
	a.mu.Lock()
	delete(a.active, run.RunID)
	a.mu.Unlock()
	a.steer.Forget(run.RunID)

	if a.history != nil {
		if err := a.history.Append(run); err != nil {
			a.logger.Warn("run history append failed", "run_id", run.RunID, "error", err)
		}
	}

	if sess := a.sessions.Get(run.SessionKey); sess != nil {
		sess.SetLastRun(map[string]any{
			"run_id": run.RunID,
			"status": string(run.Status),
			"model":  run.Model,
			"tokens": run.Usage.TotalTokens,
		})
		if err := a.sessions.Save(sess); err != nil {
			a.logger.Warn("session snapshot save failed", "session", run.SessionKey, "error", err)
		}
	}

	if a.usage != nil && run.Usage.TotalTokens > 0 {
		if err := a.usage.Record(run.SessionKey, run.RunID, run.Model, run.Usage); err != nil {
			a.logger.Warn("usage record failed", "run_id", run.RunID, "error", err)
		}
	}
}

// processMessage is the body of one run: idle reset, inline commands, then
// the dialog loop.
func (a *Agent) processMessage(ctx context.Context, pr *pendingRun) (string, error) {
	sess := a.sessions.Get(pr.run.SessionKey)

	if mins := a.cfg.Agent.IdleResetMinutes; mins > 0 {
		if reset, err := a.sessions.ApplyIdleReset(sess, mins); err != nil {
			a.logger.Warn("idle reset failed", "session", sess.SessionKey, "error", err)
		} else if reset {
			a.emitter.Emit(models.Event{
				Type: models.EventSessionReset, Kind: models.KindSession,
				RunID: pr.run.RunID, SessionKey: sess.SessionKey, Reason: "idle",
			})
		}
	}

	if pr.isCommand {
		return a.executeCommand(sess, pr.content), nil
	}

	content, thinking := stripInlineThink(pr.content)
	if content == "" && len(pr.media) == 0 {
		return "", nil
	}
	return a.runDialog(ctx, pr, sess, content, thinking)
}

// typing publishes a typing control message for channels that render it.
func (a *Agent) typing(msg models.InboundMessage, control string) {
	a.msgBus.PublishOutbound(models.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Control: control,
	})
}

// checkCancelled is the cooperative cancellation point used throughout the
// dialog loop.
func (a *Agent) checkCancelled(ctx context.Context, runID string) error {
	a.mu.Lock()
	cancelled := a.cancelSet[runID]
	a.mu.Unlock()
	if cancelled {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
