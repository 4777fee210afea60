package agent

import (
	"strings"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/pkg/models"
)

const steerPreviewLen = 180

// Submit routes one inbound message through the queue policy and returns the
// run id it ended up on: a fresh run, the running run it steered, or the
// queued run it merged into. Returns "" when the message was rate limited.
func (a *Agent) Submit(msg models.InboundMessage) string {
	sessionKey := msg.SessionKey()
	content := strings.TrimSpace(msg.Content)

	if a.limiter != nil && !a.limiter.AllowMessage(msg.Channel+":"+msg.SenderID) {
		a.msgBus.PublishOutbound(models.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: "Rate limit exceeded, please slow down.",
		})
		return ""
	}

	// An approval prompt may be waiting on this session; the reply must
	// reach the blocked tool call instead of becoming a new run.
	if a.msgBus.HasApprovalWaiter(sessionKey) && a.msgBus.ResolveApproval(sessionKey, content) {
		return ""
	}

	// Session-control commands bypass every merge/steer transform.
	if IsSessionCommand(content) {
		return a.submitCommand(msg, sessionKey, content)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mode := a.cfg.Queue.Mode
	switch mode {
	case config.QueueModeSteer, config.QueueModeSteerBacklog:
		if runID := a.running[sessionKey]; runID != "" {
			a.steer.Append(runID, content, SteerInbound)
			a.emitter.Emit(models.Event{
				Type: models.EventRunSteer, Kind: models.KindQueue,
				RunID: runID, SessionKey: sessionKey,
				Mode:               string(mode),
				InstructionPreview: preview(content, steerPreviewLen),
			})
			if mode == config.QueueModeSteerBacklog {
				if pr := a.newestQueuedLocked(sessionKey); pr != nil {
					pr.content = content
					pr.media = msg.Media
					a.emitQueueUpdateLocked(pr, sessionKey, "steer_backlog_replace")
				}
			}
			return runID
		}
	case config.QueueModeCollect:
		window := time.Duration(a.cfg.Queue.CollectWindowMS) * time.Millisecond
		if pr := a.newestQueuedLocked(sessionKey); pr != nil && a.now().Sub(pr.run.CreatedAt) <= window {
			pr.content += "\n[Collected Followup]\n" + content
			pr.media = unionMedia(pr.media, msg.Media)
			mergeMetadata(&pr.msg, msg.Metadata)
			a.emitQueueUpdateLocked(pr, sessionKey, "collect_merge")
			return pr.run.RunID
		}
	case config.QueueModeFollowup:
		if pr := a.newestQueuedLocked(sessionKey); pr != nil {
			pr.content = content
			pr.media = msg.Media
			mergeMetadata(&pr.msg, msg.Metadata)
			a.emitQueueUpdateLocked(pr, sessionKey, "followup_replace")
			return pr.run.RunID
		}
	}

	// Backlog cap: replace the oldest queued draft instead of growing.
	if max := a.cfg.Queue.MaxBacklog; max > 0 && len(a.pending[sessionKey]) >= max {
		pr := a.pending[sessionKey][0]
		pr.content = content
		pr.media = msg.Media
		mergeMetadata(&pr.msg, msg.Metadata)
		a.emitQueueUpdateLocked(pr, sessionKey, "overflow_replace")
		return pr.run.RunID
	}

	pr := a.enqueueLocked(msg, sessionKey, content, false)
	return pr.run.RunID
}

// submitCommand creates a run for a session-control command. /cancel never
// enters the session queue: it runs on its own goroutine so it cannot
// deadlock behind the run it is trying to cancel.
func (a *Agent) submitCommand(msg models.InboundMessage, sessionKey, content string) string {
	if strings.HasPrefix(strings.ToLower(content), "/cancel") {
		run := a.newRunState(msg, sessionKey)
		a.mu.Lock()
		a.active[run.RunID] = run
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.startRun(run)
			reply := a.cancelReply(sessionKey)
			a.finishRun(run, models.RunCompleted, "")
			a.msgBus.PublishOutbound(synthOutbound(msg, reply))
			a.archiveRun(run)
		}()
		return run.RunID
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pr := a.enqueueLocked(msg, sessionKey, content, true)
	return pr.run.RunID
}

func (a *Agent) newRunState(msg models.InboundMessage, sessionKey string) *models.RunState {
	model := a.cfg.Providers.Model
	if msg.Metadata != nil && msg.Metadata["model_override"] != "" {
		model = msg.Metadata["model_override"]
	}
	return &models.RunState{
		RunID:      models.NewRunID(),
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Model:      model,
		Status:     models.RunQueued,
		CreatedAt:  a.now().UTC(),
	}
}

// enqueueLocked registers a fresh queued run and makes sure a session worker
// is draining the queue. Caller holds a.mu.
func (a *Agent) enqueueLocked(msg models.InboundMessage, sessionKey, content string, isCommand bool) *pendingRun {
	run := a.newRunState(msg, sessionKey)
	pr := &pendingRun{
		run:       run,
		msg:       msg,
		content:   content,
		media:     msg.Media,
		isCommand: isCommand,
	}
	a.pending[sessionKey] = append(a.pending[sessionKey], pr)
	a.active[run.RunID] = run
	a.emitQueueUpdateLocked(pr, sessionKey, "enqueued")

	if !a.workers[sessionKey] {
		a.workers[sessionKey] = true
		a.wg.Add(1)
		go a.sessionWorker(sessionKey)
	}
	return pr
}

// sessionWorker drains one session's queue in FIFO order. Only one worker
// per session exists, which is what serializes runs on the timeline.
func (a *Agent) sessionWorker(sessionKey string) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		queue := a.pending[sessionKey]
		if len(queue) == 0 {
			a.workers[sessionKey] = false
			a.mu.Unlock()
			return
		}
		pr := queue[0]
		a.pending[sessionKey] = queue[1:]
		if pr.cancelled || a.cancelSet[pr.run.RunID] {
			// Never started: terminal without run_start.
			delete(a.cancelSet, pr.run.RunID)
			a.mu.Unlock()
			a.finishRun(pr.run, models.RunCancelled, "")
			a.archiveRun(pr.run)
			continue
		}
		a.running[sessionKey] = pr.run.RunID
		a.mu.Unlock()

		if a.globalSem != nil && !pr.isCommand {
			a.globalSem <- struct{}{}
		}
		a.executeRun(pr)
		if a.globalSem != nil && !pr.isCommand {
			<-a.globalSem
		}

		a.mu.Lock()
		if a.running[sessionKey] == pr.run.RunID {
			delete(a.running, sessionKey)
		}
		a.mu.Unlock()
	}
}

// CancelRun cancels one run by id, whether queued or running.
func (a *Agent) CancelRun(runID string) bool {
	a.mu.Lock()
	run, ok := a.active[runID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	a.cancelSet[runID] = true
	for _, pr := range a.pending[run.SessionKey] {
		if pr.run.RunID == runID {
			pr.cancelled = true
		}
	}
	cancel := a.cancels[runID]
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CancelSession cancels the session's running run and clears its backlog,
// returning how many runs were affected.
func (a *Agent) CancelSession(sessionKey string) int {
	a.mu.Lock()
	var ids []string
	if runID := a.running[sessionKey]; runID != "" {
		ids = append(ids, runID)
	}
	for _, pr := range a.pending[sessionKey] {
		ids = append(ids, pr.run.RunID)
	}
	a.mu.Unlock()

	n := 0
	for _, id := range ids {
		if a.CancelRun(id) {
			n++
		}
	}
	return n
}

// SteerRun appends an out-of-band instruction to a running run's steer
// buffer. Queued runs cannot be steered; use the queue transforms instead.
func (a *Agent) SteerRun(runID, instruction string, source SteerSource) bool {
	a.mu.Lock()
	run, ok := a.active[runID]
	running := ok && run.Status == models.RunRunning
	a.mu.Unlock()
	if !running {
		return false
	}
	a.steer.Append(runID, instruction, source)
	a.emitter.Emit(models.Event{
		Type: models.EventRunSteer, Kind: models.KindQueue,
		RunID: runID, SessionKey: run.SessionKey,
		InstructionPreview: preview(instruction, steerPreviewLen),
	})
	return true
}

func (a *Agent) emitQueueUpdateLocked(pr *pendingRun, sessionKey, reason string) {
	a.emitter.Emit(models.Event{
		Type: models.EventQueueUpdate, Kind: models.KindQueue,
		RunID: pr.run.RunID, SessionKey: sessionKey,
		Reason:  reason,
		Mode:    string(a.cfg.Queue.Mode),
		Pending: len(a.pending[sessionKey]),
	})
}

// newestQueuedLocked returns the most recently queued, not yet cancelled run
// for the session. Caller holds a.mu.
func (a *Agent) newestQueuedLocked(sessionKey string) *pendingRun {
	queue := a.pending[sessionKey]
	for i := len(queue) - 1; i >= 0; i-- {
		if !queue[i].cancelled {
			return queue[i]
		}
	}
	return nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func unionMedia(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string{}, a...)
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// mergeMetadata shallow-merges incoming metadata into the pending message,
// never letting a merge move the run to another session.
func mergeMetadata(msg *models.InboundMessage, incoming map[string]string) {
	if len(incoming) == 0 {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	for k, v := range incoming {
		if k == "session_key" {
			continue
		}
		msg.Metadata[k] = v
	}
}
