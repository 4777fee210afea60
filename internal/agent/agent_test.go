package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/tools"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// fakeLLM replays a scripted response sequence with an optional per-call
// delay, honoring context cancellation like a real client would.
type fakeLLM struct {
	mu        sync.Mutex
	delay     time.Duration
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (f *fakeLLM) next(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &providers.ChatResponse{Content: "done", FinishReason: providers.FinishStop}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return f.next(ctx, req)
}

func (f *fakeLLM) ChatStream(ctx context.Context, req providers.ChatRequest, onDelta func(string)) (*providers.ChatResponse, error) {
	return f.next(ctx, req)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      content,
		FinishReason: providers.FinishStop,
		Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

type testRig struct {
	agent   *Agent
	bus     *bus.MessageBus
	llm     *fakeLLM
	history *runhistory.Store
	events  <-chan *models.Event
	out     <-chan models.OutboundMessage
}

func newTestRig(t *testing.T, llm *fakeLLM, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.Agent.TimeoutSeconds = 30
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	b := bus.New(nil)
	store, err := sessions.NewStore(t.TempDir(), cfg.Workspace, nil)
	if err != nil {
		t.Fatalf("sessions.NewStore: %v", err)
	}
	history, err := runhistory.NewStore(filepath.Join(t.TempDir(), "runs.jsonl"), 100)
	if err != nil {
		t.Fatalf("runhistory.NewStore: %v", err)
	}
	registry := tools.NewRegistry(cfg.Tools, b, nil, nil, nil)

	a := New(Deps{
		Config:   cfg,
		Bus:      b,
		LLM:      llm,
		Registry: registry,
		Sessions: store,
		History:  history,
	})
	rig := &testRig{
		agent:   a,
		bus:     b,
		llm:     llm,
		history: history,
		events:  b.SubscribeEvents("test"),
		out:     b.SubscribeOutbound("test"),
	}
	t.Cleanup(a.Wait)
	return rig
}

func inbound(content string) models.InboundMessage {
	return models.InboundMessage{
		Channel:   "cli",
		SenderID:  "u1",
		ChatID:    "c1",
		Content:   content,
		Timestamp: time.Now(),
	}
}

// collectEvents drains events until n terminal lifecycle events have been
// observed or the deadline hits.
func (r *testRig) collectEvents(t *testing.T, terminals int, deadline time.Duration) []*models.Event {
	t.Helper()
	var got []*models.Event
	timer := time.After(deadline)
	seen := 0
	for seen < terminals {
		select {
		case ev := <-r.events:
			got = append(got, ev)
			if ev.Terminal() {
				seen++
			}
		case <-timer:
			t.Fatalf("timed out waiting for %d terminal events, got %d (events: %v)", terminals, seen, eventTypes(got))
		}
	}
	return got
}

func (r *testRig) nextReply(t *testing.T, deadline time.Duration) models.OutboundMessage {
	t.Helper()
	timer := time.After(deadline)
	for {
		select {
		case msg := <-r.out:
			if msg.Control != "" {
				continue
			}
			return msg
		case <-timer:
			t.Fatal("timed out waiting for outbound reply")
		}
	}
}

func eventTypes(evs []*models.Event) []string {
	var out []string
	for _, ev := range evs {
		out = append(out, string(ev.Type))
	}
	return out
}

func countType(evs []*models.Event, typ models.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func findType(evs []*models.Event, typ models.EventType) *models.Event {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	return nil
}

func TestSteerMergesMidRunMessage(t *testing.T) {
	llm := &fakeLLM{
		delay:     300 * time.Millisecond,
		responses: []*providers.ChatResponse{textResponse("first reply")},
	}
	rig := newTestRig(t, llm, func(cfg *config.Config) {
		cfg.Queue.Mode = config.QueueModeSteer
	})

	id1 := rig.agent.Submit(inbound("original question"))
	time.Sleep(50 * time.Millisecond)
	id2 := rig.agent.Submit(inbound("steer instruction"))

	if id1 == "" || id1 != id2 {
		t.Fatalf("steer should return the running run id: %q vs %q", id1, id2)
	}

	evs := rig.collectEvents(t, 1, 3*time.Second)
	if n := countType(evs, models.EventRunStart); n != 1 {
		t.Errorf("run_start count = %d, want 1", n)
	}
	if n := countType(evs, models.EventRunEnd); n != 1 {
		t.Errorf("run_end count = %d, want 1", n)
	}
	steer := findType(evs, models.EventRunSteer)
	if steer == nil {
		t.Fatal("no run_steer event")
	}
	if steer.InstructionPreview != "steer instruction" {
		t.Errorf("instruction_preview = %q", steer.InstructionPreview)
	}

	reply := rig.nextReply(t, time.Second)
	if reply.Content != "first reply" {
		t.Errorf("reply = %q, want the first run's response", reply.Content)
	}
}

func TestQueueModeSerializesRuns(t *testing.T) {
	llm := &fakeLLM{
		delay: 50 * time.Millisecond,
		responses: []*providers.ChatResponse{
			textResponse("reply one"),
			textResponse("reply two"),
		},
	}
	rig := newTestRig(t, llm, nil)

	id1 := rig.agent.Submit(inbound("first"))
	id2 := rig.agent.Submit(inbound("second"))
	if id1 == id2 {
		t.Fatalf("queue mode must create distinct runs, both %q", id1)
	}

	evs := rig.collectEvents(t, 2, 3*time.Second)

	var lifecycle []*models.Event
	for _, ev := range evs {
		if ev.Kind == models.KindLifecycle {
			lifecycle = append(lifecycle, ev)
		}
	}
	if len(lifecycle) != 4 {
		t.Fatalf("lifecycle events = %v, want start/end pairs", eventTypes(lifecycle))
	}
	want := []models.EventType{
		models.EventRunStart, models.EventRunEnd,
		models.EventRunStart, models.EventRunEnd,
	}
	for i, ev := range lifecycle {
		if ev.Type != want[i] {
			t.Fatalf("lifecycle order = %v, want %v", eventTypes(lifecycle), want)
		}
	}
	if lifecycle[2].TS.Before(lifecycle[1].TS) {
		t.Errorf("second run_start %v precedes first run_end %v", lifecycle[2].TS, lifecycle[1].TS)
	}
	if lifecycle[0].RunID != id1 || lifecycle[2].RunID != id2 {
		t.Errorf("runs out of submission order: %s then %s", lifecycle[0].RunID, lifecycle[2].RunID)
	}
}

func TestRunTimeoutProducesError(t *testing.T) {
	llm := &fakeLLM{delay: 1500 * time.Millisecond}
	rig := newTestRig(t, llm, func(cfg *config.Config) {
		cfg.Agent.TimeoutSeconds = 1
	})

	rig.agent.Submit(inbound("slow question"))
	evs := rig.collectEvents(t, 1, 5*time.Second)

	errEv := findType(evs, models.EventRunError)
	if errEv == nil {
		t.Fatalf("no run_error event in %v", eventTypes(evs))
	}
	if !strings.Contains(errEv.Error, "timed out") {
		t.Errorf("run_error.error = %q", errEv.Error)
	}

	reply := rig.nextReply(t, time.Second)
	if !strings.Contains(reply.Content, "timed out") {
		t.Errorf("outbound = %q, want timeout apology", reply.Content)
	}

	rig.agent.Wait()
	runs, err := rig.history.Recent(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Recent: %v (%d runs)", err, len(runs))
	}
	if runs[0].Status != models.RunError || !strings.Contains(runs[0].Error, "timed out") {
		t.Errorf("archived run = %+v", runs[0])
	}
}

func TestOverloadTriggersOneCompactionRetry(t *testing.T) {
	llm := &fakeLLM{
		responses: []*providers.ChatResponse{
			{Content: "", FinishReason: providers.FinishOverloaded},
			textResponse("after retry"),
		},
	}
	rig := newTestRig(t, llm, nil)

	rig.agent.Submit(inbound("hello"))
	evs := rig.collectEvents(t, 1, 3*time.Second)

	if n := countType(evs, models.EventCompactionStart); n != 1 {
		t.Fatalf("compaction_start count = %d, want 1 (events: %v)", n, eventTypes(evs))
	}
	if ev := findType(evs, models.EventCompactionStart); ev.Reason != "overloaded_retry" {
		t.Errorf("compaction reason = %q", ev.Reason)
	}

	deltas := 0
	for _, ev := range evs {
		if ev.Type == models.EventAssistantDelta {
			deltas++
			if ev.Delta != "after retry" {
				t.Errorf("delta = %q", ev.Delta)
			}
		}
	}
	if deltas != 1 {
		t.Errorf("assistant_delta count = %d, want 1", deltas)
	}

	reply := rig.nextReply(t, time.Second)
	if reply.Content != "after retry" {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestCollectMergesIntoQueuedRun(t *testing.T) {
	llm := &fakeLLM{
		delay: 300 * time.Millisecond,
		responses: []*providers.ChatResponse{
			textResponse("reply one"),
			textResponse("reply two"),
		},
	}
	rig := newTestRig(t, llm, func(cfg *config.Config) {
		cfg.Queue.Mode = config.QueueModeCollect
		cfg.Queue.CollectWindowMS = 5000
	})

	rig.agent.Submit(inbound("busy run"))
	time.Sleep(30 * time.Millisecond)
	id2 := rig.agent.Submit(inbound("queued draft"))
	id3 := rig.agent.Submit(inbound("followup detail"))
	if id2 != id3 {
		t.Fatalf("collect should merge into the queued run: %q vs %q", id2, id3)
	}

	evs := rig.collectEvents(t, 2, 5*time.Second)
	merged := false
	for _, ev := range evs {
		if ev.Type == models.EventQueueUpdate && ev.Reason == "collect_merge" {
			merged = true
		}
	}
	if !merged {
		t.Errorf("no collect_merge queue_update in %v", eventTypes(evs))
	}

	rig.agent.Wait()
	llm.mu.Lock()
	defer llm.mu.Unlock()
	var mergedContent string
	for _, req := range llm.requests {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "[Collected Followup]") {
				mergedContent = m.Content
			}
		}
	}
	if !strings.Contains(mergedContent, "queued draft") || !strings.Contains(mergedContent, "followup detail") {
		t.Errorf("merged content = %q", mergedContent)
	}
}

func TestBacklogOverflowReplacesOldestQueued(t *testing.T) {
	llm := &fakeLLM{
		delay: 300 * time.Millisecond,
		responses: []*providers.ChatResponse{
			textResponse("reply one"),
			textResponse("reply two"),
		},
	}
	rig := newTestRig(t, llm, func(cfg *config.Config) {
		cfg.Queue.MaxBacklog = 1
	})

	rig.agent.Submit(inbound("busy run"))
	time.Sleep(30 * time.Millisecond)
	id2 := rig.agent.Submit(inbound("queued draft"))
	id3 := rig.agent.Submit(inbound("overflow message"))
	if id2 != id3 {
		t.Fatalf("overflow should reuse the queued run: %q vs %q", id2, id3)
	}

	evs := rig.collectEvents(t, 2, 5*time.Second)
	overflow := false
	for _, ev := range evs {
		if ev.Type == models.EventQueueUpdate && ev.Reason == "overflow_replace" {
			overflow = true
		}
	}
	if !overflow {
		t.Errorf("no overflow_replace queue_update in %v", eventTypes(evs))
	}
	if n := countType(evs, models.EventRunEnd); n != 2 {
		t.Errorf("run_end count = %d, want 2", n)
	}
}

func TestCancelCommandStopsRunningRun(t *testing.T) {
	llm := &fakeLLM{delay: 5 * time.Second}
	rig := newTestRig(t, llm, nil)

	id1 := rig.agent.Submit(inbound("very slow question"))
	time.Sleep(50 * time.Millisecond)
	rig.agent.Submit(inbound("/cancel"))

	evs := rig.collectEvents(t, 2, 3*time.Second)
	cancelled := findType(evs, models.EventRunCancelled)
	if cancelled == nil || cancelled.RunID != id1 {
		t.Fatalf("expected run_cancelled for %s, events: %v", id1, eventTypes(evs))
	}

	reply := rig.nextReply(t, time.Second)
	if !strings.Contains(reply.Content, "Cancelled 1 run(s)") {
		t.Errorf("cancel reply = %q", reply.Content)
	}
}

func TestCancelQueuedRunNeverStarts(t *testing.T) {
	llm := &fakeLLM{
		delay:     300 * time.Millisecond,
		responses: []*providers.ChatResponse{textResponse("reply one")},
	}
	rig := newTestRig(t, llm, nil)

	rig.agent.Submit(inbound("busy run"))
	time.Sleep(30 * time.Millisecond)
	id2 := rig.agent.Submit(inbound("queued"))
	if !rig.agent.CancelRun(id2) {
		t.Fatal("CancelRun returned false for a queued run")
	}

	evs := rig.collectEvents(t, 2, 3*time.Second)
	for _, ev := range evs {
		if ev.RunID == id2 && ev.Type == models.EventRunStart {
			t.Error("cancelled queued run emitted run_start")
		}
	}
	cancelled := findType(evs, models.EventRunCancelled)
	if cancelled == nil || cancelled.RunID != id2 {
		t.Errorf("expected run_cancelled for %s", id2)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	llm := &fakeLLM{
		responses: []*providers.ChatResponse{
			{
				FinishReason: providers.FinishToolCalls,
				ToolCalls: []models.ToolCall{{
					ID:        "call_1",
					Name:      "echo",
					Arguments: map[string]any{"text": "ping"},
				}},
			},
			textResponse("tool said: ping"),
		},
	}
	rig := newTestRig(t, llm, nil)
	if err := rig.agent.registry.Register(&echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rig.agent.Submit(inbound("use the tool"))
	evs := rig.collectEvents(t, 1, 3*time.Second)

	start := findType(evs, models.EventToolStart)
	end := findType(evs, models.EventToolEnd)
	if start == nil || end == nil {
		t.Fatalf("missing tool events: %v", eventTypes(evs))
	}
	if start.ToolName != "echo" || end.ToolName != "echo" {
		t.Errorf("tool events for %q/%q", start.ToolName, end.ToolName)
	}
	if end.OK == nil || !*end.OK {
		t.Error("tool_end not ok")
	}

	reply := rig.nextReply(t, time.Second)
	if reply.Content != "tool said: ping" {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestNoReplySuppressesOutbound(t *testing.T) {
	llm := &fakeLLM{
		responses: []*providers.ChatResponse{textResponse("NO_REPLY")},
	}
	rig := newTestRig(t, llm, nil)

	rig.agent.Submit(inbound("no answer needed"))
	rig.collectEvents(t, 1, 3*time.Second)
	rig.agent.Wait()

	for {
		select {
		case msg := <-rig.out:
			if msg.Control == "" {
				t.Errorf("unexpected outbound %q", msg.Content)
			}
		default:
			return
		}
	}
}

func TestStatusCommandBypassesQueueTransforms(t *testing.T) {
	llm := &fakeLLM{
		delay:     300 * time.Millisecond,
		responses: []*providers.ChatResponse{textResponse("reply one")},
	}
	rig := newTestRig(t, llm, func(cfg *config.Config) {
		cfg.Queue.Mode = config.QueueModeSteer
	})

	id1 := rig.agent.Submit(inbound("long run"))
	time.Sleep(30 * time.Millisecond)
	id2 := rig.agent.Submit(inbound("/status"))
	if id2 == "" || id2 == id1 {
		t.Fatalf("/status must get its own run, got %q (running %q)", id2, id1)
	}

	rig.collectEvents(t, 2, 5*time.Second)
	reply := rig.nextReply(t, time.Second)
	if !strings.Contains(reply.Content, "Session cli:c1") && !strings.Contains(reply.Content, "reply one") {
		t.Errorf("unexpected first reply %q", reply.Content)
	}
}

type echoTool struct{}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes text back." }
func (e *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (e *echoTool) Execute(ctx context.Context, call tools.Call) (string, error) {
	return "echo: " + call.String("text"), nil
}
